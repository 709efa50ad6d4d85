package dispatch

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/formrelay/realtime"
)

const keyedLink = "https://visa.test/en/visa/register/REF42/AB12345"

func TestJob_DerivedFields(t *testing.T) {
	tests := []struct {
		name string
		link string
		key  string
		ref  string
	}{
		{"full link", keyedLink, "AB12345", "REF42"},
		{"trailing slash", keyedLink + "/", "AB12345", "REF42"},
		{"short path has no key", "https://visa.test/a/b/c", "", ""},
		{"reference without key", "https://visa.test/a/b/c/REF42", "", "REF42"},
		{"bare path", "/a/b/c/d/e", "e", "d"},
		{"key is a fixed position", keyedLink + "/extra/tail", "AB12345", "REF42"},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewJob(tt.link, "g", "", "", epoch)
			assert.Equal(t, tt.key, j.ActivationKey())
			assert.Equal(t, tt.ref, j.Reference())
		})
	}
}

func TestJob_KeySegmentsOverride(t *testing.T) {
	j := NewJob("https://visa.test/a/b/c", "g", "", "", epoch)
	j.KeySegments = 3
	assert.Equal(t, "c", j.ActivationKey())
	assert.Equal(t, "b", j.Reference())
}

func TestJobFromBroadcast(t *testing.T) {
	j := JobFromBroadcast(realtime.Broadcast{Link: keyedLink, Group: "tele", Solution: "x7k2", ChallengeID: "c1"}, epoch)
	assert.Equal(t, "tele", j.Group)
	assert.Equal(t, "c1", j.ChallengeID)
	assert.True(t, j.HasSolution())
	assert.Equal(t, epoch, j.ReceivedAt)
}

func TestAcceptance_Decide(t *testing.T) {
	a := DefaultAcceptance()
	confirm := Target{Confirmation: true, Group: "g1"}
	other := Target{}

	tests := []struct {
		name   string
		job    Job
		target Target
		want   Decision
	}{
		{"confirmation own group solved", NewJob(keyedLink, "g1", "c", "abcd", epoch), confirm, Enqueue},
		{"confirmation own group unsolved", NewJob(keyedLink, "g1", "c", "", epoch), confirm, Reject},
		{"confirmation own group broad accept", NewJob(keyedLink, "g1", "c", "", epoch), Target{Confirmation: true, Group: "g1", BroadAccept: true}, Enqueue},
		{"confirmation foreign group", NewJob(keyedLink, "g2", "c", "abcd", epoch), confirm, Reject},
		{"confirmation relay group unsolved", NewJob(keyedLink, "tele", "", "", epoch), Target{Confirmation: true, Group: "g1", RelayEnabled: true}, Relay},
		{"confirmation relay group disabled", NewJob(keyedLink, "tele", "", "", epoch), confirm, Reject},
		{"confirmation relay short key", NewJob("https://visa.test/en/visa/register/REF42/AB1", "tele", "", "", epoch), Target{Confirmation: true, Group: "g1", RelayEnabled: true}, Reject},
		{"other page relay solved", NewJob(keyedLink, "tele", "c", "abcd", epoch), Target{RelayEnabled: true}, Enqueue},
		{"other page relay disabled", NewJob(keyedLink, "tele", "c", "abcd", epoch), other, Reject},
		{"other page foreign group", NewJob(keyedLink, "g1", "c", "abcd", epoch), Target{RelayEnabled: true}, Reject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Decide(tt.job, tt.target))
		})
	}
}

func TestAcceptance_EmptyRelayGroupNeverMatches(t *testing.T) {
	a := Acceptance{KeyLength: 7}
	j := NewJob(keyedLink, "", "c", "abcd", epoch)
	assert.Equal(t, Reject, a.Decide(j, Target{RelayEnabled: true}))
}

func TestProperty_AcceptanceNeverTakesForeignGroups(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	a := DefaultAcceptance()

	properties.Property("jobs outside the page and relay groups are rejected", prop.ForAll(
		func(group, solution string, confirmation, relay, broad bool) bool {
			if group == "g1" || group == a.RelayGroup {
				return true
			}
			j := NewJob(keyedLink, group, "c", solution, epoch)
			tgt := Target{Confirmation: confirmation, Group: "g1", RelayEnabled: relay, BroadAccept: broad}
			return a.Decide(j, tgt) == Reject
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.Property("broad acceptance enqueues every own-group job", prop.ForAll(
		func(solution string) bool {
			j := NewJob(keyedLink, "g1", "c", solution, epoch)
			return a.Decide(j, Target{Confirmation: true, Group: "g1", BroadAccept: true}) == Enqueue
		},
		gen.AlphaString(),
	))

	properties.Property("relay is only offered on the confirmation page", prop.ForAll(
		func(solution string, relay, broad bool) bool {
			j := NewJob(keyedLink, a.RelayGroup, "c", solution, epoch)
			return a.Decide(j, Target{RelayEnabled: relay, BroadAccept: broad}) != Relay
		},
		gen.AlphaString(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
