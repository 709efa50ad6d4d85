package dispatch

// Decision is the outcome of Acceptance.Decide.
type Decision string

const (
	Enqueue Decision = "enqueue"
	Relay   Decision = "relay"
	Reject  Decision = "reject"
)

// Target describes the page a job is judged against. The two toggles are
// operator-controlled and may change during a page load.
type Target struct {
	Confirmation bool
	Group        string
	RelayEnabled bool
	BroadAccept  bool
}

// Acceptance is the enqueue predicate.
type Acceptance struct {
	RelayGroup string `yaml:"relay_group" json:"relay_group"`
	// KeyLength is the activation key length required before a job is relayed
	// with a cached captcha.
	KeyLength int `yaml:"key_length" json:"key_length"`
}

// DefaultAcceptance returns the reference relay group.
func DefaultAcceptance() Acceptance {
	return Acceptance{RelayGroup: "tele", KeyLength: 7}
}

// Decide classifies job for target.
func (a Acceptance) Decide(job Job, t Target) Decision {
	if t.Confirmation {
		if t.Group != "" && job.Group == t.Group {
			return a.qualifies(job, t)
		}
		if a.isRelay(job, t) &&
			!job.HasSolution() && len(job.ActivationKey()) == a.KeyLength {
			return Relay
		}
		return Reject
	}
	if a.isRelay(job, t) {
		return a.qualifies(job, t)
	}
	return Reject
}

func (a Acceptance) isRelay(job Job, t Target) bool {
	return t.RelayEnabled && a.RelayGroup != "" && job.Group == a.RelayGroup
}

func (a Acceptance) qualifies(job Job, t Target) Decision {
	if (job.HasSolution() && job.ActivationKey() != "") || t.BroadAccept {
		return Enqueue
	}
	return Reject
}
