package dispatch

import (
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/formrelay/realtime"
)

// DefaultKeySegments is the path position of the activation key: the key is
// the fifth path segment and the reference the fourth.
const DefaultKeySegments = 5

// Job is one relayed link waiting to be resolved against the page.
type Job struct {
	Link        string
	Group       string
	ChallengeID string
	Solution    string
	Segments    []string
	ReceivedAt  time.Time
	Attempts    int
	// KeySegments overrides DefaultKeySegments when positive.
	KeySegments int
}

// NewJob parses link into a Job.
func NewJob(link, group, challengeID, solution string, receivedAt time.Time) Job {
	return Job{
		Link:        link,
		Group:       group,
		ChallengeID: challengeID,
		Solution:    solution,
		Segments:    pathSegments(link),
		ReceivedAt:  receivedAt,
	}
}

// JobFromBroadcast converts a channel broadcast.
func JobFromBroadcast(b realtime.Broadcast, receivedAt time.Time) Job {
	return NewJob(b.Link, b.Group, b.ChallengeID, b.Solution, receivedAt)
}

func pathSegments(link string) []string {
	path := link
	if u, err := url.Parse(link); err == nil && u.Host != "" {
		path = u.Path
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// ActivationKey returns the path segment at the key position. Segments after
// it are ignored.
func (j Job) ActivationKey() string {
	pos := j.keyPosition()
	if len(j.Segments) < pos {
		return ""
	}
	return j.Segments[pos-1]
}

// Reference returns the path segment just before the key position.
func (j Job) Reference() string {
	pos := j.keyPosition()
	if pos < 2 || len(j.Segments) < pos-1 {
		return ""
	}
	return j.Segments[pos-2]
}

func (j Job) keyPosition() int {
	if j.KeySegments > 0 {
		return j.KeySegments
	}
	return DefaultKeySegments
}

// HasSolution reports whether the job carries a full 4-character solution.
func (j Job) HasSolution() bool {
	return len(j.Solution) == 4
}
