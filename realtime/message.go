package realtime

import (
	"bytes"
	"encoding/json"
	"strings"
)

// MessageKind tags the Message variant.
type MessageKind string

const (
	KindPong      MessageKind = "pong"
	KindBlocked   MessageKind = "blocked"
	KindBroadcast MessageKind = "broadcast"
	KindCommand   MessageKind = "command"
	KindUnknown   MessageKind = "unknown"
)

// Message is one parsed inbound frame. Exactly one of Broadcast and Command is
// set, according to Kind.
type Message struct {
	Kind      MessageKind
	Broadcast *Broadcast
	Command   *Command
	Raw       string
}

// Broadcast is a link relayed by the coordination server.
type Broadcast struct {
	Link        string `json:"link"`
	Group       string `json:"gr"`
	Solution    string `json:"co,omitempty"`
	ChallengeID string `json:"cap,omitempty"`
}

// Command is a plain-text code resolved through the command vocabulary.
type Command struct {
	Code        string
	Category    string
	Subcategory string
}

// CommandTarget is the form selection a command code maps to.
type CommandTarget struct {
	Category    string `yaml:"category" json:"category"`
	Subcategory string `yaml:"subcategory" json:"subcategory"`
}

// Vocabulary maps command codes to their targets.
type Vocabulary map[string]CommandTarget

// DefaultVocabulary returns the two codes the reference server sends.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		"46111": {Category: "461", Subcategory: "11"},
		"4911":  {Category: "491", Subcategory: "1"},
	}
}

type envelope struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Broadcast
}

// ParseMessage classifies a raw frame. Malformed or unrecognised frames come
// back as KindUnknown.
func ParseMessage(data []byte, vocab Vocabulary) Message {
	raw := string(data)
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "blocked" {
		return Message{Kind: KindBlocked, Raw: raw}
	}

	if bytes.HasPrefix(trimmed, []byte("{")) {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return Message{Kind: KindUnknown, Raw: raw}
		}
		switch {
		case env.Type == "pong":
			return Message{Kind: KindPong, Raw: raw}
		case env.Type == "blocked" || env.Status == "blocked":
			return Message{Kind: KindBlocked, Raw: raw}
		case env.Link != "":
			b := env.Broadcast
			return Message{Kind: KindBroadcast, Broadcast: &b, Raw: raw}
		}
		return Message{Kind: KindUnknown, Raw: raw}
	}

	code := strings.TrimSpace(raw)
	if target, ok := vocab[code]; ok {
		return Message{
			Kind: KindCommand,
			Command: &Command{
				Code:        code,
				Category:    target.Category,
				Subcategory: target.Subcategory,
			},
			Raw: raw,
		}
	}
	return Message{Kind: KindUnknown, Raw: raw}
}

var (
	pingFrame = []byte(`{"type":"ping"}`)
)

type authFrame struct {
	Code  string `json:"code"`
	Token string `json:"token,omitempty"`
}
