package bus

import "time"

// Kind distinguishes what a channel surface is reporting: a chat message to
// answer, a verdict on the previous answer, or a session command.
type Kind string

const (
	KindMessage Kind = "message"
	KindVerdict Kind = "verdict"
	KindCommand Kind = "command"
)

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Kind      Kind
	Content   string
	Verdict   string // "up" or "down" when Kind == KindVerdict
	Timestamp time.Time
	Metadata  map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	Metadata map[string]any
}
