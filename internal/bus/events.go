package bus

import "time"

// InboundMessage is one user message or button press observed on a channel.
// Zero message ids mean the hint is absent.
type InboundMessage struct {
	Channel          string
	SenderID         string
	ChatID           string
	Content          string
	MessageID        int64
	ReplyToMessageID int64
	ThreadID         int64
	CallbackID       string // set for button presses
	CallbackData     string
	Timestamp        time.Time
	Metadata         map[string]any
}

// IsCallback reports whether the message is a button press rather than a
// physical message.
func (m *InboundMessage) IsCallback() bool {
	return m.CallbackID != ""
}

// Button is one inline button; Data comes back as InboundMessage.CallbackData.
type Button struct {
	Label string
	Data  string
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	ReplyTo int64
	Buttons [][]Button

	// InstanceID and StepKind tie a sent step prompt back to its scenario so
	// the delivered message id can be recorded.
	InstanceID string
	StepKind   string
}
