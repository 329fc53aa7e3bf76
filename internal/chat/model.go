package chat

// ---------------------------------------------
// Persisted & relayed models
// ---------------------------------------------

// Kind selects how a message payload is interpreted.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
)

func (k Kind) Valid() bool {
	return k == KindText || k == KindAudio
}

// MessageID is assigned by the store when a message is persisted.
type MessageID string

// Message is immutable once persisted. Text carries the payload of KindText
// messages, Audio the raw sample bytes of KindAudio ones.
type Message struct {
	ID        MessageID `json:"id"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Audio     []byte    `json:"audio,omitempty"`
	Author    string    `json:"author"`
	Timestamp string    `json:"time"`
}

// ---------------------------------------------
// Channel events
// ---------------------------------------------

// Inbound is a text-message or binary-message event read from a connection.
type Inbound struct {
	Kind  Kind
	Text  string
	Audio []byte
}
