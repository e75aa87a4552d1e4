package store

import (
	"encoding/json"
	"time"
)

// Role frames how the analytics engine phrases answers. Opaque to this service.
type Role string

const (
	RoleDefault     Role = "Default"
	RoleStudent     Role = "Student"
	RoleResearcher  Role = "Researcher"
	RolePolicyMaker Role = "Policy-Maker"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDefault, RoleStudent, RoleResearcher, RolePolicyMaker:
		return true
	}
	return false
}

// Mode is the interaction mode of a conversation.
type Mode string

const (
	ModeDefault    Mode = "Default"
	ModeGeoMap     Mode = "GeoMap"
	ModePrediction Mode = "Prediction"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeDefault, ModeGeoMap, ModePrediction:
		return true
	}
	return false
}

type Conversation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Title      string    `json:"title"`
	Role       Role      `json:"role"`
	Mode       Mode      `json:"mode"`
	ModeLocked bool      `json:"modeLocked"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Sender is the author of a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// MessageState is either Pending or Final.
type MessageState interface {
	isMessageState()
}

// Pending marks an assistant message whose stream never delivered its terminal event.
type Pending struct{}

// Final marks a delivered message, carrying what the done event forwarded.
type Final struct {
	Link *string
	QC   *QualityScore
}

func (Pending) isMessageState() {}
func (Final) isMessageState()   {}

// QualityScore is the QC indicator attached to an answer together with where it came from.
type QualityScore struct {
	Value  float64 `json:"value"`
	Source string  `json:"source"`
}

type Message struct {
	ID             string
	ConversationID string
	Sender         Sender
	Content        string
	Timestamp      time.Time
	State          MessageState
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := struct {
		ID             string        `json:"id"`
		ConversationID string        `json:"conversationId"`
		Role           Sender        `json:"role"`
		Content        string        `json:"content"`
		Timestamp      time.Time     `json:"timestamp"`
		State          string        `json:"state"`
		Link           *string       `json:"link,omitempty"`
		QC             *QualityScore `json:"qc,omitempty"`
	}{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Sender,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
	}
	switch s := m.State.(type) {
	case Final:
		out.State = stateFinal
		out.Link = s.Link
		out.QC = s.QC
	default:
		out.State = statePending
	}
	return json.Marshal(out)
}

const (
	statePending = "pending"
	stateFinal   = "final"
)
