package core_domain

import (
	"encoding/json"
	"time"
)

// Message is one text message read from the message source.
type Message struct {
	ID       string    `json:"id"` // stable per source message
	Body     string    `json:"body"`
	Sender   string    `json:"sender"`
	GroupID  *string   `json:"group_id,omitempty"`
	FromSelf bool      `json:"from_self"`
	Read     bool      `json:"read"` // only ever flips false -> true
	SentAt   time.Time `json:"sent_at"`
}

// ParsedOTP is a code extracted from a message body.
type ParsedOTP struct {
	Service *string `json:"service,omitempty"`
	Code    string  `json:"code"`
}

// ServiceName returns the service or "" when unknown.
func (p ParsedOTP) ServiceName() string {
	if p.Service == nil {
		return ""
	}
	return *p.Service
}

// Equal compares service and code.
func (p ParsedOTP) Equal(o ParsedOTP) bool {
	if p.Code != o.Code {
		return false
	}
	if p.Service == nil || o.Service == nil {
		return p.Service == nil && o.Service == nil
	}
	return *p.Service == *o.Service
}

// NewParsedOTP builds a ParsedOTP; an empty service is stored as nil.
func NewParsedOTP(service, code string) *ParsedOTP {
	p := &ParsedOTP{Code: code}
	if service != "" {
		p.Service = &service
	}
	return p
}

// OTPEvent pairs a message with the code parsed out of it.
type OTPEvent struct {
	Message Message   `json:"message"`
	OTP     ParsedOTP `json:"otp"`
}

// ConnectedAgent is a bridge host session registered with the broker.
type ConnectedAgent struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Event names carried in an Envelope.
const (
	EventAppReady         = "app.ready"
	EventAppDisconnected  = "app.disconnected"
	EventCodeReceived     = "code.received"
	EventCodeUsed         = "code.used"
	EventCodeUsedAck      = "code.used.ack"
	EventPing             = "ping"
	EventPong             = "pong"
	EventConnectionFailed = "connection.failed"
)

// Envelope is the {event, data} record exchanged with the browser side.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope. A nil data is encoded as [].
func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event, Data: json.RawMessage("[]")}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// MustEnvelope is NewEnvelope for payload types that always marshal.
func MustEnvelope(event string, data any) Envelope {
	env, err := NewEnvelope(event, data)
	if err != nil {
		panic(err)
	}
	return env
}

// CodePayload is the data of code.received.
type CodePayload struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// CodeUsedPayload is the data of code.used.
type CodeUsedPayload struct {
	ID string `json:"id"`
}

// AckPayload is the data of code.used.ack.
type AckPayload struct {
	Success bool `json:"success"`
}

// DisconnectedPayload is the data of app.disconnected.
type DisconnectedPayload struct {
	Reason   string `json:"reason"`
	Retrying bool   `json:"retrying"`
}

// PongPayload is the data of pong.
type PongPayload struct {
	Timestamp string `json:"timestamp"` // RFC 3339
}

// NoticePayload is the data of connection.failed.
type NoticePayload struct {
	Message string `json:"message"`
}
