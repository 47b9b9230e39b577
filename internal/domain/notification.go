package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusBounced    Status = "bounced"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDelivered, StatusFailed, StatusBounced:
		return true
	}
	return false
}

// IsTerminal reports whether no further status transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Type represents the notification delivery channel.
type Type string

const (
	TypeEmail Type = "email"
	TypePush  Type = "push"
)

func (t Type) String() string { return string(t) }

func (t Type) IsValid() bool {
	switch t {
	case TypeEmail, TypePush:
		return true
	}
	return false
}

func ParseTypeFromString(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid notification type %q", ErrValidation, s)
	}
	return t, nil
}

// Priority bounds for inbound payloads.
const (
	MinPriority     = 1
	MaxPriority     = 100
	DefaultPriority = 10
)

// Payload is the validated inbound notification request. The delivery
// pipeline only ever sees this typed form; untyped JSON stops at the
// HTTP boundary.
type Payload struct {
	NotificationType Type           `json:"notification_type"`
	UserID           string         `json:"user_id"`
	TemplateCode     string         `json:"template_code"`
	Variables        map[string]any `json:"variables"`
	RequestID        string         `json:"request_id"`
	Priority         int            `json:"priority"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Normalize trims identifier fields and applies defaults.
func (p *Payload) Normalize() {
	if p == nil {
		return
	}
	p.RequestID = strings.TrimSpace(p.RequestID)
	p.UserID = strings.TrimSpace(p.UserID)
	p.TemplateCode = strings.TrimSpace(p.TemplateCode)
	if p.Priority == 0 {
		p.Priority = DefaultPriority
	}
	if p.Variables == nil {
		p.Variables = map[string]any{}
	}
}

func (p *Payload) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: payload is required", ErrValidation)
	}
	if !p.NotificationType.IsValid() {
		return fmt.Errorf("%w: invalid notification type %q", ErrValidation, p.NotificationType)
	}
	if p.RequestID == "" {
		return fmt.Errorf("%w: request_id is required", ErrValidation)
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if p.TemplateCode == "" {
		return fmt.Errorf("%w: template_code is required", ErrValidation)
	}
	if p.Priority < MinPriority || p.Priority > MaxPriority {
		return fmt.Errorf("%w: priority must be between %d and %d", ErrValidation, MinPriority, MaxPriority)
	}
	return nil
}

// ToAddress returns the destination address carried in the variables map,
// or empty when absent.
func (p Payload) ToAddress() string {
	return stringVariable(p.Variables, "email")
}

// Subject returns the subject carried in the variables map, falling back
// to a generic subject derived from the template code.
func (p Payload) Subject() string {
	if subject := stringVariable(p.Variables, "subject"); subject != "" {
		return subject
	}
	return fmt.Sprintf("Notification: %s", p.TemplateCode)
}

// CorrelationID returns the metadata correlation id, falling back to the
// request id.
func (p Payload) CorrelationID() string {
	if id := stringVariable(p.Metadata, "correlation_id"); id != "" {
		return id
	}
	return p.RequestID
}

func stringVariable(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	value, ok := m[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// Record is the persistent delivery log entry, one per request id. It is
// the source of truth for idempotency and retry accounting.
type Record struct {
	RequestID        string
	NotificationType Type
	UserID           string
	ToAddress        string
	TemplateCode     string
	Variables        map[string]any
	Priority         int
	Metadata         map[string]any
	Status           Status
	Attempts         int
	Error            string
	NextRetryAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewRecord builds the initial delivery record for a payload. The record
// starts in processing state because it is created on the first
// processing attempt, not at enqueue time.
func NewRecord(p Payload) *Record {
	return &Record{
		RequestID:        p.RequestID,
		NotificationType: p.NotificationType,
		UserID:           p.UserID,
		ToAddress:        p.ToAddress(),
		TemplateCode:     p.TemplateCode,
		Variables:        p.Variables,
		Priority:         p.Priority,
		Metadata:         p.Metadata,
		Status:           StatusProcessing,
	}
}

// PayloadFromRecord rebuilds the queue payload for a stored record, used
// when re-enqueueing scheduled retries. Priority and metadata are carried
// from the record so a retry keeps the original queue placement and
// correlation id.
func PayloadFromRecord(r Record) Payload {
	notificationType := r.NotificationType
	if !notificationType.IsValid() {
		notificationType = TypeEmail
	}

	priority := r.Priority
	if priority < MinPriority || priority > MaxPriority {
		priority = DefaultPriority
	}

	return Payload{
		NotificationType: notificationType,
		UserID:           r.UserID,
		TemplateCode:     r.TemplateCode,
		Variables:        r.Variables,
		RequestID:        r.RequestID,
		Priority:         priority,
		Metadata:         r.Metadata,
	}
}
