package notification

import (
	"time"

	"github.com/rehabmotion/platform/internal/shared/types"
)

// Channel is the delivery channel of a notification
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Priority represents notification priority
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status represents notification delivery status
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusRead    Status = "read"
	StatusFailed  Status = "failed"
)

// Notification is a message to a clinician
type Notification struct {
	ID       types.ID `json:"id"`
	Channel  Channel  `json:"channel"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	RecipientID types.ID `json:"recipientId"`

	Subject string         `json:"subject"`
	Body    string         `json:"body"`
	Data    map[string]any `json:"data,omitempty"`

	// EvaluationID links alert notifications to the evaluation under review
	EvaluationID types.ID `json:"evaluationId,omitempty"`
	Reminder     bool     `json:"reminder"`

	SentAt *time.Time `json:"sentAt,omitempty"`
	ReadAt *time.Time `json:"readAt,omitempty"`

	RetryCount   int        `json:"retryCount"`
	LastRetryAt  *time.Time `json:"lastRetryAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Stats summarizes delivery outcomes since start
type Stats struct {
	TotalQueued  int64              `json:"totalQueued"`
	TotalSent    int64              `json:"totalSent"`
	TotalFailed  int64              `json:"totalFailed"`
	TotalRead    int64              `json:"totalRead"`
	ByPriority   map[Priority]int64 `json:"byPriority"`
	DeliveryRate float64            `json:"deliveryRate"`
}
