package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbox event types. Each one has exactly one payload struct below.
const (
	EventJobStarted         = "job.started"
	EventJobCompleted       = "job.completed"
	EventJobCrashed         = "job.crashed"
	EventJobRequeued        = "job.requeued"
	EventJobQuarantined     = "job.quarantined"
	EventJobQuarantineReset = "job.quarantine_reset"
)

// OutboxPayload is implemented by every outbox payload variant.
type OutboxPayload interface {
	EventType() string
}

// OutboxEvent is a milestone committed in the same transaction as the state
// transition it announces.
type OutboxEvent struct {
	EventID     string        `json:"event_id"`
	AggregateID string        `json:"aggregate_id"`
	EventType   string        `json:"event_type"`
	Payload     OutboxPayload `json:"payload"`
	DedupeKey   string        `json:"dedupe_key"`
	CreatedAt   time.Time     `json:"created_at"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
}

type JobStartedPayload struct {
	WorkerID string `json:"worker_id"`
	Epoch    uint64 `json:"epoch"`
}

func (JobStartedPayload) EventType() string { return EventJobStarted }

type JobCompletedPayload struct {
	WorkerID string `json:"worker_id"`
	Epoch    uint64 `json:"epoch"`
}

func (JobCompletedPayload) EventType() string { return EventJobCompleted }

type JobCrashedPayload struct {
	WorkerID  string    `json:"worker_id"`
	Epoch     uint64    `json:"epoch"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
	Orphaned  bool      `json:"orphaned,omitempty"`
}

func (JobCrashedPayload) EventType() string { return EventJobCrashed }

type JobRequeuedPayload struct {
	Epoch      uint64 `json:"epoch"`
	CrashCount int    `json:"crash_count"`
}

func (JobRequeuedPayload) EventType() string { return EventJobRequeued }

type JobQuarantinedPayload struct {
	Epoch      uint64 `json:"epoch"`
	CrashCount int    `json:"crash_count"`
	Reason     string `json:"reason"`
}

func (JobQuarantinedPayload) EventType() string { return EventJobQuarantined }

type JobQuarantineResetPayload struct {
	OperatorID         string `json:"operator_id"`
	PreviousCrashCount int    `json:"previous_crash_count"`
}

func (JobQuarantineResetPayload) EventType() string { return EventJobQuarantineReset }

// NewOutboxEvent builds an event for jobID whose type is taken from the payload.
// The dedupe key is "<job>:<type>:<discriminator>".
func NewOutboxEvent(eventID, jobID string, payload OutboxPayload, discriminator string, now time.Time) OutboxEvent {
	return OutboxEvent{
		EventID:     eventID,
		AggregateID: jobID,
		EventType:   payload.EventType(),
		Payload:     payload,
		DedupeKey:   fmt.Sprintf("%s:%s:%s", jobID, payload.EventType(), discriminator),
		CreatedAt:   now,
	}
}

// DecodeOutboxPayload restores the typed payload for a stored event.
func DecodeOutboxPayload(eventType string, raw []byte) (OutboxPayload, error) {
	var p OutboxPayload
	switch eventType {
	case EventJobStarted:
		var v JobStartedPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		p = v
	case EventJobCompleted:
		var v JobCompletedPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		p = v
	case EventJobCrashed:
		var v JobCrashedPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		p = v
	case EventJobRequeued:
		var v JobRequeuedPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		p = v
	case EventJobQuarantined:
		var v JobQuarantinedPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		p = v
	case EventJobQuarantineReset:
		var v JobQuarantineResetPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown outbox event type %q", eventType)
	}
	return p, nil
}
