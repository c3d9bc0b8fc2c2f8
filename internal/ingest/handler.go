// Package ingest applies dose commands reported by devices and companion
// apps. Commands arrive at least once; the idempotency inbox makes each one
// take effect once.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosewatch/internal/ledger"
	"github.com/drfirst/go-dosewatch/pkg/idempotency"
)

// Actions a command can carry
const (
	ActionTaken   = "taken"
	ActionSkipped = "skipped"
)

const handlerName = "dose-command"

// ErrMalformedCommand is returned for commands that cannot be applied as sent
var ErrMalformedCommand = errors.New("malformed dose command")

// Command reports what the patient did with one scheduled dose
type Command struct {
	// CommandID, when set, is the idempotency key
	CommandID      string     `json:"command_id,omitempty"`
	Source         string     `json:"source"`
	PrescriptionID string     `json:"prescription_id"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	Action         string     `json:"action"`
	ActualAt       *time.Time `json:"actual_at,omitempty"`
	ActualDosage   *float64   `json:"actual_dosage,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// Validate checks the fields every command needs
func (c *Command) Validate() error {
	switch {
	case c.PrescriptionID == "":
		return fmt.Errorf("%w: prescription_id is required", ErrMalformedCommand)
	case c.ScheduledAt.IsZero():
		return fmt.Errorf("%w: scheduled_at is required", ErrMalformedCommand)
	case c.Action != ActionTaken && c.Action != ActionSkipped:
		return fmt.Errorf("%w: unknown action %q", ErrMalformedCommand, c.Action)
	case c.ActualDosage != nil && *c.ActualDosage < 0:
		return fmt.Errorf("%w: actual_dosage must not be negative", ErrMalformedCommand)
	}
	return nil
}

// IdempotencyKey returns CommandID, or a key derived from the dose and action
func (c *Command) IdempotencyKey() string {
	if c.CommandID != "" {
		return c.CommandID
	}
	return idempotency.Key(c.Source, c.PrescriptionID, c.ScheduledAt.UTC().Format(time.RFC3339), c.Action)
}

// Recorder writes dispositions to the dose log
type Recorder interface {
	RecordTaken(ctx context.Context, prescriptionID string, scheduledAt, actualAt time.Time, opts ...ledger.TakenOption) (*medication.DoseLogEntry, error)
	RecordSkipped(ctx context.Context, prescriptionID string, scheduledAt time.Time, reason string) (*medication.DoseLogEntry, error)
}

// Rejection is published to the dead letter topic for commands that will
// never succeed
type Rejection struct {
	Topic      string          `json:"topic"`
	Partition  int32           `json:"partition"`
	Offset     int64           `json:"offset"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	RejectedAt time.Time       `json:"rejected_at"`
}

// Handler consumes dose commands
type Handler struct {
	recorder   Recorder
	inbox      *idempotency.Inbox
	deadLetter redpanda.Publisher
	dlqTopic   string
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewHandler creates a command handler. deadLetter may be nil, in which case
// rejected commands are only logged.
func NewHandler(r Recorder, inbox *idempotency.Inbox, deadLetter redpanda.Publisher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		recorder:   r,
		inbox:      inbox,
		deadLetter: deadLetter,
		dlqTopic:   redpanda.TopicDeadLetter,
		logger:     logger,
		tracer:     otel.Tracer("dose-ingest"),
	}
}

// IsTerminal reports errors that no redelivery can fix. Use it as the
// inbox's IsTerminal.
func IsTerminal(err error) bool {
	return medication.IsValidation(err) || errors.Is(err, ErrMalformedCommand)
}

// Handle implements redpanda.MessageHandler. It returns an error only when
// the command should be redelivered.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ctx, span := h.tracer.Start(ctx, "handle_dose_command")
	defer span.End()

	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return h.reject(ctx, msg, fmt.Errorf("%w: %v", ErrMalformedCommand, err))
	}
	if err := cmd.Validate(); err != nil {
		return h.reject(ctx, msg, err)
	}
	span.SetAttributes(
		attribute.String("prescription_id", cmd.PrescriptionID),
		attribute.String("action", cmd.Action),
	)

	key := cmd.IdempotencyKey()
	res, err := h.inbox.Process(ctx, key, handlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		entry, err := h.Apply(ctx, &cmd)
		if err != nil {
			return nil, err
		}
		return json.Marshal(entry)
	})

	switch {
	case err == nil:
		if res.Replayed {
			h.logger.Info("duplicate dose command ignored",
				zap.String("prescription_id", cmd.PrescriptionID),
				zap.String("idempotency_key", key))
		}
		return nil
	case errors.Is(err, idempotency.ErrClaimed):
		return nil
	case errors.Is(err, idempotency.ErrFailed):
		h.logger.Info("dose command failed before, ignoring redelivery",
			zap.String("idempotency_key", key))
		return nil
	case IsTerminal(err):
		return h.reject(ctx, msg, err)
	default:
		span.RecordError(err)
		return fmt.Errorf("apply dose command: %w", err)
	}
}

// Apply records the command on the ledger
func (h *Handler) Apply(ctx context.Context, cmd *Command) (*medication.DoseLogEntry, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	switch cmd.Action {
	case ActionTaken:
		var opts []ledger.TakenOption
		if cmd.ActualDosage != nil {
			opts = append(opts, ledger.WithActualDosage(*cmd.ActualDosage))
		}
		if cmd.Notes != "" {
			opts = append(opts, ledger.WithNotes(cmd.Notes))
		}
		var actualAt time.Time
		if cmd.ActualAt != nil {
			actualAt = *cmd.ActualAt
		}
		return h.recorder.RecordTaken(ctx, cmd.PrescriptionID, cmd.ScheduledAt, actualAt, opts...)
	default:
		return h.recorder.RecordSkipped(ctx, cmd.PrescriptionID, cmd.ScheduledAt, cmd.Reason)
	}
}

func (h *Handler) reject(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	h.logger.Warn("dose command rejected",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.String("reason", medication.UserMessage(cause)),
		zap.Error(cause))
	if h.deadLetter == nil {
		return nil
	}

	payload := json.RawMessage(msg.Value)
	if !json.Valid(msg.Value) {
		b, _ := json.Marshal(string(msg.Value))
		payload = b
	}
	body, err := json.Marshal(Rejection{
		Topic:      msg.Topic,
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		Payload:    payload,
		Error:      cause.Error(),
		RejectedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal rejection: %w", err)
	}
	if err := h.deadLetter.Publish(ctx, h.dlqTopic, string(msg.Key), body); err != nil {
		return fmt.Errorf("publish rejection: %w", err)
	}
	return nil
}
