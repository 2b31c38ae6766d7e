// Package events publishes engine events to NATS.
//
// Subjects have the form {prefix}.{type}.{conversation_id}. Publishing is
// fire-and-forget: a failed publish is logged and never fails the caller.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event types.
const (
	TurnCompleted  = "turn.completed"
	TurnFailed     = "turn.failed"
	PhaseAdvanced  = "phase.advanced"
	QualityReview  = "review.quality"
	SessionReview  = "review.session"
	PlanMaintained = "plan.maintained"
	JobFailed      = "job.failed"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "turnd"

// Event is one published record. Data never carries conversation text.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	TurnID         string         `json:"turn_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	At             time.Time      `json:"at"`
}

// New returns an event of type typ with a fresh id.
func New(typ, conversationID string, data map[string]any) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           typ,
		ConversationID: conversationID,
		Data:           data,
		At:             time.Now().UTC(),
	}
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, e Event)
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

func (Nop) Close() error { return nil }

// NATS publishes events as JSON messages.
type NATS struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *logging.Logger
}

// NewNATS wraps an existing connection. Close leaves nc open.
func NewNATS(nc *nats.Conn, prefix string, logger *logging.Logger) *NATS {
	if logger == nil {
		logger = logging.NewNop()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *logging.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("turnd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	p := NewNATS(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// Subject returns the subject e is published on.
func (p *NATS) Subject(e Event) string {
	id := e.ConversationID
	if id == "" || strings.ContainsAny(id, ". *>") {
		id = "_"
	}
	return fmt.Sprintf("%s.%s.%s", p.prefix, e.Type, id)
}

// Publish sends e. Failures are logged only.
func (p *NATS) Publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.TurnID == "" {
		e.TurnID = logging.TurnIDFromContext(ctx)
	}

	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn(ctx, "marshal event failed", zap.String("type", e.Type), zap.Error(err))
		return
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		p.logger.Warn(ctx, "publish event failed", zap.String("type", e.Type), zap.Error(err))
		return
	}
	p.logger.Debug(ctx, "event published", zap.String("type", e.Type), zap.String("event.id", e.ID))
}

// Close flushes pending messages and closes an owned connection.
func (p *NATS) Close() error {
	if err := p.nc.Flush(); err != nil && !p.nc.IsClosed() {
		p.logger.Warn(context.Background(), "flush events failed", zap.Error(err))
	}
	if p.owned {
		p.nc.Close()
	}
	return nil
}
