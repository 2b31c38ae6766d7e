// Package store persists sessions and conversation history.
//
// Two engines implement the same contracts: Memory for tests and single
// process deployments, SQLite for durable storage. Log appends are true
// appends in both engines; an entry is never rewritten once stored.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/config"
	"github.com/fyrsmithlabs/turnd/internal/session"
)

var (
	// ErrNotFound is returned when a session or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Create for a known id.
	ErrAlreadyExists = errors.New("already exists")
)

// Repository is the source of truth for session state.
type Repository interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Create(ctx context.Context, id, kind string) (*session.Session, error)

	SetTasks(ctx context.Context, id string, tasks []session.Task) error
	SetCurrentTask(ctx context.Context, id, taskID string) error
	SetTaskStatus(ctx context.Context, id, taskID string, status session.Status) error
	SetPhase(ctx context.Context, id string, phase session.Phase) error
	SetStatus(ctx context.Context, id string, status session.SessionStatus) error

	// SetModule makes moduleID current. When it differs from the current
	// module, the old one becomes the previous module and reason is stored.
	SetModule(ctx context.Context, id, moduleID, reason string) error

	AppendSupervisionLog(ctx context.Context, id string, entry session.SupervisionEntry) error
	AppendPhaseReviewLog(ctx context.Context, id string, entry session.PhaseReviewEntry) error

	IncrementMessageCount(ctx context.Context, id string) (int, error)
	IncrementPhaseUpdateCounter(ctx context.Context, id string) (int, error)

	Close() error
}

// StoredMessage is a history message with its storage id.
type StoredMessage struct {
	ID             int64
	ConversationID string
	Failed         bool
	session.Message
}

// HistoryStore keeps the raw conversation transcript.
type HistoryStore interface {
	AppendMessage(ctx context.Context, conversationID string, msg session.Message) (int64, error)

	// History returns the last limit non-failed messages, oldest first.
	// A limit <= 0 returns everything.
	History(ctx context.Context, conversationID string, limit int) ([]session.Message, error)

	// MarkFailed hides a message from History, used when its turn aborted.
	MarkFailed(ctx context.Context, conversationID string, messageID int64) error
}

// Store is an engine implementing both contracts.
type Store interface {
	Repository
	HistoryStore
}

// Option configures an engine.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open builds the engine named by cfg.Driver.
func Open(cfg config.StoreConfig, opts ...Option) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(opts...), nil
	case "sqlite":
		return NewSQLite(cfg.Path, opts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func notFound(id string) error {
	return fmt.Errorf("session %s: %w", id, ErrNotFound)
}
