package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/turnd/internal/session"
)

// Memory is a thread-safe in-process engine.
type Memory struct {
	opts options

	mu       sync.RWMutex
	sessions map[string]*session.Session
	messages map[string][]StoredMessage
	nextMsg  int64
}

// NewMemory creates an empty in-memory engine.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		opts:     buildOptions(opts),
		sessions: make(map[string]*session.Session),
		messages: make(map[string][]StoredMessage),
	}
}

// Get returns a copy of the session.
func (m *Memory) Get(ctx context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return s.Clone(), nil
}

// Create stores a new phase-1 session without tasks.
func (m *Memory) Create(ctx context.Context, id, kind string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("session %s: %w", id, ErrAlreadyExists)
	}
	s := session.New(id, kind, m.opts.now())
	m.sessions[id] = s
	return s.Clone(), nil
}

// update runs fn on the live session under the write lock.
func (m *Memory) update(id string, fn func(s *session.Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	if err := fn(s); err != nil {
		return err
	}
	s.UpdatedAt = m.opts.now()
	return nil
}

func (m *Memory) SetTasks(ctx context.Context, id string, tasks []session.Task) error {
	return m.update(id, func(s *session.Session) error {
		s.Tasks = session.Clone(tasks)
		return nil
	})
}

func (m *Memory) SetCurrentTask(ctx context.Context, id, taskID string) error {
	return m.update(id, func(s *session.Session) error {
		s.CurrentTaskID = taskID
		return nil
	})
}

func (m *Memory) SetTaskStatus(ctx context.Context, id, taskID string, status session.Status) error {
	return m.update(id, func(s *session.Session) error {
		tasks, err := session.SetStatus(s.Tasks, taskID, status, m.opts.now())
		if err != nil {
			return err
		}
		s.Tasks = tasks
		return nil
	})
}

func (m *Memory) SetPhase(ctx context.Context, id string, phase session.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("invalid phase %d", phase)
	}
	return m.update(id, func(s *session.Session) error {
		s.Phase = phase
		return nil
	})
}

func (m *Memory) SetStatus(ctx context.Context, id string, status session.SessionStatus) error {
	return m.update(id, func(s *session.Session) error {
		s.Status = status
		return nil
	})
}

func (m *Memory) SetModule(ctx context.Context, id, moduleID, reason string) error {
	return m.update(id, func(s *session.Session) error {
		if s.CurrentModuleID == moduleID {
			return nil
		}
		s.PreviousModuleID = s.CurrentModuleID
		s.CurrentModuleID = moduleID
		s.ModuleChangeReason = reason
		return nil
	})
}

func (m *Memory) AppendSupervisionLog(ctx context.Context, id string, entry session.SupervisionEntry) error {
	return m.update(id, func(s *session.Session) error {
		s.SupervisionLog = append(s.SupervisionLog, entry)
		return nil
	})
}

func (m *Memory) AppendPhaseReviewLog(ctx context.Context, id string, entry session.PhaseReviewEntry) error {
	return m.update(id, func(s *session.Session) error {
		s.PhaseReviewLog = append(s.PhaseReviewLog, entry.Clone())
		return nil
	})
}

func (m *Memory) IncrementMessageCount(ctx context.Context, id string) (int, error) {
	var n int
	err := m.update(id, func(s *session.Session) error {
		s.MessageCount++
		n = s.MessageCount
		return nil
	})
	return n, err
}

func (m *Memory) IncrementPhaseUpdateCounter(ctx context.Context, id string) (int, error) {
	var n int
	err := m.update(id, func(s *session.Session) error {
		s.PhaseUpdateCounter++
		n = s.PhaseUpdateCounter
		return nil
	})
	return n, err
}

// AppendMessage stores msg and returns its id.
func (m *Memory) AppendMessage(ctx context.Context, conversationID string, msg session.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.opts.now()
	}
	m.nextMsg++
	m.messages[conversationID] = append(m.messages[conversationID], StoredMessage{
		ID:             m.nextMsg,
		ConversationID: conversationID,
		Message:        msg,
	})
	return m.nextMsg, nil
}

func (m *Memory) History(ctx context.Context, conversationID string, limit int) ([]session.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[conversationID]
	out := make([]session.Message, 0, len(all))
	for _, sm := range all {
		if !sm.Failed {
			out = append(out, sm.Message)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) MarkFailed(ctx context.Context, conversationID string, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Failed = true
			return nil
		}
	}
	return fmt.Errorf("message %d: %w", messageID, ErrNotFound)
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
