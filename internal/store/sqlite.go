package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/session"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is a durable engine backed by a single database file.
type SQLite struct {
	db     *sql.DB
	dbPath string
	opts   options
}

// NewSQLite opens (or creates) the database at dbPath. ":memory:" gives a
// private in-memory database.
func NewSQLite(dbPath string, opts ...Option) (*SQLite, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite store requires a path")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := execWithRetry(db, schemaSQL, 5, 10*time.Millisecond); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLite{db: db, dbPath: dbPath, opts: buildOptions(opts)}, nil
}

// execWithRetry retries statements that hit "database is locked".
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// Get loads the session with its tasks and logs.
func (s *SQLite) Get(ctx context.Context, id string) (*session.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sess, err := s.loadSession(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if sess.Tasks, err = loadTasks(ctx, tx, id); err != nil {
		return nil, err
	}
	if sess.SupervisionLog, err = loadSupervision(ctx, tx, id); err != nil {
		return nil, err
	}
	if sess.PhaseReviewLog, err = loadPhaseReviews(ctx, tx, id); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLite) loadSession(ctx context.Context, tx *sql.Tx, id string) (*session.Session, error) {
	var (
		sess             session.Session
		status           string
		created, updated int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, kind, status, phase, current_task_id, current_module_id,
		       previous_module_id, module_change_reason, message_count,
		       phase_update_counter, created_at, updated_at
		FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.Kind, &status, &sess.Phase, &sess.CurrentTaskID,
		&sess.CurrentModuleID, &sess.PreviousModuleID, &sess.ModuleChangeReason,
		&sess.MessageCount, &sess.PhaseUpdateCounter, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	sess.Status = session.SessionStatus(status)
	sess.CreatedAt = fromNanos(created)
	sess.UpdatedAt = fromNanos(updated)
	return &sess, nil
}

func loadTasks(ctx context.Context, tx *sql.Tx, id string) ([]session.Task, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, part, module_id, priority, title, description, target,
		       completion_criteria, restrictions, guide, status,
		       sufficient_at, completed_at
		FROM tasks WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	tasks := []session.Task{}
	for rows.Next() {
		var (
			t                 session.Task
			priority, status  string
			sufficient, compl sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.Part, &t.ModuleID, &priority, &t.Title,
			&t.Description, &t.Target, &t.CompletionCriteria, &t.Restrictions,
			&t.Guide, &status, &sufficient, &compl); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Priority = session.Priority(priority)
		t.Status = session.Status(status)
		t.SufficientAt = fromNullNanos(sufficient)
		t.CompletedAt = fromNullNanos(compl)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func loadSupervision(ctx context.Context, tx *sql.Tx, id string) ([]session.SupervisionEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT message_index, score, feedback, improvements, strengths,
		       needs_improvement, created_at
		FROM supervision_log WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load supervision log: %w", err)
	}
	defer rows.Close()

	var out []session.SupervisionEntry
	for rows.Next() {
		var (
			e       session.SupervisionEntry
			created int64
		)
		if err := rows.Scan(&e.MessageIndex, &e.Score, &e.Feedback, &e.Improvements,
			&e.Strengths, &e.NeedsImprovement, &created); err != nil {
			return nil, fmt.Errorf("scan supervision entry: %w", err)
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func loadPhaseReviews(ctx context.Context, tx *sql.Tx, id string) ([]session.PhaseReviewEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT message_index, from_phase, to_phase, scores, completion_score,
		       missing_goals, recommendation, note, created_at
		FROM phase_review_log WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load phase review log: %w", err)
	}
	defer rows.Close()

	var out []session.PhaseReviewEntry
	for rows.Next() {
		var (
			e               session.PhaseReviewEntry
			scores, missing string
			rec             string
			created         int64
		)
		if err := rows.Scan(&e.MessageIndex, &e.FromPhase, &e.ToPhase, &scores,
			&e.CompletionScore, &missing, &rec, &e.Note, &created); err != nil {
			return nil, fmt.Errorf("scan phase review entry: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &e.Scores); err != nil {
			return nil, fmt.Errorf("decode scores: %w", err)
		}
		if err := json.Unmarshal([]byte(missing), &e.MissingGoals); err != nil {
			return nil, fmt.Errorf("decode missing goals: %w", err)
		}
		if len(e.Scores) == 0 {
			e.Scores = nil
		}
		if len(e.MissingGoals) == 0 {
			e.MissingGoals = nil
		}
		e.Recommendation = session.Recommendation(rec)
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Create inserts a new phase-1 session without tasks.
func (s *SQLite) Create(ctx context.Context, id, kind string) (*session.Session, error) {
	sess := session.New(id, kind, s.opts.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, kind, status, phase, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Kind, string(sess.Status), int(sess.Phase),
		nanos(sess.CreatedAt), nanos(sess.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("session %s: %w", id, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	return sess, nil
}

// withTx runs fn in a transaction and bumps updated_at. A missing session
// reports ErrNotFound.
func (s *SQLite) withTx(ctx context.Context, id string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, nanos(s.opts.now()), id)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) exec(ctx context.Context, id, query string, args ...any) error {
	return s.withTx(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *SQLite) SetTasks(ctx context.Context, id string, tasks []session.Task) error {
	return s.withTx(ctx, id, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("clear tasks: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tasks (session_id, position, id, part, module_id, priority,
			                   title, description, target, completion_criteria,
			                   restrictions, guide, status, sufficient_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare task insert: %w", err)
		}
		defer stmt.Close()
		for i, t := range tasks {
			if _, err := stmt.ExecContext(ctx, id, i, t.ID, int(t.Part), t.ModuleID,
				string(t.Priority), t.Title, t.Description, t.Target,
				t.CompletionCriteria, t.Restrictions, t.Guide, string(t.Status),
				nullNanos(t.SufficientAt), nullNanos(t.CompletedAt)); err != nil {
				return fmt.Errorf("insert task %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLite) SetCurrentTask(ctx context.Context, id, taskID string) error {
	return s.exec(ctx, id, `UPDATE sessions SET current_task_id = ? WHERE id = ?`, taskID, id)
}

func (s *SQLite) SetTaskStatus(ctx context.Context, id, taskID string, status session.Status) error {
	return s.withTx(ctx, id, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE session_id = ? AND id = ?`, id, taskID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", session.ErrTaskNotFound, taskID)
		}
		if err != nil {
			return fmt.Errorf("load task %s: %w", taskID, err)
		}
		if err := session.CheckTransition(session.Status(current), status); err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}

		now := nanos(s.opts.now())
		var sufficientAt, completedAt sql.NullInt64
		switch status {
		case session.StatusSufficient:
			sufficientAt = sql.NullInt64{Int64: now, Valid: true}
		case session.StatusCompleted:
			completedAt = sql.NullInt64{Int64: now, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?,
			       sufficient_at = COALESCE(sufficient_at, ?),
			       completed_at = COALESCE(completed_at, ?)
			WHERE session_id = ? AND id = ?`,
			string(status), sufficientAt, completedAt, id, taskID)
		return err
	})
}

func (s *SQLite) SetPhase(ctx context.Context, id string, phase session.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("invalid phase %d", phase)
	}
	return s.exec(ctx, id, `UPDATE sessions SET phase = ? WHERE id = ?`, int(phase), id)
}

func (s *SQLite) SetStatus(ctx context.Context, id string, status session.SessionStatus) error {
	return s.exec(ctx, id, `UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
}

func (s *SQLite) SetModule(ctx context.Context, id, moduleID, reason string) error {
	return s.exec(ctx, id, `
		UPDATE sessions
		SET previous_module_id = current_module_id,
		    current_module_id = ?,
		    module_change_reason = ?
		WHERE id = ? AND current_module_id <> ?`, moduleID, reason, id, moduleID)
}

func (s *SQLite) AppendSupervisionLog(ctx context.Context, id string, e session.SupervisionEntry) error {
	return s.exec(ctx, id, `
		INSERT INTO supervision_log (session_id, message_index, score, feedback,
		                             improvements, strengths, needs_improvement, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.MessageIndex, e.Score, e.Feedback, e.Improvements, e.Strengths,
		e.NeedsImprovement, nanos(e.CreatedAt))
}

func (s *SQLite) AppendPhaseReviewLog(ctx context.Context, id string, e session.PhaseReviewEntry) error {
	scores, err := json.Marshal(orEmptyMap(e.Scores))
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	missing, err := json.Marshal(orEmptySlice(e.MissingGoals))
	if err != nil {
		return fmt.Errorf("encode missing goals: %w", err)
	}
	return s.exec(ctx, id, `
		INSERT INTO phase_review_log (session_id, message_index, from_phase, to_phase,
		                              scores, completion_score, missing_goals,
		                              recommendation, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.MessageIndex, int(e.FromPhase), int(e.ToPhase), string(scores),
		e.CompletionScore, string(missing), string(e.Recommendation), e.Note,
		nanos(e.CreatedAt))
}

func orEmptyMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *SQLite) increment(ctx context.Context, id, column string) (int, error) {
	var n int
	err := s.withTx(ctx, id, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET `+column+` = `+column+` + 1 WHERE id = ?`, id); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT `+column+` FROM sessions WHERE id = ?`, id).Scan(&n)
	})
	return n, err
}

func (s *SQLite) IncrementMessageCount(ctx context.Context, id string) (int, error) {
	return s.increment(ctx, id, "message_count")
}

func (s *SQLite) IncrementPhaseUpdateCounter(ctx context.Context, id string) (int, error) {
	return s.increment(ctx, id, "phase_update_counter")
}

// AppendMessage stores msg and returns its row id.
func (s *SQLite) AppendMessage(ctx context.Context, conversationID string, msg session.Message) (int64, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.opts.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`,
		conversationID, string(msg.Role), msg.Content, nanos(msg.Timestamp))
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLite) History(ctx context.Context, conversationID string, limit int) ([]session.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM messages
			WHERE conversation_id = ? AND failed = 0
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	out := []session.Message{}
	for rows.Next() {
		var (
			m       session.Message
			role    string
			created int64
		)
		if err := rows.Scan(&role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = session.Role(role)
		m.Timestamp = fromNanos(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkFailed(ctx context.Context, conversationID string, messageID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET failed = 1 WHERE conversation_id = ? AND id = ?`, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	return nil
}
