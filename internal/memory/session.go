package memory

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// StaleFunc decides whether a session with the given last activity
// should be superseded. The policy lives with the caller, not here.
type StaleFunc func(lastActivity time.Time) bool

// StaleAfter returns a StaleFunc that marks sessions stale once idle
// longer than d.
func StaleAfter(d time.Duration) StaleFunc {
	return func(lastActivity time.Time) bool {
		return time.Since(lastActivity) > d
	}
}

// SessionManager owns session lifecycle and message append on top of
// the Store.
type SessionManager struct {
	store *Store
	log   zerolog.Logger
}

func NewSessionManager(store *Store, log zerolog.Logger) *SessionManager {
	return &SessionManager{store: store, log: log}
}

// GetOrCreateSession returns the active session for the key, unless
// isStale judges it expired, in which case the old session is ended and
// a fresh one created. At most one session per key is ever active.
func (m *SessionManager) GetOrCreateSession(conversationKey string, isStale StaleFunc) (Session, error) {
	conversationKey = strings.TrimSpace(conversationKey)
	if conversationKey == "" {
		return Session{}, fmt.Errorf("%w: empty conversation key", ErrQuery)
	}

	var out Session
	err := m.store.Transaction(func(tx *Tx) error {
		existing, lastActivity, found, err := activeSession(tx, conversationKey)
		if err != nil {
			return err
		}
		if found && (isStale == nil || !isStale(lastActivity)) {
			out = existing
			return nil
		}

		now := formatTime(time.Now().UTC())
		if _, err := tx.Execute(`
			UPDATE sessions SET is_active = 0, ended_at = ?
			WHERE conversation_key = ? AND is_active = 1
		`, now, conversationKey); err != nil {
			return err
		}

		id, err := tx.InsertReturningID(`
			INSERT INTO sessions (conversation_key, started_at, is_active)
			VALUES (?, ?, 1)
		`, conversationKey, now)
		if err != nil {
			return err
		}
		out = Session{
			ID:              id,
			ConversationKey: conversationKey,
			StartedAt:       parseTime(now),
			IsActive:        true,
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

// MarkSessionStale ends the session, leaving its messages in place.
func (m *SessionManager) MarkSessionStale(id int64) error {
	affected, err := m.store.Execute(`
		UPDATE sessions SET is_active = 0, ended_at = ? WHERE id = ? AND is_active = 1
	`, formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: active session %d", ErrNotFound, id)
	}
	return nil
}

// GetSession loads one session by ID.
func (m *SessionManager) GetSession(id int64) (Session, error) {
	var out Session
	found := false
	err := m.store.Query(sessionSelect+` WHERE id = ?`, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}
		var err error
		out, err = scanSession(rows)
		found = err == nil
		return err
	}, id)
	if err != nil {
		return Session{}, err
	}
	if !found {
		return Session{}, fmt.Errorf("%w: id %d", ErrNoSession, id)
	}
	return out, nil
}

// AddMessage appends one turn and bumps the session message count in
// the same transaction. A message can never reference a missing
// session.
func (m *SessionManager) AddMessage(sessionID int64, role, content string) (Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return Message{}, fmt.Errorf("%w: invalid role %q", ErrQuery, role)
	}

	var out Message
	err := m.store.Transaction(func(tx *Tx) error {
		var exists int
		if err := tx.Query(`SELECT COUNT(1) FROM sessions WHERE id = ?`, func(rows *sql.Rows) error {
			if !rows.Next() {
				return fmt.Errorf("%w: empty count", ErrQuery)
			}
			return rows.Scan(&exists)
		}, sessionID); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: id %d", ErrNoSession, sessionID)
		}

		now := formatTime(time.Now().UTC())
		tokens := EstimateTokens(content)
		id, err := tx.InsertReturningID(`
			INSERT INTO messages (session_id, role, content, timestamp, token_count)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, role, content, now, tokens)
		if err != nil {
			return err
		}
		if _, err := tx.Execute(`
			UPDATE sessions SET message_count = message_count + 1 WHERE id = ?
		`, sessionID); err != nil {
			return err
		}
		out = Message{
			ID:         id,
			SessionID:  sessionID,
			Role:       role,
			Content:    content,
			Timestamp:  parseTime(now),
			TokenCount: tokens,
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return out, nil
}

// GetMessages returns the session's messages in chronological order.
func (m *SessionManager) GetMessages(sessionID int64) ([]Message, error) {
	var msgs []Message
	err := m.store.Query(`
		SELECT id, session_id, role, content, timestamp, token_count
		FROM messages WHERE session_id = ? ORDER BY id ASC
	`, func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				msg    Message
				ts     string
				tokens sql.NullInt64
			)
			if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &ts, &tokens); err != nil {
				return fmt.Errorf("%w: scan message: %w", ErrQuery, err)
			}
			msg.Timestamp = parseTime(ts)
			if tokens.Valid {
				msg.TokenCount = int(tokens.Int64)
			}
			msgs = append(msgs, msg)
		}
		return nil
	}, sessionID)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// ApplySummarization prunes the summarized messages and records the new
// rolling summary in one transaction, so a crash can never separate the
// two.
func (m *SessionManager) ApplySummarization(sessionID int64, summary string, prunedIDs []int64) error {
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("%w: empty summary", ErrQuery)
	}
	return m.store.Transaction(func(tx *Tx) error {
		pruned := int64(0)
		if len(prunedIDs) > 0 {
			args := make([]any, 0, len(prunedIDs)+1)
			for _, id := range prunedIDs {
				args = append(args, id)
			}
			args = append(args, sessionID)
			var err error
			pruned, err = tx.Execute(`
				DELETE FROM messages WHERE id IN (`+placeholders(len(prunedIDs))+`) AND session_id = ?
			`, args...)
			if err != nil {
				return err
			}
		}
		affected, err := tx.Execute(`
			UPDATE sessions SET rolling_summary = ?, message_count = message_count - ?
			WHERE id = ?
		`, summary, pruned, sessionID)
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: id %d", ErrNoSession, sessionID)
		}
		return nil
	})
}

// SweepStale ends every active session the policy judges expired and
// returns how many were ended.
func (m *SessionManager) SweepStale(isStale StaleFunc) (int, error) {
	if isStale == nil {
		return 0, nil
	}

	type candidate struct {
		id           int64
		lastActivity time.Time
	}
	var candidates []candidate
	err := m.store.Query(`
		SELECT s.id, s.started_at, MAX(m.timestamp)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		WHERE s.is_active = 1
		GROUP BY s.id
	`, func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				c       candidate
				started string
				lastMsg sql.NullString
			)
			if err := rows.Scan(&c.id, &started, &lastMsg); err != nil {
				return fmt.Errorf("%w: scan stale candidate: %w", ErrQuery, err)
			}
			c.lastActivity = parseTime(started)
			if lastMsg.Valid {
				if t := parseTime(lastMsg.String); t.After(c.lastActivity) {
					c.lastActivity = t
				}
			}
			candidates = append(candidates, c)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, c := range candidates {
		if !isStale(c.lastActivity) {
			continue
		}
		if err := m.MarkSessionStale(c.id); err != nil {
			m.log.Warn().Err(err).Int64("session_id", c.id).Msg("stale sweep failed")
			continue
		}
		ended++
	}
	return ended, nil
}

const sessionSelect = `
	SELECT id, conversation_key, started_at, ended_at, rolling_summary, message_count, is_active
	FROM sessions`

func scanSession(rows *sql.Rows) (Session, error) {
	var (
		s       Session
		started string
		ended   sql.NullString
		summary sql.NullString
		active  int
	)
	if err := rows.Scan(&s.ID, &s.ConversationKey, &started, &ended, &summary, &s.MessageCount, &active); err != nil {
		return Session{}, fmt.Errorf("%w: scan session: %w", ErrQuery, err)
	}
	s.StartedAt = parseTime(started)
	if ended.Valid {
		t := parseTime(ended.String)
		s.EndedAt = &t
	}
	if summary.Valid {
		s.RollingSummary = summary.String
	}
	s.IsActive = active == 1
	return s, nil
}

// activeSession loads the active session for a key inside a
// transaction, along with its last-activity timestamp.
func activeSession(tx *Tx, conversationKey string) (Session, time.Time, bool, error) {
	var (
		out   Session
		found bool
	)
	if err := tx.Query(sessionSelect+`
		WHERE conversation_key = ? AND is_active = 1
		ORDER BY id DESC LIMIT 1
	`, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}
		var err error
		out, err = scanSession(rows)
		found = err == nil
		return err
	}, conversationKey); err != nil {
		return Session{}, time.Time{}, false, err
	}
	if !found {
		return Session{}, time.Time{}, false, nil
	}

	lastActivity := out.StartedAt
	if err := tx.Query(`
		SELECT MAX(timestamp) FROM messages WHERE session_id = ?
	`, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}
		var ts sql.NullString
		if err := rows.Scan(&ts); err != nil {
			return fmt.Errorf("%w: scan last activity: %w", ErrQuery, err)
		}
		if ts.Valid {
			if t := parseTime(ts.String); t.After(lastActivity) {
				lastActivity = t
			}
		}
		return nil
	}, out.ID); err != nil {
		return Session{}, time.Time{}, false, err
	}
	return out, lastActivity, true, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
