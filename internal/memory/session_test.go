package memory

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestSessionManager(t *testing.T) (*SessionManager, *Store) {
	t.Helper()
	store := openTestStore(t)
	return NewSessionManager(store, zerolog.Nop()), store
}

func neverStale(time.Time) bool  { return false }
func alwaysStale(time.Time) bool { return true }

func TestGetOrCreateSession(t *testing.T) {
	m, _ := newTestSessionManager(t)

	first, err := m.GetOrCreateSession("tg:123", neverStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}
	if !first.IsActive || first.ConversationKey != "tg:123" {
		t.Fatalf("unexpected session %+v", first)
	}

	// While fresh, the same session comes back.
	again, err := m.GetOrCreateSession("tg:123", neverStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession again error: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected session %d reused, got %d", first.ID, again.ID)
	}
}

func TestGetOrCreateSessionSupersedesStale(t *testing.T) {
	m, store := newTestSessionManager(t)

	first, err := m.GetOrCreateSession("tg:123", neverStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}

	fresh, err := m.GetOrCreateSession("tg:123", alwaysStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession stale error: %v", err)
	}
	if fresh.ID == first.ID {
		t.Fatal("expected a new session to supersede the stale one")
	}

	old, err := m.GetSession(first.ID)
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if old.IsActive || old.EndedAt == nil {
		t.Fatalf("expected superseded session to be ended, got %+v", old)
	}

	// At most one active session per key, ever.
	var active int
	if err := store.Query(`SELECT COUNT(1) FROM sessions WHERE conversation_key = 'tg:123' AND is_active = 1`, func(r *sql.Rows) error {
		if !r.Next() {
			t.Fatal("no count row")
		}
		return r.Scan(&active)
	}); err != nil {
		t.Fatalf("count active: %v", err)
	}
	if active != 1 {
		t.Fatalf("expected exactly one active session, got %d", active)
	}
}

func TestGetOrCreateSessionKeysAreIndependent(t *testing.T) {
	m, _ := newTestSessionManager(t)

	a, err := m.GetOrCreateSession("tg:1", neverStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}
	b, err := m.GetOrCreateSession("tg:2", neverStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("different keys must get different sessions")
	}
}

func TestGetOrCreateSessionEmptyKey(t *testing.T) {
	m, _ := newTestSessionManager(t)

	if _, err := m.GetOrCreateSession("  ", neverStale); err == nil {
		t.Fatal("expected error for empty conversation key")
	}
}

func TestAddMessage(t *testing.T) {
	m, _ := newTestSessionManager(t)

	sess, err := m.GetOrCreateSession("tg:1", neverStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}

	msg, err := m.AddMessage(sess.ID, RoleUser, "hello there")
	if err != nil {
		t.Fatalf("AddMessage error: %v", err)
	}
	if msg.TokenCount != EstimateTokens("hello there") {
		t.Fatalf("expected token count %d, got %d", EstimateTokens("hello there"), msg.TokenCount)
	}

	if _, err := m.AddMessage(sess.ID, RoleAssistant, "hi!"); err != nil {
		t.Fatalf("AddMessage error: %v", err)
	}

	got, err := m.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if got.MessageCount != 2 {
		t.Fatalf("expected message count 2, got %d", got.MessageCount)
	}

	msgs, err := m.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("GetMessages error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestAddMessageInvalidRole(t *testing.T) {
	m, _ := newTestSessionManager(t)

	sess, err := m.GetOrCreateSession("tg:1", neverStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}
	if _, err := m.AddMessage(sess.ID, "system", "nope"); err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestAddMessageMissingSession(t *testing.T) {
	m, _ := newTestSessionManager(t)

	if _, err := m.AddMessage(404, RoleUser, "hello"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestMarkSessionStale(t *testing.T) {
	m, _ := newTestSessionManager(t)

	sess, err := m.GetOrCreateSession("tg:1", neverStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}
	if _, err := m.AddMessage(sess.ID, RoleUser, "kept"); err != nil {
		t.Fatalf("AddMessage error: %v", err)
	}

	if err := m.MarkSessionStale(sess.ID); err != nil {
		t.Fatalf("MarkSessionStale error: %v", err)
	}

	got, err := m.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if got.IsActive || got.EndedAt == nil {
		t.Fatalf("expected ended session, got %+v", got)
	}

	// Messages survive the end of their session.
	msgs, err := m.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("GetMessages error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected messages to survive, got %d", len(msgs))
	}

	if err := m.MarkSessionStale(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second mark, got %v", err)
	}
}

func TestApplySummarization(t *testing.T) {
	m, _ := newTestSessionManager(t)

	sess, err := m.GetOrCreateSession("tg:1", neverStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}

	var ids []int64
	for i := 0; i < 5; i++ {
		msg, err := m.AddMessage(sess.ID, RoleUser, "turn")
		if err != nil {
			t.Fatalf("AddMessage error: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	if err := m.ApplySummarization(sess.ID, "they talked about turns", ids[:3]); err != nil {
		t.Fatalf("ApplySummarization error: %v", err)
	}

	got, err := m.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if got.RollingSummary != "they talked about turns" {
		t.Fatalf("unexpected summary %q", got.RollingSummary)
	}
	if got.MessageCount != 2 {
		t.Fatalf("expected message count 2 after pruning, got %d", got.MessageCount)
	}

	msgs, err := m.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("GetMessages error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 surviving messages, got %d", len(msgs))
	}
	if msgs[0].ID != ids[3] || msgs[1].ID != ids[4] {
		t.Fatal("expected the newest messages to survive")
	}
}

func TestApplySummarizationRejectsEmptySummary(t *testing.T) {
	m, _ := newTestSessionManager(t)

	sess, err := m.GetOrCreateSession("tg:1", neverStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}
	if err := m.ApplySummarization(sess.ID, "  ", nil); err == nil {
		t.Fatal("expected error for empty summary")
	}
}

func TestApplySummarizationMissingSession(t *testing.T) {
	m, _ := newTestSessionManager(t)

	if err := m.ApplySummarization(404, "summary", nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestApplySummarizationScopedToSession(t *testing.T) {
	m, _ := newTestSessionManager(t)

	a, err := m.GetOrCreateSession("tg:1", neverStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}
	b, err := m.GetOrCreateSession("tg:2", neverStale)
	if err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}

	other, err := m.AddMessage(b.ID, RoleUser, "belongs elsewhere")
	if err != nil {
		t.Fatalf("AddMessage error: %v", err)
	}

	// Pruning session A with session B's message ID must not touch it.
	if err := m.ApplySummarization(a.ID, "nothing happened", []int64{other.ID}); err != nil {
		t.Fatalf("ApplySummarization error: %v", err)
	}

	msgs, err := m.GetMessages(b.ID)
	if err != nil {
		t.Fatalf("GetMessages error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatal("a summarization must never prune another session's messages")
	}
}

func TestSweepStale(t *testing.T) {
	m, _ := newTestSessionManager(t)

	if _, err := m.GetOrCreateSession("tg:1", neverStale); err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}
	if _, err := m.GetOrCreateSession("tg:2", neverStale); err != nil {
		t.Fatalf("GetOrCreateSession error: %v", err)
	}

	ended, err := m.SweepStale(neverStale)
	if err != nil {
		t.Fatalf("SweepStale error: %v", err)
	}
	if ended != 0 {
		t.Fatalf("expected no sessions ended, got %d", ended)
	}

	ended, err = m.SweepStale(alwaysStale)
	if err != nil {
		t.Fatalf("SweepStale error: %v", err)
	}
	if ended != 2 {
		t.Fatalf("expected 2 sessions ended, got %d", ended)
	}
}

func TestStaleAfter(t *testing.T) {
	isStale := StaleAfter(30 * time.Minute)

	if isStale(time.Now().Add(-time.Minute)) {
		t.Fatal("a minute old must not be stale")
	}
	if !isStale(time.Now().Add(-time.Hour)) {
		t.Fatal("an hour old must be stale")
	}
}
