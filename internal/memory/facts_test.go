package memory

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestFactStore(t *testing.T) *FactStore {
	t.Helper()
	return NewFactStore(openTestStore(t), zerolog.Nop())
}

func TestInsertAndGetByID(t *testing.T) {
	facts := newTestFactStore(t)

	id, err := facts.Insert(Fact{
		Content:    "User lives in Lisbon",
		Category:   CategoryBiographical,
		Source:     SourceExplicit,
		Confidence: 0.9,
		Importance: 0.7,
	})
	if err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	got, err := facts.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if got.Content != "User lives in Lisbon" {
		t.Fatalf("unexpected content %q", got.Content)
	}
	if got.Category != CategoryBiographical || got.Source != SourceExplicit {
		t.Fatalf("unexpected category/source %q/%q", got.Category, got.Source)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}
	if got.LastAccessed != nil || got.AccessCount != 0 {
		t.Fatal("expected fresh fact to have no access history")
	}
}

func TestInsertRejectsEmptyContent(t *testing.T) {
	facts := newTestFactStore(t)

	if _, err := facts.Insert(Fact{Content: "   "}); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestInsertDefaultsAndClamping(t *testing.T) {
	facts := newTestFactStore(t)

	id, err := facts.Insert(Fact{Content: "prefers tea", Confidence: 1.7, Importance: -0.3})
	if err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	got, err := facts.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if got.Category != CategoryContextual || got.Source != SourceExtracted {
		t.Fatalf("unexpected defaults %q/%q", got.Category, got.Source)
	}
	if got.Confidence != 1.0 || got.Importance != 0.0 {
		t.Fatalf("expected clamped values, got confidence=%v importance=%v", got.Confidence, got.Importance)
	}
}

func TestInsertOrUpdateMergesEquivalentFacts(t *testing.T) {
	facts := newTestFactStore(t)

	first, err := facts.InsertOrUpdate(Fact{Content: "User likes coffee", Confidence: 0.7, Importance: 0.4})
	if err != nil {
		t.Fatalf("first InsertOrUpdate error: %v", err)
	}

	second, err := facts.InsertOrUpdate(Fact{Content: "User likes coffee a lot", Confidence: 0.9, Importance: 0.3})
	if err != nil {
		t.Fatalf("second InsertOrUpdate error: %v", err)
	}
	if second != first {
		t.Fatalf("expected merge into existing fact %d, got new id %d", first, second)
	}

	live, err := facts.GetAll(false)
	if err != nil {
		t.Fatalf("GetAll error: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("expected one live fact after merge, got %d", len(live))
	}
	got := live[0]
	if got.Content != "User likes coffee a lot" {
		t.Fatalf("expected longer content to win, got %q", got.Content)
	}
	if got.Confidence != 0.9 {
		t.Fatalf("expected max confidence 0.9, got %v", got.Confidence)
	}
	if got.Importance != 0.4 {
		t.Fatalf("expected max importance 0.4, got %v", got.Importance)
	}
}

func TestInsertOrUpdateIgnoresCaseAndPunctuation(t *testing.T) {
	facts := newTestFactStore(t)

	first, err := facts.InsertOrUpdate(Fact{Content: "User likes coffee."})
	if err != nil {
		t.Fatalf("first InsertOrUpdate error: %v", err)
	}
	second, err := facts.InsertOrUpdate(Fact{Content: "user   likes Coffee"})
	if err != nil {
		t.Fatalf("second InsertOrUpdate error: %v", err)
	}
	if second != first {
		t.Fatalf("expected normalized duplicate to merge, got ids %d and %d", first, second)
	}
}

func TestInsertOrUpdateKeepsDistinctFacts(t *testing.T) {
	facts := newTestFactStore(t)

	first, err := facts.InsertOrUpdate(Fact{Content: "User likes coffee"})
	if err != nil {
		t.Fatalf("first InsertOrUpdate error: %v", err)
	}
	second, err := facts.InsertOrUpdate(Fact{Content: "User dislikes mornings"})
	if err != nil {
		t.Fatalf("second InsertOrUpdate error: %v", err)
	}
	if second == first {
		t.Fatal("distinct facts must not merge")
	}
}

func TestInsertOrUpdateSkipsDeletedFacts(t *testing.T) {
	facts := newTestFactStore(t)

	first, err := facts.InsertOrUpdate(Fact{Content: "User likes coffee"})
	if err != nil {
		t.Fatalf("InsertOrUpdate error: %v", err)
	}
	if err := facts.SoftDelete(first); err != nil {
		t.Fatalf("SoftDelete error: %v", err)
	}

	second, err := facts.InsertOrUpdate(Fact{Content: "User likes coffee"})
	if err != nil {
		t.Fatalf("InsertOrUpdate after delete error: %v", err)
	}
	if second == first {
		t.Fatal("a deleted fact must not absorb new inserts")
	}
}

func TestGetAllOrdering(t *testing.T) {
	facts := newTestFactStore(t)

	if _, err := facts.Insert(Fact{Content: "minor detail", Importance: 0.2}); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if _, err := facts.Insert(Fact{Content: "major detail", Importance: 0.9}); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	all, err := facts.GetAll(false)
	if err != nil {
		t.Fatalf("GetAll error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(all))
	}
	if all[0].Content != "major detail" {
		t.Fatalf("expected importance ordering, got %q first", all[0].Content)
	}
}

func TestSoftDelete(t *testing.T) {
	facts := newTestFactStore(t)

	id, err := facts.Insert(Fact{Content: "ephemeral"})
	if err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if err := facts.SoftDelete(id); err != nil {
		t.Fatalf("SoftDelete error: %v", err)
	}

	live, err := facts.GetAll(false)
	if err != nil {
		t.Fatalf("GetAll error: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expected no live facts, got %d", len(live))
	}

	all, err := facts.GetAll(true)
	if err != nil {
		t.Fatalf("GetAll(true) error: %v", err)
	}
	if len(all) != 1 || !all[0].IsDeleted {
		t.Fatal("expected the deleted row to survive with its flag set")
	}

	// Double delete and missing id both report not found.
	if err := facts.SoftDelete(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
	if err := facts.SoftDelete(9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing fact, got %v", err)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	facts := newTestFactStore(t)

	if _, err := facts.GetByID(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAccessTrackingConcurrent(t *testing.T) {
	facts := newTestFactStore(t)

	id, err := facts.Insert(Fact{Content: "hot fact"})
	if err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := facts.UpdateAccessTracking(id); err != nil {
				t.Errorf("UpdateAccessTracking error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := facts.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if got.AccessCount != callers {
		t.Fatalf("expected access count %d, got %d", callers, got.AccessCount)
	}
	if got.LastAccessed == nil {
		t.Fatal("expected last_accessed to be set")
	}
}

func TestNormalizeContent(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"User likes coffee.", "user likes coffee"},
		{"  User   likes\tcoffee  ", "user likes coffee"},
		{"REALLY?!", "really"},
		{"", ""},
	}
	for _, c := range cases {
		if got := normalizeContent(c.in); got != c.want {
			t.Fatalf("normalizeContent(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
