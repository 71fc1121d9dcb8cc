package memory

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var wsRun = regexp.MustCompile(`\s+`)

// FactStore is fact CRUD plus duplicate-merge on top of the Store. All
// mutations go through the store's serialized primitives.
type FactStore struct {
	store *Store
	log   zerolog.Logger
}

func NewFactStore(store *Store, log zerolog.Logger) *FactStore {
	return &FactStore{store: store, log: log}
}

// Insert stores a new fact and returns its ID. Content must be
// non-empty; confidence and importance are clamped to [0,1].
func (f *FactStore) Insert(fact Fact) (int64, error) {
	fact, err := sanitizeFact(fact)
	if err != nil {
		return 0, err
	}
	now := formatTime(time.Now().UTC())
	return f.store.InsertReturningID(`
		INSERT INTO facts (content, category, source, confidence, importance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, fact.Content, fact.Category, fact.Source, fact.Confidence, fact.Importance, now, now)
}

// InsertOrUpdate merges the fact into an equivalent live fact when one
// exists, otherwise inserts it. On merge the existing row keeps its ID,
// takes the more specific content, the higher confidence and
// importance, and a refreshed updated_at. Two live facts never
// represent the same statement.
func (f *FactStore) InsertOrUpdate(fact Fact) (int64, error) {
	fact, err := sanitizeFact(fact)
	if err != nil {
		return 0, err
	}
	norm := normalizeContent(fact.Content)

	var id int64
	err = f.store.Transaction(func(tx *Tx) error {
		type liveFact struct {
			id         int64
			content    string
			confidence float64
			importance float64
		}
		var existing []liveFact
		if err := tx.Query(`
			SELECT id, content, confidence, importance FROM facts WHERE is_deleted = 0
		`, func(rows *sql.Rows) error {
			for rows.Next() {
				var lf liveFact
				if err := rows.Scan(&lf.id, &lf.content, &lf.confidence, &lf.importance); err != nil {
					return fmt.Errorf("%w: scan live fact: %w", ErrQuery, err)
				}
				existing = append(existing, lf)
			}
			return nil
		}); err != nil {
			return err
		}

		now := formatTime(time.Now().UTC())
		for _, lf := range existing {
			if !equivalentContent(norm, normalizeContent(lf.content)) {
				continue
			}
			content := lf.content
			if len(fact.Content) > len(content) {
				content = fact.Content
			}
			confidence := lf.confidence
			if fact.Confidence > confidence {
				confidence = fact.Confidence
			}
			importance := lf.importance
			if fact.Importance > importance {
				importance = fact.Importance
			}
			if _, err := tx.Execute(`
				UPDATE facts SET content = ?, confidence = ?, importance = ?, updated_at = ?
				WHERE id = ?
			`, content, confidence, importance, now, lf.id); err != nil {
				return err
			}
			id = lf.id
			return nil
		}

		newID, err := tx.InsertReturningID(`
			INSERT INTO facts (content, category, source, confidence, importance, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, fact.Content, fact.Category, fact.Source, fact.Confidence, fact.Importance, now, now)
		if err != nil {
			return err
		}
		id = newID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (f *FactStore) GetByID(id int64) (Fact, error) {
	var fact Fact
	found := false
	err := f.store.Query(factSelect+` WHERE id = ?`, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}
		var err error
		fact, err = scanFact(rows)
		found = err == nil
		return err
	}, id)
	if err != nil {
		return Fact{}, err
	}
	if !found {
		return Fact{}, fmt.Errorf("%w: fact %d", ErrNotFound, id)
	}
	return fact, nil
}

// GetAll returns facts ordered by importance then recency. Deleted
// facts are excluded unless includeDeleted is set.
func (f *FactStore) GetAll(includeDeleted bool) ([]Fact, error) {
	query := factSelect
	if !includeDeleted {
		query += ` WHERE is_deleted = 0`
	}
	query += ` ORDER BY importance DESC, updated_at DESC, id ASC`

	var facts []Fact
	err := f.store.Query(query, func(rows *sql.Rows) error {
		for rows.Next() {
			fact, err := scanFact(rows)
			if err != nil {
				return err
			}
			facts = append(facts, fact)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return facts, nil
}

// SoftDelete hides the fact from retrieval but keeps the row.
func (f *FactStore) SoftDelete(id int64) error {
	affected, err := f.store.Execute(`
		UPDATE facts SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0
	`, formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: fact %d", ErrNotFound, id)
	}
	return nil
}

// UpdateAccessTracking bumps access_count and last_accessed. The
// increment happens inside the statement, so concurrent calls never
// lose updates.
func (f *FactStore) UpdateAccessTracking(id int64) error {
	_, err := f.store.Execute(`
		UPDATE facts SET access_count = access_count + 1, last_accessed = ? WHERE id = ?
	`, formatTime(time.Now().UTC()), id)
	return err
}

const factSelect = `
	SELECT id, content, category, source, confidence, importance,
	       created_at, updated_at, last_accessed, access_count, is_deleted
	FROM facts`

func scanFact(rows *sql.Rows) (Fact, error) {
	var (
		fact         Fact
		createdAt    string
		updatedAt    string
		lastAccessed sql.NullString
		deleted      int
	)
	if err := rows.Scan(
		&fact.ID,
		&fact.Content,
		&fact.Category,
		&fact.Source,
		&fact.Confidence,
		&fact.Importance,
		&createdAt,
		&updatedAt,
		&lastAccessed,
		&fact.AccessCount,
		&deleted,
	); err != nil {
		return Fact{}, fmt.Errorf("%w: scan fact: %w", ErrQuery, err)
	}
	fact.CreatedAt = parseTime(createdAt)
	fact.UpdatedAt = parseTime(updatedAt)
	if lastAccessed.Valid {
		t := parseTime(lastAccessed.String)
		fact.LastAccessed = &t
	}
	fact.IsDeleted = deleted == 1
	return fact, nil
}

func sanitizeFact(fact Fact) (Fact, error) {
	fact.Content = strings.TrimSpace(fact.Content)
	if fact.Content == "" {
		return Fact{}, fmt.Errorf("%w: empty fact content", ErrQuery)
	}
	if fact.Category == "" {
		fact.Category = CategoryContextual
	}
	if fact.Source == "" {
		fact.Source = SourceExtracted
	}
	fact.Confidence = clamp01(fact.Confidence)
	fact.Importance = clamp01(fact.Importance)
	return fact, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// normalizeContent lowercases, trims, collapses whitespace, and strips
// trailing punctuation so "User likes coffee." and "user likes coffee"
// compare equal.
func normalizeContent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = wsRun.ReplaceAllString(s, " ")
	return strings.TrimRight(s, ".!?,;: ")
}

// equivalentContent treats two normalized statements as the same when
// either contains the other, so "user likes coffee a lot" merges into
// "user likes coffee".
func equivalentContent(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
