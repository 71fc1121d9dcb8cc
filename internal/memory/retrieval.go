package memory

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

var (
	cnWordRegex = regexp.MustCompile(`[\p{Han}]{2,}`)
	enWordRegex = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_\-]{2,}`)
)

const maxQueryKeywords = 8

// Retriever ranks live facts by lexical overlap with a query.
type Retriever struct {
	facts *FactStore
	log   zerolog.Logger
}

func NewRetriever(facts *FactStore, log zerolog.Logger) *Retriever {
	return &Retriever{facts: facts, log: log}
}

// RetrieveRelevant returns up to limit live facts scored by term
// overlap with the query, ties broken by importance then recency, and
// records an access on each returned fact. An empty result is a normal
// outcome, not an error.
func (r *Retriever) RetrieveRelevant(query string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 5
	}
	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	facts, err := r.facts.GetAll(false)
	if err != nil {
		return nil, err
	}

	type scored struct {
		fact  Fact
		score float64
	}
	candidates := make([]scored, 0, len(facts))
	for _, fact := range facts {
		s := overlapScore(keywords, normalizeContent(fact.Content))
		if s <= 0 {
			continue
		}
		candidates = append(candidates, scored{fact: fact, score: s})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			if candidates[i].fact.Importance == candidates[j].fact.Importance {
				if candidates[i].fact.UpdatedAt.Equal(candidates[j].fact.UpdatedAt) {
					return candidates[i].fact.ID < candidates[j].fact.ID
				}
				return candidates[i].fact.UpdatedAt.After(candidates[j].fact.UpdatedAt)
			}
			return candidates[i].fact.Importance > candidates[j].fact.Importance
		}
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]Fact, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, c.fact)
		if err := r.facts.UpdateAccessTracking(c.fact.ID); err != nil {
			r.log.Warn().Err(err).Int64("fact_id", c.fact.ID).Msg("access tracking update failed")
		}
	}
	return results, nil
}

func extractKeywords(msg string) []string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return nil
	}

	keywords := make([]string, 0)
	seen := map[string]struct{}{}

	for _, w := range cnWordRegex.FindAllString(msg, -1) {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}
	for _, w := range enWordRegex.FindAllString(strings.ToLower(msg), -1) {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}

	if len(keywords) > maxQueryKeywords {
		keywords = keywords[:maxQueryKeywords]
	}
	return keywords
}

// overlapScore is the fraction of query terms present in the
// normalized fact content.
func overlapScore(keywords []string, content string) float64 {
	if len(keywords) == 0 || content == "" {
		return 0
	}
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// FormatFacts renders facts as a bullet list for prompt injection.
func FormatFacts(facts []Fact) string {
	if len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, f := range facts {
		sb.WriteString("- ")
		sb.WriteString(f.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
