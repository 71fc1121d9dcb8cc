package memory

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const (
	summarySystemPrompt = "You maintain a rolling third-person summary of an ongoing conversation."

	summaryPrompt = `Summarize the following conversation turns in the third person, in at most 500 words.
Fold the previous summary into the new one; do not restate it verbatim.
Keep names, decisions, and commitments. Drop greetings and filler.

Previous summary:
%s

Conversation:
%s`

	summaryMaxTokens = 700
)

// SummarizerConfig tunes when history compression triggers.
type SummarizerConfig struct {
	// MinMessages and TokenThreshold must both be strictly exceeded
	// before a summary is produced.
	MinMessages    int
	TokenThreshold int
	// MaxBatch bounds how many of the oldest messages fold into one
	// summary; KeepRecent protects the newest tail from ever being
	// summarized.
	MaxBatch   int
	KeepRecent int
}

func (c SummarizerConfig) withDefaults() SummarizerConfig {
	if c.MinMessages <= 0 {
		c.MinMessages = 20
	}
	if c.TokenThreshold <= 0 {
		c.TokenThreshold = 1500
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 30
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = 10
	}
	return c
}

// Summarizer compresses old history into a rolling summary via one LLM
// call. It never touches storage; the caller prunes.
type Summarizer struct {
	llm ChatClient
	cfg SummarizerConfig
	log zerolog.Logger
}

func NewSummarizer(llm ChatClient, cfg SummarizerConfig, log zerolog.Logger) *Summarizer {
	return &Summarizer{llm: llm, cfg: cfg.withDefaults(), log: log}
}

// ShouldSummarize is true only when both thresholds are strictly
// exceeded. Equality at either one does not trigger, so the decision
// cannot oscillate at the boundary.
func (s *Summarizer) ShouldSummarize(totalMessages, candidateTokens int) bool {
	return totalMessages > s.cfg.MinMessages && candidateTokens > s.cfg.TokenThreshold
}

// SummarizeIfNeeded evaluates the oldest eligible batch and, when the
// trigger fires, produces a new rolling summary plus the IDs the caller
// must prune. Any LLM failure yields nil: the raw messages still exist,
// so a lost summary is a deferred retry, never data loss.
func (s *Summarizer) SummarizeIfNeeded(messages []Message, previousSummary string, estimate TokenEstimator) *SummarizationResult {
	if estimate == nil {
		estimate = EstimateTokens
	}

	eligible := len(messages) - s.cfg.KeepRecent
	if eligible <= 0 {
		return nil
	}
	if eligible > s.cfg.MaxBatch {
		eligible = s.cfg.MaxBatch
	}
	batch := messages[:eligible]

	candidateTokens := 0
	for _, msg := range batch {
		candidateTokens += estimate(msg.Content)
	}
	if !s.ShouldSummarize(len(messages), candidateTokens) {
		return nil
	}

	previous := strings.TrimSpace(previousSummary)
	if previous == "" {
		previous = "(none)"
	}
	prompt := fmt.Sprintf(summaryPrompt, previous, formatTranscript(batch))

	summary, err := s.llm.Send([]ChatMessage{{Role: RoleUser, Content: prompt}}, summarySystemPrompt, summaryMaxTokens)
	if err != nil {
		s.log.Warn().Err(err).Int("batch", len(batch)).Msg("summarization call failed, keeping messages")
		return nil
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		s.log.Warn().Int("batch", len(batch)).Msg("summarization returned empty text, keeping messages")
		return nil
	}

	ids := make([]int64, 0, len(batch))
	for _, msg := range batch {
		ids = append(ids, msg.ID)
	}
	return &SummarizationResult{
		Summary:      summary,
		MessageCount: len(batch),
		PrunedIDs:    ids,
	}
}

func formatTranscript(msgs []Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(fmt.Sprintf("[%s]: %s\n", m.Role, m.Content))
	}
	return strings.TrimSpace(sb.String())
}
