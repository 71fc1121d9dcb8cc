package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const extractionPrompt = `You are a memory extraction engine. Extract durable facts about the user from the conversation.

Rules:
1. Extract only explicit facts, no speculation
2. Keep each fact concise and independent
3. category must be one of: preference/relationship/biographical/event/opinion/contextual/secret
4. confidence and importance must be in [0.0, 1.0]

Return a strict JSON object:
{"facts":[{"content":"...","category":"...","confidence":0.8,"importance":0.6}]}

Conversation:
%s`

type extractedFact struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Importance float64 `json:"importance"`
}

type extractionResult struct {
	Facts []extractedFact `json:"facts"`
}

// ExtractionService buffers conversation turns and, after a quiet gap
// or once the buffer grows past a token cap, asks the LLM to distill
// durable facts, merged into the FactStore. Extraction failure requeues
// the buffered turns; the only thing ever lost is time.
type ExtractionService struct {
	facts    *FactStore
	llm      ChatClient
	quietGap time.Duration
	tokenCap int
	log      zerolog.Logger

	mu      sync.Mutex
	buf     []ChatMessage
	bufTok  int
	timer   *time.Timer
	stopCh  chan struct{}
	stopWg  sync.WaitGroup
	started bool
}

func NewExtractionService(facts *FactStore, llm ChatClient, quietGap time.Duration, tokenCap int, log zerolog.Logger) *ExtractionService {
	if quietGap <= 0 {
		quietGap = 3 * time.Minute
	}
	if tokenCap < 1000 {
		tokenCap = 1000
	}
	return &ExtractionService{
		facts:    facts,
		llm:      llm,
		quietGap: quietGap,
		tokenCap: tokenCap,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// BufferTurn queues one turn for future extraction.
func (s *ExtractionService) BufferTurn(role, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	s.mu.Lock()
	s.buf = append(s.buf, ChatMessage{Role: role, Content: content})
	s.bufTok += EstimateTokens(content)
	full := s.bufTok >= s.tokenCap
	s.resetQuietTimerLocked()
	s.mu.Unlock()

	if full {
		go s.flush()
	}
}

func (s *ExtractionService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	// Safety-net flush for buffers that never hit the quiet gap
	// because the timer was reset on every turn.
	s.stopWg.Add(1)
	go func() {
		defer s.stopWg.Done()
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.flush()
			}
		}
	}()
}

// Stop flushes whatever is buffered and halts the quiet timer.
func (s *ExtractionService) Stop() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.stopWg.Wait()
	s.flush()
}

func (s *ExtractionService) resetQuietTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.quietGap, func() {
		s.flush()
	})
}

func (s *ExtractionService) flush() {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.bufTok = 0
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	prompt := fmt.Sprintf(extractionPrompt, formatTurns(batch))
	resp, err := s.llm.Send([]ChatMessage{{Role: RoleUser, Content: prompt}}, "", 0)
	if err != nil {
		s.log.Warn().Err(err).Int("turns", len(batch)).Msg("extraction call failed, requeueing")
		s.requeue(batch)
		return
	}

	var out extractionResult
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		s.log.Warn().Err(err).Msg("extraction returned invalid json, requeueing")
		s.requeue(batch)
		return
	}

	for _, ef := range out.Facts {
		fact := Fact{
			Content:    ef.Content,
			Category:   ef.Category,
			Source:     SourceExtracted,
			Confidence: ef.Confidence,
			Importance: ef.Importance,
		}
		if _, err := s.facts.InsertOrUpdate(fact); err != nil {
			s.log.Warn().Err(err).Str("content", ef.Content).Msg("store extracted fact failed")
		}
	}
}

func (s *ExtractionService) requeue(batch []ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(batch, s.buf...)
	for _, m := range batch {
		s.bufTok += EstimateTokens(m.Content)
	}
}

func formatTurns(msgs []ChatMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(fmt.Sprintf("[%s]: %s\n", m.Role, m.Content))
	}
	return strings.TrimSpace(sb.String())
}
