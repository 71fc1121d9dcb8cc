// Package processor wires the memory engine into a reply loop: persist
// the inbound message, assemble a bounded context, call the model, and
// compress history in the background.
package processor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tokenfires/emberhearth-sub003/internal/config"
	"github.com/tokenfires/emberhearth-sub003/internal/memory"
)

const defaultSystemPrompt = `You are Emberhearth, a personal assistant that remembers past conversations.
Answer plainly and concretely. Use the known facts and conversation summary when they are relevant.`

type Processor struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      *memory.Store
	facts      *memory.FactStore
	retriever  *memory.Retriever
	sessions   *memory.SessionManager
	builder    *memory.Builder
	summarizer *memory.Summarizer
	extraction *memory.ExtractionService
	llm        memory.ChatClient

	staleAfter   time.Duration
	systemPrompt string
	schedule     *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New opens the store and assembles the engine components. The caller
// owns the returned Processor's lifecycle: Start, Process, Stop.
func New(cfg *config.Config, log zerolog.Logger) (*Processor, error) {
	store, err := memory.Open(cfg.Memory.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	staleAfter := 30 * time.Minute
	if d, err := time.ParseDuration(strings.TrimSpace(cfg.Memory.StaleAfter)); err == nil && d > 0 {
		staleAfter = d
	}
	quietGap := 3 * time.Minute
	if d, err := time.ParseDuration(strings.TrimSpace(cfg.Extraction.QuietGap)); err == nil && d > 0 {
		quietGap = d
	}

	llm := memory.NewChatClient(cfg)
	facts := memory.NewFactStore(store, log)
	ctx, cancel := context.WithCancel(context.Background())

	p := &Processor{
		cfg:       cfg,
		log:       log,
		store:     store,
		facts:     facts,
		retriever: memory.NewRetriever(facts, log),
		sessions:  memory.NewSessionManager(store, log),
		builder:   memory.NewBuilder(cfg.Memory.ContextBudget, nil),
		summarizer: memory.NewSummarizer(llm, memory.SummarizerConfig{
			MinMessages:    cfg.Summary.MinMessages,
			TokenThreshold: cfg.Summary.TokenThreshold,
			MaxBatch:       cfg.Summary.MaxBatch,
			KeepRecent:     cfg.Summary.KeepRecent,
		}, log),
		llm:          llm,
		staleAfter:   staleAfter,
		systemPrompt: defaultSystemPrompt,
		ctx:          ctx,
		cancel:       cancel,
	}
	if cfg.Extraction.Enabled {
		p.extraction = memory.NewExtractionService(facts, llm, quietGap, cfg.Extraction.TokenCap, log)
	}
	return p, nil
}

// Start launches the extraction service and the maintenance schedule
// (daily backup, periodic stale-session sweep).
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	p.started = true

	if p.extraction != nil {
		p.extraction.Start(p.ctx)
	}

	p.schedule = cron.New()
	if _, err := p.schedule.AddFunc(p.cfg.Memory.SweepSchedule, p.sweepJob); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	if _, err := p.schedule.AddFunc(p.cfg.Memory.BackupSchedule, p.backupJob); err != nil {
		return fmt.Errorf("schedule backup: %w", err)
	}
	p.schedule.Start()
	return nil
}

// Stop abandons in-flight background work and closes the store. Safe to
// call more than once.
func (p *Processor) Stop() {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	if p.schedule != nil {
		<-p.schedule.Stop().Done()
		p.schedule = nil
	}
	p.mu.Unlock()

	if p.extraction != nil {
		p.extraction.Stop()
	}
	if err := p.store.Close(); err != nil {
		p.log.Error().Err(err).Msg("close store")
	}
}

// Process handles one inbound message end to end and returns the
// assistant reply. Summarization runs off this path; a slow or failing
// summary never delays the reply.
func (p *Processor) Process(ctx context.Context, conversationKey, text string) (string, error) {
	reqLog := p.log.With().
		Str("request_id", uuid.NewString()).
		Str("conversation", conversationKey).
		Logger()

	sess, err := p.sessions.GetOrCreateSession(conversationKey, memory.StaleAfter(p.staleAfter))
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}

	if _, err := p.sessions.AddMessage(sess.ID, memory.RoleUser, text); err != nil {
		return "", fmt.Errorf("persist user message: %w", err)
	}

	facts, err := p.retriever.RetrieveRelevant(text, p.cfg.Memory.RetrieveLimit)
	if err != nil {
		return "", fmt.Errorf("retrieve facts: %w", err)
	}

	history, err := p.sessions.GetMessages(sess.ID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	// The user message just appended is the "new" one, not history.
	recent := history
	if n := len(recent); n > 0 {
		recent = recent[:n-1]
	}

	result := p.builder.Build(p.systemPrompt, sess.RollingSummary, facts, recent, text)
	reqLog.Debug().
		Int("estimated_tokens", result.EstimatedTokens).
		Int("truncated", result.TruncatedMessageCount).
		Int("facts", len(facts)).
		Msg("context assembled")

	chat := make([]memory.ChatMessage, 0, len(result.Messages))
	for _, m := range result.Messages {
		chat = append(chat, memory.ChatMessage{Role: m.Role, Content: m.Content})
	}
	reply, err := p.llm.Send(chat, result.SystemPrompt, p.cfg.Provider.MaxTokens)
	if err != nil {
		return "", fmt.Errorf("model call: %w", err)
	}

	if _, err := p.sessions.AddMessage(sess.ID, memory.RoleAssistant, reply); err != nil {
		return "", fmt.Errorf("persist assistant message: %w", err)
	}

	if p.extraction != nil {
		p.extraction.BufferTurn(memory.RoleUser, text)
		p.extraction.BufferTurn(memory.RoleAssistant, reply)
	}

	p.wg.Add(1)
	go p.maybeSummarize(sess.ID, reqLog)

	return reply, nil
}

// maybeSummarize compresses old history when the thresholds fire. Runs
// as a background task; on shutdown the in-flight call is abandoned and
// nothing partial is written.
func (p *Processor) maybeSummarize(sessionID int64, log zerolog.Logger) {
	defer p.wg.Done()
	if p.ctx.Err() != nil {
		return
	}

	sess, err := p.sessions.GetSession(sessionID)
	if err != nil {
		log.Warn().Err(err).Msg("summarize: load session")
		return
	}
	msgs, err := p.sessions.GetMessages(sessionID)
	if err != nil {
		log.Warn().Err(err).Msg("summarize: load messages")
		return
	}

	result := p.summarizer.SummarizeIfNeeded(msgs, sess.RollingSummary, nil)
	if result == nil {
		return
	}
	if p.ctx.Err() != nil {
		return
	}
	if err := p.sessions.ApplySummarization(sessionID, result.Summary, result.PrunedIDs); err != nil {
		log.Error().Err(err).Msg("summarize: apply result")
		return
	}
	log.Info().
		Int64("session_id", sessionID).
		Int("folded", result.MessageCount).
		Msg("history compressed into rolling summary")
}

func (p *Processor) sweepJob() {
	ended, err := p.sessions.SweepStale(memory.StaleAfter(p.staleAfter))
	if err != nil {
		p.log.Warn().Err(err).Msg("stale session sweep failed")
		return
	}
	if ended > 0 {
		p.log.Info().Int("ended", ended).Msg("stale sessions ended")
	}
}

func (p *Processor) backupJob() {
	dest := backupPath(p.cfg.Memory.BackupDir, time.Now().UTC())
	if err := p.store.Backup(dest); err != nil {
		p.log.Warn().Err(err).Str("dest", dest).Msg("scheduled backup failed")
		return
	}
	p.log.Info().Str("dest", dest).Msg("store backed up")
}

// Stats exposes store counters for status reporting.
func (p *Processor) Stats() (memory.Stats, error) {
	return p.store.Stats()
}

// Backup snapshots the store into dir immediately.
func (p *Processor) Backup(dir string) (string, error) {
	dest := backupPath(dir, time.Now().UTC())
	if err := p.store.Backup(dest); err != nil {
		return "", err
	}
	return dest, nil
}

func backupPath(dir string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("memory-%s.db", now.Format("20060102-150405")))
}
