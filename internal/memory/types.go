package memory

import "time"

// Fact categories.
const (
	CategoryPreference   = "preference"
	CategoryRelationship = "relationship"
	CategoryBiographical = "biographical"
	CategoryEvent        = "event"
	CategoryOpinion      = "opinion"
	CategoryContextual   = "contextual"
	CategorySecret       = "secret"
)

// Fact sources.
const (
	SourceExtracted = "extracted"
	SourceExplicit  = "explicit"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Fact is a durable statement about the counterpart. Soft-deleted
// facts stay on disk for audit but are excluded from retrieval.
type Fact struct {
	ID           int64
	Content      string
	Category     string
	Source       string
	Confidence   float64
	Importance   float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastAccessed *time.Time
	AccessCount  int
	IsDeleted    bool
}

// Session groups the messages of one conversation stretch. At most one
// session per conversation key is active at a time.
type Session struct {
	ID              int64
	ConversationKey string
	StartedAt       time.Time
	EndedAt         *time.Time
	RollingSummary  string
	MessageCount    int
	IsActive        bool
}

// Message is one conversation turn. Append-only except for pruning
// after summarization.
type Message struct {
	ID         int64
	SessionID  int64
	Role       string
	Content    string
	Timestamp  time.Time
	TokenCount int
}

// ContextMessage is one entry of an assembled model request.
type ContextMessage struct {
	Role    string
	Content string
}

// ContextResult is the token-bounded request assembled by the Builder.
// It is never persisted.
type ContextResult struct {
	Messages              []ContextMessage
	SystemPrompt          string
	EstimatedTokens       int
	TruncatedMessageCount int
}

// SummarizationResult carries a freshly produced rolling summary plus
// the message IDs the caller must prune. The Summary Generator never
// deletes anything itself.
type SummarizationResult struct {
	Summary      string
	MessageCount int
	PrunedIDs    []int64
}

// Stats is a compact store snapshot used by status reporting.
type Stats struct {
	LiveFacts      int
	DeletedFacts   int
	Sessions       int
	ActiveSessions int
	Messages       int
}
