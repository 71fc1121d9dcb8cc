package memory

import "strings"

const (
	charsPerToken         = 4
	messageOverheadTokens = 4
	truncationMarker      = "\n...[truncated]"
)

// Budget splits a total token budget across system prompt, history, and
// reserved response space. The three parts always sum to Total because
// History is derived by subtraction, not by rounding.
type Budget struct {
	Total    int
	System   int
	History  int
	Response int
}

// NewBudget allocates roughly 10% to the system prompt and 40% to the
// response reserve; history takes the exact remainder.
func NewBudget(total int) Budget {
	if total < 0 {
		total = 0
	}
	system := total / 10
	response := total * 4 / 10
	return Budget{
		Total:    total,
		System:   system,
		Response: response,
		History:  total - system - response,
	}
}

// Builder assembles token-bounded model requests. It holds no mutable
// state and is safe to share across goroutines.
type Builder struct {
	budget   Budget
	estimate TokenEstimator
}

// NewBuilder returns a Builder over the given total token budget. A nil
// estimator falls back to EstimateTokens.
func NewBuilder(totalBudget int, estimate TokenEstimator) *Builder {
	if estimate == nil {
		estimate = EstimateTokens
	}
	return &Builder{budget: NewBudget(totalBudget), estimate: estimate}
}

func (b *Builder) Budget() Budget {
	return b.budget
}

// Build assembles the request: facts and rolling summary fold into the
// system prompt before it is truncated to its budget, then history is
// admitted newest-first until the history budget runs out. The new user
// message is always present and always last; the worst case is an
// otherwise empty request. Build never fails.
func (b *Builder) Build(systemPrompt, rollingSummary string, facts []Fact, recentMessages []Message, newUserMessage string) ContextResult {
	prompt := b.composeSystemPrompt(systemPrompt, rollingSummary, facts)
	prompt = truncateToTokens(prompt, b.budget.System)

	newCost := b.estimate(newUserMessage) + messageOverheadTokens
	remaining := b.budget.History - newCost
	if remaining < 0 {
		remaining = 0
	}

	admitted := make([]Message, 0, len(recentMessages))
	historyTokens := 0
	for i := len(recentMessages) - 1; i >= 0; i-- {
		cost := b.estimate(recentMessages[i].Content) + messageOverheadTokens
		if cost > remaining {
			break
		}
		remaining -= cost
		historyTokens += cost
		admitted = append(admitted, recentMessages[i])
	}

	// admitted is newest-first; restore chronological order.
	messages := make([]ContextMessage, 0, len(admitted)+1)
	for i := len(admitted) - 1; i >= 0; i-- {
		messages = append(messages, ContextMessage{Role: admitted[i].Role, Content: admitted[i].Content})
	}
	messages = append(messages, ContextMessage{Role: RoleUser, Content: newUserMessage})

	return ContextResult{
		Messages:              messages,
		SystemPrompt:          prompt,
		EstimatedTokens:       b.estimate(prompt) + historyTokens + newCost,
		TruncatedMessageCount: len(recentMessages) - len(admitted),
	}
}

func (b *Builder) composeSystemPrompt(systemPrompt, rollingSummary string, facts []Fact) string {
	var sb strings.Builder
	if block := FormatFacts(facts); block != "" {
		sb.WriteString("Known facts about the user:\n")
		sb.WriteString(block)
		sb.WriteString("\n\n")
	}
	if s := strings.TrimSpace(rollingSummary); s != "" {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(s)
		sb.WriteString("\n\n")
	}
	sb.WriteString(systemPrompt)
	return strings.TrimSpace(sb.String())
}

// truncateToTokens cuts s to fit maxTokens under the chars-per-token
// heuristic, appending a marker when anything was removed. The marker
// fits inside the budget, not on top of it.
func truncateToTokens(s string, maxTokens int) string {
	runes := []rune(s)
	maxChars := maxTokens * charsPerToken
	if len(runes) <= maxChars {
		return s
	}
	marker := []rune(truncationMarker)
	keep := maxChars - len(marker)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + truncationMarker
}
