// Package suggest produces agent-facing AI suggestions from the live
// timeline. Two independent triggers feed one bounded per-session FIFO: a
// realtime trigger on every customer chat message and a recurring batch
// trigger over the accumulated window.
package suggest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/deskbridge/deskbridge/pkg/core"
	"github.com/deskbridge/deskbridge/pkg/core/timeline"
)

const (
	SourceRealtime = "realtime"
	SourceBatch    = "batch"
)

// Provider is the LLM collaborator contract: a composed context window in,
// one suggestion out.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// GenerateSuggestion produces a suggestion for the given context window.
	GenerateSuggestion(ctx context.Context, contextWindow string) (string, error)
}

// Suggestion is one generated hint, delivered to the agent side only.
type Suggestion struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// FIFO retains the most recent suggestions for one session. Once capacity is
// exceeded the oldest entry is evicted silently.
type FIFO struct {
	mu      sync.Mutex
	cap     int
	items   []Suggestion
	evicted uint64
}

func NewFIFO(capacity int) *FIFO {
	if capacity <= 0 {
		capacity = 10
	}
	return &FIFO{cap: capacity}
}

func (f *FIFO) Push(s Suggestion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, s)
	for len(f.items) > f.cap {
		f.items = f.items[1:]
		f.evicted++
	}
}

// Items returns the retained suggestions, oldest first.
func (f *FIFO) Items() []Suggestion {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Suggestion, len(f.items))
	copy(out, f.items)
	return out
}

func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Evicted reports how many suggestions were displaced by capacity.
func (f *FIFO) Evicted() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evicted
}

// speakerLabel renders the conversation line prefix for a timeline event.
func speakerLabel(r core.Role) string {
	if r == core.RoleAgent {
		return "Agent"
	}
	return "Customer"
}

func renderEvent(e timeline.Event) string {
	switch e.Kind {
	case timeline.KindMessage:
		return fmt.Sprintf("%s: %s", speakerLabel(e.Speaker), e.Text)
	case timeline.KindTranscript:
		return fmt.Sprintf("%s (spoken): %s", speakerLabel(e.Speaker), e.Text)
	default:
		return ""
	}
}

// conversational filters the timeline to the kinds that form the context
// window: chat messages and transcripts, in chronological order.
func conversational(events []timeline.Event) []timeline.Event {
	out := make([]timeline.Event, 0, len(events))
	for _, e := range events {
		if e.Kind == timeline.KindMessage || e.Kind == timeline.KindTranscript {
			out = append(out, e)
		}
	}
	return out
}

// ComposeRealtime builds the short window for the per-message trigger: the
// most recent n conversational entries, oldest first.
func ComposeRealtime(events []timeline.Event, n int) string {
	conv := conversational(events)
	if len(conv) == 0 {
		return ""
	}
	if n > 0 && len(conv) > n {
		conv = conv[len(conv)-n:]
	}
	lines := make([]string, 0, len(conv))
	for _, e := range conv {
		lines = append(lines, renderEvent(e))
	}
	return strings.Join(lines, "\n")
}

// estimateTokens approximates the collaborator's tokenizer at four bytes per
// token, which is close enough for budgeting.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// digestLine condenses one event for the summarized head of an over-budget
// window.
func digestLine(e timeline.Event) string {
	text := e.Text
	const keep = 80
	if len(text) > keep {
		cut := keep
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return fmt.Sprintf("%s: %s", speakerLabel(e.Speaker), text)
}

// ComposeBatch builds the full window for the batch trigger. When the window
// would exceed maxTokens, the oldest content is summarized first: the newest
// entries stay verbatim, older ones collapse to digest lines, and anything
// beyond that is folded into a single omission marker.
func ComposeBatch(events []timeline.Event, maxTokens int) string {
	conv := conversational(events)
	if len(conv) == 0 {
		return ""
	}
	if maxTokens <= 0 {
		maxTokens = 3000
	}

	lines := make([]string, len(conv))
	total := 0
	for i, e := range conv {
		lines[i] = renderEvent(e)
		total += estimateTokens(lines[i]) + 1
	}
	if total <= maxTokens {
		return strings.Join(lines, "\n")
	}

	// Newest verbatim within three quarters of the budget.
	verbatimBudget := maxTokens * 3 / 4
	verbatimFrom := len(conv)
	used := 0
	for i := len(conv) - 1; i >= 0; i-- {
		cost := estimateTokens(lines[i]) + 1
		if used+cost > verbatimBudget {
			break
		}
		used += cost
		verbatimFrom = i
	}

	// Older entries digest into the remaining budget.
	digestBudget := maxTokens - used
	digests := make([]string, 0, verbatimFrom)
	omitted := 0
	for i := verbatimFrom - 1; i >= 0; i-- {
		d := digestLine(conv[i])
		cost := estimateTokens(d) + 1
		if digestBudget-cost < 0 {
			omitted = i + 1
			break
		}
		digestBudget -= cost
		digests = append([]string{d}, digests...)
	}

	var b strings.Builder
	if omitted > 0 {
		fmt.Fprintf(&b, "[%d earlier entries omitted]\n", omitted)
	}
	if len(digests) > 0 {
		b.WriteString("Earlier, in brief:\n")
		b.WriteString(strings.Join(digests, "\n"))
		b.WriteString("\n")
	}
	b.WriteString(strings.Join(lines[verbatimFrom:], "\n"))
	return b.String()
}
