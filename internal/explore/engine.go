// Package explore implements bounded breadth-first exploration of open
// questions: concurrent tool-assisted search units that gather notes
// and enqueue follow-up questions until depth and budget run out.
package explore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/dispatch"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/metrics"
	"github.com/fathomlabs/fathom/internal/mission"
	"github.com/fathomlabs/fathom/internal/search"
	"github.com/fathomlabs/fathom/internal/tasks"
)

// ModelCaller issues role-addressed model calls for the mission.
type ModelCaller interface {
	Call(ctx context.Context, spec dispatch.CallSpec) (*llm.Result, *mission.CallDetails, error)
}

// Searcher runs document and web search.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]search.Snippet, error)
}

// NoteStore persists notes as soon as a unit discovers them.
type NoteStore interface {
	AddNotes(ctx context.Context, missionID string, notes []mission.Note) error
	AddSearchCalls(ctx context.Context, missionID string, n int) error
}

// Liveness reports whether the mission may keep admitting work.
type Liveness func(ctx context.Context) bool

// Config bounds one exploration pass.
type Config struct {
	MaxDepth    int
	MaxTotal    int
	Concurrency int
	SearchTopK  int
}

func (c *Config) normalize() {
	if c.MaxDepth < 0 {
		c.MaxDepth = 0
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 12
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.SearchTopK <= 0 {
		c.SearchTopK = 6
	}
}

// Outcome is everything an exploration pass gathered. Exploration never
// fails: a halted mission or exhausted budget just ends the pass.
type Outcome struct {
	NoteIDs    []string
	Sources    map[string]mission.SourceRef
	Scratchpad string
	Processed  int
	Launched   int
}

// Engine runs exploration passes.
type Engine struct {
	caller ModelCaller
	search Searcher
	store  NoteStore
	logger *zap.Logger
}

// New builds an exploration engine.
func New(caller ModelCaller, searcher Searcher, store NoteStore, logger *zap.Logger) *Engine {
	return &Engine{caller: caller, search: searcher, store: store, logger: logger}
}

type item struct {
	question string
	depth    int
}

type unitResult struct {
	question   string
	depth      int
	notes      []mission.Note
	sources    map[string]mission.SourceRef
	followUps  []string
	scratchpad string
	searches   int
	err        error
}

// Run explores the seed questions breadth-first. Every launched unit is
// tracked as a subtask of run so pause and stop can cancel it.
func (e *Engine) Run(ctx context.Context, run *tasks.Run, missionID string, seeds []string, scratchpad string, cfg Config, live Liveness) Outcome {
	cfg.normalize()

	out := Outcome{Scratchpad: scratchpad, Sources: map[string]mission.SourceRef{}}
	queue := make([]item, 0, len(seeds))
	for _, q := range seeds {
		queue = append(queue, item{question: q, depth: 0})
	}

	seen := make(map[string]bool)
	inFlight := 0
	completed := 0
	// Buffer one slot per worker so late finishers never block after
	// the loop exits early.
	results := make(chan unitResult, cfg.Concurrency)

	for {
		if ctx.Err() != nil || !live(ctx) {
			break
		}

		for inFlight < cfg.Concurrency && len(queue) > 0 && out.Launched < cfg.MaxTotal {
			it := queue[0]
			queue = queue[1:]
			key := strings.TrimSpace(it.question)
			if key == "" || seen[key] || it.depth > cfg.MaxDepth {
				continue
			}
			seen[key] = true
			out.Launched++
			inFlight++

			st := run.Track(ctx, "explore-question")
			go e.unit(st, missionID, it, out.Scratchpad, cfg, results)
		}

		if inFlight == 0 {
			break
		}

		select {
		case res := <-results:
			inFlight--
			completed++
			e.collect(ctx, missionID, res, &out, &queue, seen, completed, inFlight, cfg)
		case <-ctx.Done():
		case <-time.After(200 * time.Millisecond):
			// Re-check liveness at the top of the loop.
		}
	}

	out.Processed = completed
	return out
}

// collect folds one finished unit into the outcome: notes persist
// immediately, follow-ups enqueue under the question budget, and the
// scratchpad takes the last completed writer's version.
func (e *Engine) collect(ctx context.Context, missionID string, res unitResult, out *Outcome, queue *[]item, seen map[string]bool, completed, inFlight int, cfg Config) {
	metrics.QuestionsExplored.Inc()

	if res.err != nil {
		if !errors.Is(res.err, mission.ErrHalted) && !errors.Is(res.err, context.Canceled) {
			e.logger.Warn("Exploration unit failed",
				zap.String("mission_id", missionID),
				zap.String("question", res.question),
				zap.Error(res.err))
		}
		return
	}

	if len(res.notes) > 0 {
		if err := e.store.AddNotes(ctx, missionID, res.notes); err != nil {
			e.logger.Warn("Failed to persist exploration notes",
				zap.String("mission_id", missionID),
				zap.Int("notes", len(res.notes)),
				zap.Error(err))
		} else {
			for _, n := range res.notes {
				out.NoteIDs = append(out.NoteIDs, n.ID)
			}
		}
	}
	for id, ref := range res.sources {
		out.Sources[id] = ref
	}
	if res.searches > 0 {
		if err := e.store.AddSearchCalls(ctx, missionID, res.searches); err != nil {
			e.logger.Debug("Search accounting failed", zap.Error(err))
		}
	}

	if res.scratchpad != "" {
		out.Scratchpad = res.scratchpad
	}

	for _, q := range res.followUps {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		if res.depth+1 > cfg.MaxDepth {
			continue
		}
		// The running total of work must stay under the budget.
		if completed+len(*queue)+inFlight >= cfg.MaxTotal {
			break
		}
		*queue = append(*queue, item{question: q, depth: res.depth + 1})
	}
}

type explorerReply struct {
	Notes []struct {
		Content  string `json:"content"`
		SourceID string `json:"source_id"`
	} `json:"notes"`
	FollowUpQuestions []string `json:"follow_up_questions"`
	Scratchpad        string   `json:"scratchpad"`
}

func (e *Engine) unit(st *tasks.Subtask, missionID string, it item, scratchpad string, cfg Config, results chan<- unitResult) {
	defer st.Finish()
	ctx := st.Context()

	res := unitResult{question: it.question, depth: it.depth, sources: map[string]mission.SourceRef{}}
	defer func() { results <- res }()

	if ctx.Err() != nil {
		res.err = ctx.Err()
		return
	}

	snippets, err := e.search.Search(ctx, it.question, cfg.SearchTopK)
	if err != nil {
		// Exploration still asks the model; it may answer from the
		// scratchpad alone.
		e.logger.Debug("Search failed for question",
			zap.String("mission_id", missionID),
			zap.String("question", it.question),
			zap.Error(err))
		snippets = nil
	} else {
		res.searches = 1
	}

	result, _, err := e.caller.Call(ctx, dispatch.CallSpec{
		Role:      "explorer",
		Messages:  explorerMessages(it.question, scratchpad, snippets),
		MaxTokens: 2000,
		ForceJSON: true,
	})
	if err != nil {
		res.err = err
		return
	}

	byID := make(map[string]search.Snippet, len(snippets))
	for _, s := range snippets {
		byID[s.SourceID] = s
	}

	var reply explorerReply
	if decodeErr := result.Decode(&reply); decodeErr != nil {
		if result.Kind == llm.ResultText {
			// Prose answers still count as one synthesized note.
			res.notes = append(res.notes, e.newNote(missionID, it.question, result.Text, "", byID, res.sources))
			return
		}
		res.err = fmt.Errorf("explorer reply unreadable: %w", decodeErr)
		return
	}

	for _, n := range reply.Notes {
		if strings.TrimSpace(n.Content) == "" {
			continue
		}
		res.notes = append(res.notes, e.newNote(missionID, it.question, n.Content, n.SourceID, byID, res.sources))
	}
	res.followUps = reply.FollowUpQuestions
	res.scratchpad = reply.Scratchpad
}

// newNote builds a persisted note, recording the source reference when
// the content is grounded in a search hit.
func (e *Engine) newNote(missionID, question, content, sourceID string, byID map[string]search.Snippet, sources map[string]mission.SourceRef) mission.Note {
	now := time.Now().UTC()
	n := mission.Note{
		ID:         mission.NewNoteID(),
		MissionID:  missionID,
		Content:    content,
		SourceType: mission.SourceInternal,
		Question:   question,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if snip, ok := byID[sourceID]; ok {
		n.SourceID = sourceID
		if snip.URL != "" {
			n.SourceType = mission.SourceWeb
		} else {
			n.SourceType = mission.SourceDocument
		}
		sources[sourceID] = mission.SourceRef{
			SimpleID: sourceID,
			Type:     n.SourceType,
			Title:    snip.Title,
			URL:      snip.URL,
		}
	}
	return n
}

func explorerMessages(question, scratchpad string, snippets []search.Snippet) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", question)
	if scratchpad != "" {
		fmt.Fprintf(&b, "\nShared scratchpad so far:\n%s\n", scratchpad)
	}
	if len(snippets) > 0 {
		b.WriteString("\nSearch results:\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "[%s] %s\n%s\n\n", s.SourceID, s.Title, s.Content)
		}
	}
	b.WriteString("\nRespond with JSON: {\"notes\": [{\"content\": str, \"source_id\": str}], " +
		"\"follow_up_questions\": [str], \"scratchpad\": str}. " +
		"Ground each note in a search result id when one supports it; " +
		"leave source_id empty for synthesis. Propose follow-up questions " +
		"only when they open genuinely new ground.")

	return []llm.Message{
		llm.System("You explore open research questions. You extract precise, self-contained notes from search results and name the follow-up questions the material raises."),
		llm.User(b.String()),
	}
}
