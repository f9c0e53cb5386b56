package explore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/dispatch"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/mission"
	"github.com/fathomlabs/fathom/internal/search"
	"github.com/fathomlabs/fathom/internal/tasks"
)

type reply struct {
	notes     []map[string]string
	followUps []string
	scratch   string
	text      string
	err       error
}

type fakeCaller struct {
	mu      sync.Mutex
	replies map[string]reply
	calls   []string
}

func (f *fakeCaller) Call(ctx context.Context, spec dispatch.CallSpec) (*llm.Result, *mission.CallDetails, error) {
	q := questionOf(spec.Messages)
	f.mu.Lock()
	f.calls = append(f.calls, q)
	r, ok := f.replies[q]
	f.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("unexpected question %q", q)
	}
	if r.err != nil {
		return nil, nil, r.err
	}
	if r.text != "" {
		res := &llm.Result{Text: r.text}
		res.Normalize()
		return res, &mission.CallDetails{}, nil
	}
	payload, _ := json.Marshal(map[string]any{
		"notes":               r.notes,
		"follow_up_questions": r.followUps,
		"scratchpad":          r.scratch,
	})
	res := &llm.Result{Structured: payload}
	res.Normalize()
	return res, &mission.CallDetails{}, nil
}

func (f *fakeCaller) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func questionOf(msgs []llm.Message) string {
	for _, m := range msgs {
		if m.Role == llm.RoleUser {
			line, _, _ := strings.Cut(m.Content, "\n")
			return strings.TrimPrefix(line, "Question: ")
		}
	}
	return ""
}

type fakeSearcher struct {
	mu       sync.Mutex
	snippets []search.Snippet
	err      error
	queries  []string
}

func (f *fakeSearcher) Search(ctx context.Context, query string, topK int) ([]search.Snippet, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.snippets, nil
}

type fakeNoteStore struct {
	mu       sync.Mutex
	notes    []mission.Note
	searches int
	addErr   error
}

func (f *fakeNoteStore) AddNotes(ctx context.Context, missionID string, notes []mission.Note) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.notes = append(f.notes, notes...)
	return nil
}

func (f *fakeNoteStore) AddSearchCalls(ctx context.Context, missionID string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches += n
	return nil
}

func (f *fakeNoteStore) stored() []mission.Note {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mission.Note(nil), f.notes...)
}

func alwaysLive(context.Context) bool { return true }

func beginRun(t *testing.T) (*tasks.Run, context.Context) {
	t.Helper()
	reg := tasks.NewRegistry(time.Second, zap.NewNop())
	run, ctx, err := reg.Begin(context.Background(), "m-explore")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	t.Cleanup(run.Finish)
	return run, ctx
}

func TestRunGathersNotesFromSeeds(t *testing.T) {
	caller := &fakeCaller{replies: map[string]reply{
		"what is x": {notes: []map[string]string{{"content": "x is a thing", "source_id": "web-abc"}}},
		"what is y": {notes: []map[string]string{{"content": "y is another", "source_id": ""}}},
	}}
	searcher := &fakeSearcher{snippets: []search.Snippet{
		{SourceID: "web-abc", Title: "About X", URL: "https://example.com/x", Content: "x stuff"},
	}}
	store := &fakeNoteStore{}
	run, ctx := beginRun(t)

	eng := New(caller, searcher, store, zap.NewNop())
	out := eng.Run(ctx, run, "m-explore", []string{"what is x", "what is y"}, "", Config{MaxDepth: 1, MaxTotal: 10, Concurrency: 1}, alwaysLive)

	if out.Launched != 2 || out.Processed != 2 {
		t.Fatalf("launched=%d processed=%d, want 2/2", out.Launched, out.Processed)
	}
	notes := store.stored()
	if len(notes) != 2 {
		t.Fatalf("stored %d notes, want 2", len(notes))
	}
	if len(out.NoteIDs) != 2 {
		t.Fatalf("outcome carries %d note ids, want 2", len(out.NoteIDs))
	}
	byContent := map[string]mission.Note{}
	for _, n := range notes {
		byContent[n.Content] = n
	}
	grounded := byContent["x is a thing"]
	if grounded.SourceType != mission.SourceWeb || grounded.SourceID != "web-abc" {
		t.Fatalf("grounded note = %+v, want web source web-abc", grounded)
	}
	if grounded.Question != "what is x" {
		t.Fatalf("note question = %q", grounded.Question)
	}
	loose := byContent["y is another"]
	if loose.SourceType != mission.SourceInternal || loose.SourceID != "" {
		t.Fatalf("ungrounded note = %+v, want internal source", loose)
	}
	ref, ok := out.Sources["web-abc"]
	if !ok || ref.Title != "About X" || ref.URL != "https://example.com/x" {
		t.Fatalf("source ref = %+v ok=%v", ref, ok)
	}
	if store.searches != 2 {
		t.Fatalf("search accounting = %d, want 2", store.searches)
	}
}

func TestRunFollowsUpWithinDepth(t *testing.T) {
	caller := &fakeCaller{replies: map[string]reply{
		"seed":   {notes: []map[string]string{{"content": "a"}}, followUps: []string{"deeper"}},
		"deeper": {notes: []map[string]string{{"content": "b"}}, followUps: []string{"too deep"}},
	}}
	store := &fakeNoteStore{}
	run, ctx := beginRun(t)

	eng := New(caller, &fakeSearcher{}, store, zap.NewNop())
	out := eng.Run(ctx, run, "m-explore", []string{"seed"}, "", Config{MaxDepth: 1, MaxTotal: 10, Concurrency: 1}, alwaysLive)

	calls := caller.seen()
	if len(calls) != 2 {
		t.Fatalf("explored %v, want seed and deeper only", calls)
	}
	for _, q := range calls {
		if q == "too deep" {
			t.Fatal("depth cap let a too-deep question through")
		}
	}
	if out.Launched != 2 {
		t.Fatalf("launched = %d, want 2", out.Launched)
	}
}

func TestRunHonorsQuestionBudget(t *testing.T) {
	fanOut := []string{"q1", "q2", "q3", "q4", "q5"}
	replies := map[string]reply{
		"seed": {followUps: fanOut},
	}
	for _, q := range fanOut {
		replies[q] = reply{notes: []map[string]string{{"content": q}}}
	}
	caller := &fakeCaller{replies: replies}
	run, ctx := beginRun(t)

	eng := New(caller, &fakeSearcher{}, &fakeNoteStore{}, zap.NewNop())
	out := eng.Run(ctx, run, "m-explore", []string{"seed"}, "", Config{MaxDepth: 2, MaxTotal: 3, Concurrency: 1}, alwaysLive)

	if out.Launched != 3 {
		t.Fatalf("launched = %d, want exactly the budget of 3", out.Launched)
	}
	if got := len(caller.seen()); got != 3 {
		t.Fatalf("model called %d times, want 3", got)
	}
}

func TestRunDeduplicatesQuestions(t *testing.T) {
	caller := &fakeCaller{replies: map[string]reply{
		"same":  {notes: []map[string]string{{"content": "once"}}, followUps: []string{"same", "other"}},
		"other": {notes: []map[string]string{{"content": "twice"}}},
	}}
	run, ctx := beginRun(t)

	eng := New(caller, &fakeSearcher{}, &fakeNoteStore{}, zap.NewNop())
	eng.Run(ctx, run, "m-explore", []string{"same", "same", " same "}, "", Config{MaxDepth: 2, MaxTotal: 10, Concurrency: 1}, alwaysLive)

	counts := map[string]int{}
	for _, q := range caller.seen() {
		counts[q]++
	}
	if counts["same"] != 1 {
		t.Fatalf("explored %q %d times, want once", "same", counts["same"])
	}
	if counts["other"] != 1 {
		t.Fatalf("follow-up %q explored %d times, want once", "other", counts["other"])
	}
}

func TestRunScratchpadLastWriterWins(t *testing.T) {
	caller := &fakeCaller{replies: map[string]reply{
		"first":  {scratch: "from first"},
		"second": {scratch: "from second"},
		"third":  {},
	}}
	run, ctx := beginRun(t)

	eng := New(caller, &fakeSearcher{}, &fakeNoteStore{}, zap.NewNop())
	out := eng.Run(ctx, run, "m-explore", []string{"first", "second", "third"}, "initial", Config{MaxTotal: 10, Concurrency: 1}, alwaysLive)

	// The third unit wrote nothing, so the second unit's version stands.
	if out.Scratchpad != "from second" {
		t.Fatalf("scratchpad = %q, want %q", out.Scratchpad, "from second")
	}
}

func TestRunStopsWhenMissionNotLive(t *testing.T) {
	caller := &fakeCaller{replies: map[string]reply{
		"a": {notes: []map[string]string{{"content": "a"}}},
		"b": {notes: []map[string]string{{"content": "b"}}},
		"c": {notes: []map[string]string{{"content": "c"}}},
	}}
	store := &fakeNoteStore{}
	run, ctx := beginRun(t)

	// Liveness drops once two questions have hit the model, as if the
	// mission were paused mid-pass.
	eng := New(caller, &fakeSearcher{}, store, zap.NewNop())
	out := eng.Run(ctx, run, "m-explore", []string{"a", "b", "c"}, "", Config{MaxTotal: 10, Concurrency: 1}, func(ctx context.Context) bool {
		caller.mu.Lock()
		defer caller.mu.Unlock()
		return len(caller.calls) < 2
	})

	if out.Launched != 2 {
		t.Fatalf("launched = %d, want an early stop before the third question", out.Launched)
	}
	if len(out.NoteIDs) != 2 {
		t.Fatalf("note ids = %v, want the notes gathered before the stop kept", out.NoteIDs)
	}
}

func TestRunSearchFailureIsNotFatal(t *testing.T) {
	caller := &fakeCaller{replies: map[string]reply{
		"q": {notes: []map[string]string{{"content": "answered from memory"}}},
	}}
	searcher := &fakeSearcher{err: errors.New("search backend down")}
	store := &fakeNoteStore{}
	run, ctx := beginRun(t)

	eng := New(caller, searcher, store, zap.NewNop())
	out := eng.Run(ctx, run, "m-explore", []string{"q"}, "", Config{MaxTotal: 5, Concurrency: 1}, alwaysLive)

	if len(out.NoteIDs) != 1 {
		t.Fatalf("note ids = %v, want one note despite search failure", out.NoteIDs)
	}
	if store.searches != 0 {
		t.Fatalf("failed search was counted: %d", store.searches)
	}
	got := store.stored()
	if len(got) != 1 || got[0].SourceType != mission.SourceInternal {
		t.Fatalf("stored = %+v, want one internal note", got)
	}
}

func TestRunTextReplyBecomesSingleNote(t *testing.T) {
	caller := &fakeCaller{replies: map[string]reply{
		"q": {text: "Plain prose answer with no JSON structure at all."},
	}}
	store := &fakeNoteStore{}
	run, ctx := beginRun(t)

	eng := New(caller, &fakeSearcher{}, store, zap.NewNop())
	out := eng.Run(ctx, run, "m-explore", []string{"q"}, "", Config{MaxTotal: 5, Concurrency: 1}, alwaysLive)

	notes := store.stored()
	if len(notes) != 1 {
		t.Fatalf("stored %d notes, want the prose fallback note", len(notes))
	}
	if notes[0].Content != "Plain prose answer with no JSON structure at all." {
		t.Fatalf("note content = %q", notes[0].Content)
	}
	if len(out.NoteIDs) != 1 {
		t.Fatalf("outcome note ids = %v", out.NoteIDs)
	}
}

func TestRunUnitErrorSkipsQuestion(t *testing.T) {
	caller := &fakeCaller{replies: map[string]reply{
		"bad":  {err: errors.New("model unavailable")},
		"good": {notes: []map[string]string{{"content": "fine"}}},
	}}
	store := &fakeNoteStore{}
	run, ctx := beginRun(t)

	eng := New(caller, &fakeSearcher{}, store, zap.NewNop())
	out := eng.Run(ctx, run, "m-explore", []string{"bad", "good"}, "", Config{MaxTotal: 5, Concurrency: 1}, alwaysLive)

	if out.Processed != 2 {
		t.Fatalf("processed = %d, want both questions attempted", out.Processed)
	}
	if len(store.stored()) != 1 {
		t.Fatalf("stored %d notes, want only the good one", len(store.stored()))
	}
}

func TestRunConcurrentUnitsAllComplete(t *testing.T) {
	replies := map[string]reply{}
	seeds := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		q := fmt.Sprintf("q%d", i)
		seeds = append(seeds, q)
		replies[q] = reply{notes: []map[string]string{{"content": "note " + q}}}
	}
	caller := &fakeCaller{replies: replies}
	store := &fakeNoteStore{}
	run, ctx := beginRun(t)

	eng := New(caller, &fakeSearcher{}, store, zap.NewNop())
	out := eng.Run(ctx, run, "m-explore", seeds, "", Config{MaxTotal: 10, Concurrency: 3}, alwaysLive)

	if out.Processed != 6 {
		t.Fatalf("processed = %d, want 6", out.Processed)
	}
	if len(store.stored()) != 6 {
		t.Fatalf("stored %d notes, want 6", len(store.stored()))
	}
	if subs := run.OpenSubtasks(); len(subs) != 0 {
		t.Fatalf("%d subtasks still open after the pass", len(subs))
	}
}
