// Package curation prepares the note collection for writing: the
// redundancy filter discards duplicate material per section and the
// assigner maps curated notes onto the sections that will use them.
package curation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fathomlabs/fathom/internal/dispatch"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/mission"
	"github.com/fathomlabs/fathom/internal/tasks"
)

// unassignedBucket groups notes whose section no longer exists in the
// current outline.
const unassignedBucket = "unassigned"

// ModelCaller issues role-addressed model calls for the mission.
type ModelCaller interface {
	Call(ctx context.Context, spec dispatch.CallSpec) (*llm.Result, *mission.CallDetails, error)
}

// Filter removes redundant notes bucket by bucket. Every failure path
// keeps notes: losing research is worse than keeping a duplicate.
type Filter struct {
	caller ModelCaller
	logger *zap.Logger
}

// NewFilter builds a redundancy filter.
func NewFilter(caller ModelCaller, logger *zap.Logger) *Filter {
	return &Filter{caller: caller, logger: logger}
}

// Run partitions notes by their associated section and checks each
// bucket concurrently as its own cancellable subtask. The returned
// slice preserves the input order and is always a subset of the input.
// Buckets whose check fails keep all of their notes.
func (f *Filter) Run(ctx context.Context, run *tasks.Run, missionID string, outline *mission.Outline, notes []mission.Note) []mission.Note {
	if len(notes) == 0 {
		return nil
	}

	buckets := make(map[string][]mission.Note)
	var order []string
	for _, n := range notes {
		key := unassignedBucket
		if n.SectionID != "" && outline.Find(n.SectionID) != nil {
			key = n.SectionID
		}
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], n)
	}

	var mu sync.Mutex
	kept := make(map[string]bool, len(notes))

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range order {
		key := key
		bucket := buckets[key]
		g.Go(func() error {
			st := run.Track(gctx, "redundancy-bucket")
			defer st.Finish()
			ids := f.checkBucket(st.Context(), missionID, key, bucket)
			mu.Lock()
			for _, id := range ids {
				kept[id] = true
			}
			mu.Unlock()
			return nil
		})
	}
	// Bucket checks never return errors; Wait only orders the joins.
	_ = g.Wait()

	out := make([]mission.Note, 0, len(notes))
	for _, n := range notes {
		if kept[n.ID] {
			out = append(out, n)
		}
	}
	return out
}

// checkBucket returns the ids to keep from one bucket.
func (f *Filter) checkBucket(ctx context.Context, missionID, key string, bucket []mission.Note) []string {
	ids := make([]string, len(bucket))
	for i, n := range bucket {
		ids[i] = n.ID
	}
	if len(bucket) <= 1 {
		return ids
	}

	result, _, err := f.caller.Call(ctx, dispatch.CallSpec{
		Role:      "curator",
		Messages:  redundancyMessages(key, bucket),
		MaxTokens: 800,
		ForceJSON: true,
	})
	if err != nil {
		f.logger.Warn("Redundancy check failed, keeping bucket",
			zap.String("mission_id", missionID),
			zap.String("bucket", key),
			zap.Int("notes", len(bucket)),
			zap.Error(err))
		return ids
	}

	var reply struct {
		RedundantIDs []string `json:"redundant_ids"`
	}
	if err := result.Decode(&reply); err != nil {
		f.logger.Warn("Redundancy reply unreadable, keeping bucket",
			zap.String("mission_id", missionID),
			zap.String("bucket", key),
			zap.Error(err))
		return ids
	}

	owned := make(map[string]bool, len(ids))
	for _, id := range ids {
		owned[id] = true
	}
	discard := make(map[string]bool, len(reply.RedundantIDs))
	var unknown []string
	for _, id := range reply.RedundantIDs {
		if owned[id] {
			discard[id] = true
		} else {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		f.logger.Warn("Redundancy check named ids outside the bucket",
			zap.String("mission_id", missionID),
			zap.String("bucket", key),
			zap.Strings("ids", unknown))
	}

	keep := ids[:0]
	for _, id := range ids {
		if !discard[id] {
			keep = append(keep, id)
		}
	}
	return keep
}

func redundancyMessages(key string, bucket []mission.Note) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Notes grouped under %q:\n", key)
	for _, n := range bucket {
		fmt.Fprintf(&b, "[%s] %s\n", n.ID, n.Content)
	}
	b.WriteString("\nIdentify notes whose information is fully covered by another note in this group. " +
		"Respond with JSON: {\"redundant_ids\": [str]}. Return an empty list when every note adds something.")
	return []llm.Message{
		llm.System("You deduplicate research notes. Flag a note only when another note in the group carries all of its information."),
		llm.User(b.String()),
	}
}
