// Package ingest runs the feed ingestion pipeline: fetch, dedup, store,
// entity extraction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"newsfeeder/internal/database"
	"newsfeeder/internal/extract"
	"newsfeeder/internal/fetch"
	"newsfeeder/internal/model"
)

// DefaultConcurrency is the number of feed pipelines run in parallel per
// cycle when the backend can take it.
const DefaultConcurrency = 10

// ErrFeedInactive is returned when a single-feed run targets a deactivated
// feed. Inactive feeds are never polled.
var ErrFeedInactive = errors.New("feed is inactive")

// Scope restricts one cycle to a single feed or source. The zero value means
// all active feeds.
type Scope struct {
	FeedID     int64
	SourceSlug string
}

// Ingestor runs ingestion cycles over the feed registry.
type Ingestor struct {
	store       database.Store
	fetcher     *fetch.Fetcher
	dispatcher  *extract.Dispatcher
	concurrency int
	logger      *slog.Logger
}

// New wires an Ingestor. Concurrency is capped at 1 for backends that cannot
// take parallel writers.
func New(store database.Store, fetcher *fetch.Fetcher, dispatcher *extract.Dispatcher, concurrency int, logger *slog.Logger) *Ingestor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if !store.SupportsHighConcurrency() {
		concurrency = 1
	}
	return &Ingestor{
		store:       store,
		fetcher:     fetcher,
		dispatcher:  dispatcher,
		concurrency: concurrency,
		logger:      logger,
	}
}

// feedResult accounts for everything one feed's pipeline did.
type feedResult struct {
	created   int
	duplicate int
	linked    int
	deferred  int
}

// RunCycle runs one ingestion cycle over the scoped feeds. Per-feed fetch and
// parse failures are recorded in the summary and never abort sibling feeds;
// only storage faults abort the cycle.
func (in *Ingestor) RunCycle(ctx context.Context, scope Scope) (*model.CycleSummary, error) {
	started := time.Now()
	summary := &model.CycleSummary{
		RunID:             uuid.NewString(),
		StartedAt:         started.UTC(),
		ExtractionSkipped: !in.dispatcher.Enabled(),
	}

	feeds, err := in.scopedFeeds(ctx, scope)
	if err != nil {
		return nil, err
	}
	summary.FeedsAttempted = len(feeds)
	if len(feeds) == 0 {
		summary.Duration = time.Since(started)
		return summary, nil
	}

	in.logger.Info("ingestion cycle starting",
		"run_id", summary.RunID, "feeds", len(feeds), "concurrency", in.concurrency)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for i := range feeds {
		feed := feeds[i]
		g.Go(func() error {
			res, ferr := in.processFeed(gctx, feed)
			mu.Lock()
			defer mu.Unlock()
			if ferr != nil {
				var storageErr *storageError
				if errors.As(ferr, &storageErr) {
					// Storage unreachable is catastrophic; abort the cycle.
					return storageErr.err
				}
				summary.FeedsFailed = append(summary.FeedsFailed, model.FeedFailure{
					FeedID: feed.ID,
					URL:    feed.URL,
					Reason: ferr.Error(),
				})
				return nil
			}
			summary.ItemsCreated += res.created
			summary.ItemsDuplicate += res.duplicate
			summary.EntitiesLinked += res.linked
			summary.ExtractionDeferred += res.deferred
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("ingestion cycle aborted: %w", err)
	}

	summary.Duration = time.Since(started)
	in.logger.Info("ingestion cycle complete",
		"run_id", summary.RunID,
		"feeds", summary.FeedsAttempted,
		"failed", len(summary.FeedsFailed),
		"created", summary.ItemsCreated,
		"duplicate", summary.ItemsDuplicate,
		"entities_linked", summary.EntitiesLinked,
		"took", summary.Duration.Round(time.Millisecond))
	return summary, nil
}

// RetryDeferred re-runs entity extraction for items deferred by earlier
// cycles. limit bounds the batch; zero means no bound.
func (in *Ingestor) RetryDeferred(ctx context.Context, limit int) (int, error) {
	return in.dispatcher.ProcessDeferred(ctx, limit)
}

func (in *Ingestor) scopedFeeds(ctx context.Context, scope Scope) ([]model.Feed, error) {
	if scope.FeedID != 0 {
		feed, err := in.store.GetFeedByID(ctx, scope.FeedID)
		if err != nil {
			return nil, err
		}
		if !feed.Active {
			return nil, ErrFeedInactive
		}
		return []model.Feed{*feed}, nil
	}
	return in.store.ListActiveFeeds(ctx, scope.SourceSlug)
}

// storageError marks faults of the storage layer, which abort the cycle
// instead of being recorded as a per-feed failure.
type storageError struct {
	err error
}

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

// processFeed runs one feed through fetch → dedup → store → dispatch.
// Entries are processed sequentially within the feed.
func (in *Ingestor) processFeed(ctx context.Context, feed model.Feed) (feedResult, error) {
	var res feedResult

	entries, err := in.fetcher.Fetch(ctx, feed)
	if err != nil {
		if uerr := in.store.UpdateFeedError(ctx, feed.ID, err.Error()); uerr != nil {
			in.logger.Error("recording feed error failed", "feed_id", feed.ID, "error", uerr)
		}
		return res, err
	}

	for i := range entries {
		if ctx.Err() != nil {
			return res, &storageError{err: ctx.Err()}
		}
		created, linked, deferred, err := in.processEntry(ctx, feed, &entries[i])
		if err != nil {
			return res, &storageError{err: err}
		}
		if created {
			res.created++
			res.linked += linked
			res.deferred += deferred
		} else {
			res.duplicate++
		}
	}

	if err := in.store.UpdateFeedPolled(ctx, feed.ID, time.Now().UTC()); err != nil {
		return res, &storageError{err: err}
	}
	return res, nil
}

// processEntry persists one normalized entry and dispatches it for entity
// extraction. The pre-check against the link index is an optimization; the
// unique constraint on items.link is what resolves concurrent inserts.
func (in *Ingestor) processEntry(ctx context.Context, feed model.Feed, entry *fetch.Entry) (created bool, linked, deferred int, err error) {
	exists, err := in.store.ItemLinkExists(ctx, entry.Link)
	if err != nil {
		return false, 0, 0, err
	}
	if exists {
		return false, 0, 0, nil
	}

	content := entry.Body
	fullText := content != ""
	if content == "" {
		content = entry.Summary
	}
	item, ok, err := in.store.CreateItem(ctx, &model.Item{
		SourceID:   feed.SourceID,
		FeedID:     feed.ID,
		Title:      entry.Title,
		Date:       entry.Published,
		Link:       entry.Link,
		Summary:    entry.Summary,
		Content:    content,
		Tags:       entry.Tags,
		IsFullText: fullText,
		Public:     true,
	})
	if err != nil {
		return false, 0, 0, err
	}
	if !ok {
		// Lost the insert race to a concurrent run: success-as-duplicate.
		return false, 0, 0, nil
	}

	n, state, err := in.dispatcher.Process(ctx, item)
	if err != nil {
		return true, 0, 0, err
	}
	if state == model.ExtractionDeferred {
		deferred = 1
	}
	return true, n, deferred, nil
}
