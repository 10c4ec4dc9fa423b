package extract

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"newsfeeder/internal/database"
	"newsfeeder/internal/model"
)

// DefaultMaxAttempts bounds how often one item's extraction call is retried
// within a single pass before the item is deferred.
const DefaultMaxAttempts = 4

// Dispatcher sends item text to a Recognizer and records the resulting
// entities. The recognizer is an explicit optional capability: a nil
// recognizer disables extraction, and items are marked skipped rather than
// retried later.
type Dispatcher struct {
	store       database.Store
	recognizer  Recognizer
	maxAttempts uint64
	logger      *slog.Logger
}

// NewDispatcher wires a dispatcher. recognizer may be nil.
func NewDispatcher(store database.Store, recognizer Recognizer, maxAttempts int, logger *slog.Logger) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Dispatcher{
		store:       store,
		recognizer:  recognizer,
		maxAttempts: uint64(maxAttempts),
		logger:      logger,
	}
}

// Enabled reports whether an extraction capability is configured.
func (d *Dispatcher) Enabled() bool {
	return d.recognizer != nil
}

// Process extracts entities for one persisted item and links them to it.
// It returns the number of entity associations made and the final extraction
// state recorded for the item. A capability failure after bounded retries
// defers the item instead of propagating; only storage faults are returned
// as errors.
func (d *Dispatcher) Process(ctx context.Context, item *model.Item) (int, model.ExtractionState, error) {
	if d.recognizer == nil {
		if err := d.store.SetItemExtractionState(ctx, item.ID, model.ExtractionSkipped); err != nil {
			return 0, "", err
		}
		return 0, model.ExtractionSkipped, nil
	}

	text := itemText(item)
	raw, err := d.recognize(ctx, text)
	if err != nil {
		d.logger.Warn("entity extraction deferred", "item_id", item.ID, "error", err)
		if serr := d.store.SetItemExtractionState(ctx, item.ID, model.ExtractionDeferred); serr != nil {
			return 0, "", serr
		}
		return 0, model.ExtractionDeferred, nil
	}

	linked := 0
	seen := make(map[string]struct{}, len(raw))
	for _, re := range raw {
		name := strings.TrimSpace(re.Name)
		typeName := strings.TrimSpace(re.Type)
		if name == "" || typeName == "" {
			continue
		}
		// The capability may report the same (name, type) tuple more than
		// once per document; the association is made once.
		key := database.Slugify(typeName) + "/" + database.Slugify(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		et, err := d.store.GetOrCreateEntityType(ctx, typeName)
		if err != nil {
			return linked, "", err
		}
		entity, err := d.store.GetOrCreateEntity(ctx, et, name)
		if err != nil {
			return linked, "", err
		}
		if err := d.store.LinkItemEntity(ctx, item.ID, entity.ID); err != nil {
			return linked, "", err
		}
		linked++
	}

	if err := d.store.SetItemExtractionState(ctx, item.ID, model.ExtractionDone); err != nil {
		return linked, "", err
	}
	return linked, model.ExtractionDone, nil
}

// ProcessDeferred re-runs extraction for items deferred by earlier cycles.
// limit bounds the batch; zero means no bound.
func (d *Dispatcher) ProcessDeferred(ctx context.Context, limit int) (int, error) {
	if d.recognizer == nil {
		return 0, nil
	}
	items, err := d.store.ListItemsByExtractionState(ctx, model.ExtractionDeferred, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for i := range items {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		_, state, err := d.Process(ctx, &items[i])
		if err != nil {
			return done, err
		}
		if state == model.ExtractionDone {
			done++
		}
	}
	return done, nil
}

// recognize calls the capability with exponential backoff, bounded by
// maxAttempts. Non-retryable responses stop immediately.
func (d *Dispatcher) recognize(ctx context.Context, text string) ([]RawEntity, error) {
	var out []RawEntity
	op := func() error {
		raw, err := d.recognizer.Recognize(ctx, text)
		if err != nil {
			return err
		}
		out = raw
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, d.maxAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// itemText concatenates the textual fields offered to the recognizer.
func itemText(item *model.Item) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{item.Title, item.Summary, item.Content} {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
