// Package database provides storage backends for the ingestion pipeline.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gosimple/slug"

	"newsfeeder/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateFeed is returned when a feed with the same URL already
	// exists in the registry.
	ErrDuplicateFeed = errors.New("feed URL already registered")
	// ErrDuplicateSource is returned when a source slug is already taken.
	ErrDuplicateSource = errors.New("source slug already registered")
)

// ItemFilter narrows ListItems results. Zero values mean "no filter".
type ItemFilter struct {
	FeedID     int64
	SourceSlug string
	PublicOnly bool
	Limit      int
}

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Source operations
	CreateSource(ctx context.Context, name, description, url string) (*model.Source, error)
	GetSourceByID(ctx context.Context, id int64) (*model.Source, error)
	GetSourceBySlug(ctx context.Context, slug string) (*model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)

	// Feed registry operations
	CreateFeed(ctx context.Context, sourceID int64, name, description, url string, format model.FeedFormat) (*model.Feed, error)
	GetFeedByID(ctx context.Context, id int64) (*model.Feed, error)
	ListFeeds(ctx context.Context) ([]model.Feed, error)
	// ListActiveFeeds returns feeds eligible for polling, optionally
	// restricted to one source by slug.
	ListActiveFeeds(ctx context.Context, sourceSlug string) ([]model.Feed, error)
	SetFeedActive(ctx context.Context, feedID int64, active bool) error
	// UpdateFeedPolled records a successful poll and clears last_error.
	UpdateFeedPolled(ctx context.Context, feedID int64, t time.Time) error
	UpdateFeedError(ctx context.Context, feedID int64, msg string) error

	// Item operations
	ItemLinkExists(ctx context.Context, link string) (bool, error)
	// CreateItem persists a new item atomically (row plus tags). The link
	// uniqueness constraint is the race-resolution mechanism: when another
	// run already inserted the same link, CreateItem reports created=false
	// and writes nothing.
	CreateItem(ctx context.Context, item *model.Item) (*model.Item, bool, error)
	GetItemByID(ctx context.Context, id int64) (*model.Item, error)
	ListItems(ctx context.Context, f ItemFilter) ([]model.Item, error)
	SetItemExtractionState(ctx context.Context, itemID int64, state model.ExtractionState) error
	ListItemsByExtractionState(ctx context.Context, state model.ExtractionState, limit int) ([]model.Item, error)

	// Entity catalog operations
	GetOrCreateEntityType(ctx context.Context, name string) (*model.EntityType, error)
	GetOrCreateEntity(ctx context.Context, typ *model.EntityType, name string) (*model.Entity, error)
	LinkItemEntity(ctx context.Context, itemID, entityID int64) error
	ListEntities(ctx context.Context, typeSlug string) ([]model.Entity, error)
	ListItemEntities(ctx context.Context, itemID int64) ([]model.Entity, error)
	ListItemTags(ctx context.Context, itemID int64) ([]string, error)
}

// Slugify normalizes a name into a URL-safe slug. Slugs are generated once at
// creation time and never regenerated on later edits.
func Slugify(s string) string {
	return slug.Make(s)
}

// EntitySlugCandidates returns the ordered slug candidates for a new entity.
// Entity slugs are unique globally rather than per type, so when the base
// slug is taken by an entity of another type the type slug and then a numeric
// suffix disambiguate.
func EntitySlugCandidates(name, typeSlug string) []string {
	base := Slugify(name)
	candidates := []string{base, base + "-" + typeSlug}
	for i := 2; i <= 9; i++ {
		candidates = append(candidates, fmt.Sprintf("%s-%s-%d", base, typeSlug, i))
	}
	return candidates
}
