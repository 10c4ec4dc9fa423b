// Package model defines shared data structures.
package model

import "time"

// FeedFormat is the declared syndication format of a feed. Formats are
// declared per feed by the operator, never auto-sniffed.
type FeedFormat string

const (
	FormatRSS  FeedFormat = "rss"
	FormatAtom FeedFormat = "atom"
)

// Valid reports whether f is a known format.
func (f FeedFormat) Valid() bool {
	return f == FormatRSS || f == FormatAtom
}

// ExtractionState tracks what happened to an item in the entity extraction
// pass.
type ExtractionState string

const (
	// ExtractionPending means the item has not been offered to the
	// extraction capability yet.
	ExtractionPending ExtractionState = "pending"
	// ExtractionDone means entities were extracted and reconciled.
	ExtractionDone ExtractionState = "done"
	// ExtractionSkipped means no extraction credential is configured; the
	// item will not be revisited.
	ExtractionSkipped ExtractionState = "skipped"
	// ExtractionDeferred means the capability failed after bounded retries;
	// the item is picked up by a later retry pass.
	ExtractionDeferred ExtractionState = "deferred"
)

// Source is a publisher of news, like the Washington Post.
type Source struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Feed is a pollable RSS or ATOM endpoint belonging to a Source.
type Feed struct {
	ID          int64      `json:"id"`
	SourceID    int64      `json:"source_id"`
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	Description string     `json:"description,omitempty"`
	Active      bool       `json:"active"`
	URL         string     `json:"url"`
	Format      FeedFormat `json:"format"`
	LastPolled  time.Time  `json:"last_polled"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EntityType is a category of extracted entity, e.g. person or organization.
type EntityType struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
}

// Entity is a named thing recognized in item text. Slugs are unique across
// all entities regardless of type.
type Entity struct {
	ID          int64     `json:"id"`
	TypeID      int64     `json:"type_id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Item is one ingested article. Link is the natural dedup key and is unique
// across all items; Slug is derived from the title once at creation and may
// collide.
type Item struct {
	ID              int64           `json:"id"`
	SourceID        int64           `json:"source_id"`
	FeedID          int64           `json:"feed_id"`
	Title           string          `json:"title"`
	Slug            string          `json:"slug"`
	Date            time.Time       `json:"date"`
	Link            string          `json:"link"`
	Summary         string          `json:"summary,omitempty"`
	Content         string          `json:"content,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	IsFullText      bool            `json:"is_full_text"`
	Public          bool            `json:"public"`
	AllowComments   bool            `json:"allow_comments"`
	ExtractionState ExtractionState `json:"extraction_state"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// FeedFailure records why one feed's pipeline failed during a cycle.
type FeedFailure struct {
	FeedID int64  `json:"feed_id"`
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// CycleSummary is the structured result of one ingestion cycle. Every fetched
// entry is accounted for: stored, recognized as duplicate, or covered by a
// per-feed failure.
type CycleSummary struct {
	RunID              string        `json:"run_id"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	FeedsAttempted     int           `json:"feeds_attempted"`
	FeedsFailed        []FeedFailure `json:"feeds_failed"`
	ItemsCreated       int           `json:"items_created"`
	ItemsDuplicate     int           `json:"items_duplicate"`
	EntitiesLinked     int           `json:"entities_linked"`
	ExtractionSkipped  bool          `json:"extraction_skipped"`
	ExtractionDeferred int           `json:"extraction_deferred"`
}
