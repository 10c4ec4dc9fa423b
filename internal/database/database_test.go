package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsfeeder/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedFeed(t *testing.T, db *DB, url string) *model.Feed {
	t.Helper()
	ctx := context.Background()
	source, err := db.CreateSource(ctx, "Test Source "+url, "", "")
	require.NoError(t, err)
	feed, err := db.CreateFeed(ctx, source.ID, "Main Feed", "", url, model.FormatRSS)
	require.NoError(t, err)
	return feed
}

func TestCreateSource(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	source, err := db.CreateSource(ctx, "The Washington Post", "national paper", "https://washingtonpost.com")
	require.NoError(t, err)
	assert.Equal(t, "the-washington-post", source.Slug)
	assert.NotZero(t, source.ID)

	got, err := db.GetSourceBySlug(ctx, "the-washington-post")
	require.NoError(t, err)
	assert.Equal(t, source.ID, got.ID)

	_, err = db.CreateSource(ctx, "The Washington Post", "", "")
	assert.ErrorIs(t, err, ErrDuplicateSource)
}

func TestGetSourceNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetSourceBySlug(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateFeedDuplicateURL(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	source, err := db.CreateSource(ctx, "Example", "", "")
	require.NoError(t, err)

	feed, err := db.CreateFeed(ctx, source.ID, "Politics", "", "https://example.com/politics.rss", model.FormatRSS)
	require.NoError(t, err)
	assert.True(t, feed.Active)
	assert.Equal(t, "politics", feed.Slug)

	other, err := db.CreateSource(ctx, "Other", "", "")
	require.NoError(t, err)
	_, err = db.CreateFeed(ctx, other.ID, "Also Politics", "", "https://example.com/politics.rss", model.FormatRSS)
	assert.ErrorIs(t, err, ErrDuplicateFeed)
}

func TestCreateFeedRejectsUnknownFormat(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	source, err := db.CreateSource(ctx, "Example", "", "")
	require.NoError(t, err)
	_, err = db.CreateFeed(ctx, source.ID, "Bad", "", "https://example.com/bad", model.FeedFormat("json"))
	assert.Error(t, err)
}

func TestSetFeedActive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	feed := seedFeed(t, db, "https://example.com/a.rss")

	require.NoError(t, db.SetFeedActive(ctx, feed.ID, false))
	got, err := db.GetFeedByID(ctx, feed.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	active, err := db.ListActiveFeeds(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.ErrorIs(t, db.SetFeedActive(ctx, 9999, true), ErrNotFound)
}

func TestListActiveFeedsBySource(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a, err := db.CreateSource(ctx, "Alpha", "", "")
	require.NoError(t, err)
	b, err := db.CreateSource(ctx, "Beta", "", "")
	require.NoError(t, err)
	_, err = db.CreateFeed(ctx, a.ID, "One", "", "https://alpha.example/1", model.FormatRSS)
	require.NoError(t, err)
	_, err = db.CreateFeed(ctx, b.ID, "Two", "", "https://beta.example/2", model.FormatAtom)
	require.NoError(t, err)

	feeds, err := db.ListActiveFeeds(ctx, "beta")
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, "https://beta.example/2", feeds[0].URL)
}

func TestFeedPollBookkeeping(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	feed := seedFeed(t, db, "https://example.com/b.rss")

	require.NoError(t, db.UpdateFeedError(ctx, feed.ID, "fetch https://example.com/b.rss: connection refused"))
	got, err := db.GetFeedByID(ctx, feed.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "connection refused")
	assert.True(t, got.LastPolled.IsZero())

	polled := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.UpdateFeedPolled(ctx, feed.ID, polled))
	got, err = db.GetFeedByID(ctx, feed.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastError)
	assert.False(t, got.LastPolled.IsZero())
}

func TestCreateItemDuplicateLink(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	feed := seedFeed(t, db, "https://example.com/c.rss")

	item := &model.Item{
		SourceID: feed.SourceID,
		FeedID:   feed.ID,
		Title:    "Breaking News",
		Link:     "https://example.com/story-1",
		Summary:  "short",
		Tags:     []string{"politics", "economy"},
		Public:   true,
	}
	stored, created, err := db.CreateItem(ctx, item)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "breaking-news", stored.Slug)
	assert.Equal(t, model.ExtractionPending, stored.ExtractionState)

	// Same link again, even from a different feed, writes nothing.
	otherFeed := seedFeed(t, db, "https://example.com/d.rss")
	dup, created, err := db.CreateItem(ctx, &model.Item{
		SourceID: otherFeed.SourceID,
		FeedID:   otherFeed.ID,
		Title:    "Breaking News (syndicated)",
		Link:     "https://example.com/story-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, dup)

	exists, err := db.ItemLinkExists(ctx, "https://example.com/story-1")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := db.GetItemByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"economy", "politics"}, got.Tags)
}

func TestItemSlugMayCollide(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	feed := seedFeed(t, db, "https://example.com/e.rss")

	for _, link := range []string{"https://example.com/x", "https://example.com/y"} {
		_, created, err := db.CreateItem(ctx, &model.Item{
			SourceID: feed.SourceID,
			FeedID:   feed.ID,
			Title:    "Same Headline",
			Link:     link,
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	items, err := db.ListItems(ctx, ItemFilter{FeedID: feed.ID})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, items[0].Slug, items[1].Slug)
}

func TestListItemsFilters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	feed := seedFeed(t, db, "https://example.com/f.rss")

	for i, link := range []string{"https://example.com/p1", "https://example.com/p2", "https://example.com/p3"} {
		_, created, err := db.CreateItem(ctx, &model.Item{
			SourceID: feed.SourceID,
			FeedID:   feed.ID,
			Title:    "Story",
			Link:     link,
			Date:     time.Now().UTC().Add(time.Duration(i) * time.Minute),
			Public:   i != 0,
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	public, err := db.ListItems(ctx, ItemFilter{PublicOnly: true})
	require.NoError(t, err)
	assert.Len(t, public, 2)

	limited, err := db.ListItems(ctx, ItemFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	// Newest first.
	assert.Equal(t, "https://example.com/p3", limited[0].Link)
}

func TestExtractionStateTransitions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	feed := seedFeed(t, db, "https://example.com/g.rss")

	stored, _, err := db.CreateItem(ctx, &model.Item{
		SourceID: feed.SourceID,
		FeedID:   feed.ID,
		Title:    "Pending Story",
		Link:     "https://example.com/pending",
	})
	require.NoError(t, err)

	require.NoError(t, db.SetItemExtractionState(ctx, stored.ID, model.ExtractionDeferred))
	deferred, err := db.ListItemsByExtractionState(ctx, model.ExtractionDeferred, 0)
	require.NoError(t, err)
	require.Len(t, deferred, 1)
	assert.Equal(t, stored.ID, deferred[0].ID)

	require.NoError(t, db.SetItemExtractionState(ctx, stored.ID, model.ExtractionDone))
	deferred, err = db.ListItemsByExtractionState(ctx, model.ExtractionDeferred, 0)
	require.NoError(t, err)
	assert.Empty(t, deferred)
}

func TestGetOrCreateEntityTypeIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, err := db.GetOrCreateEntityType(ctx, "Person")
	require.NoError(t, err)
	second, err := db.GetOrCreateEntityType(ctx, "Person")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "person", first.Slug)
}

func TestEntitySlugDisambiguation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	org, err := db.GetOrCreateEntityType(ctx, "Organization")
	require.NoError(t, err)
	place, err := db.GetOrCreateEntityType(ctx, "Place")
	require.NoError(t, err)

	amazonOrg, err := db.GetOrCreateEntity(ctx, org, "Amazon")
	require.NoError(t, err)
	assert.Equal(t, "amazon", amazonOrg.Slug)

	// Same name under another type gets a disambiguated slug, not the same
	// row.
	amazonPlace, err := db.GetOrCreateEntity(ctx, place, "Amazon")
	require.NoError(t, err)
	assert.Equal(t, "amazon-place", amazonPlace.Slug)
	assert.NotEqual(t, amazonOrg.ID, amazonPlace.ID)

	// Re-reads resolve to the existing rows.
	again, err := db.GetOrCreateEntity(ctx, org, "Amazon")
	require.NoError(t, err)
	assert.Equal(t, amazonOrg.ID, again.ID)
	again, err = db.GetOrCreateEntity(ctx, place, "Amazon")
	require.NoError(t, err)
	assert.Equal(t, amazonPlace.ID, again.ID)
}

func TestLinkItemEntityIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	feed := seedFeed(t, db, "https://example.com/h.rss")

	stored, _, err := db.CreateItem(ctx, &model.Item{
		SourceID: feed.SourceID,
		FeedID:   feed.ID,
		Title:    "Entity Story",
		Link:     "https://example.com/entity-story",
	})
	require.NoError(t, err)

	person, err := db.GetOrCreateEntityType(ctx, "Person")
	require.NoError(t, err)
	jane, err := db.GetOrCreateEntity(ctx, person, "Jane Doe")
	require.NoError(t, err)

	require.NoError(t, db.LinkItemEntity(ctx, stored.ID, jane.ID))
	require.NoError(t, db.LinkItemEntity(ctx, stored.ID, jane.ID))

	linked, err := db.ListItemEntities(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "jane-doe", linked[0].Slug)
}

func TestListEntitiesByType(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	person, err := db.GetOrCreateEntityType(ctx, "Person")
	require.NoError(t, err)
	org, err := db.GetOrCreateEntityType(ctx, "Organization")
	require.NoError(t, err)
	_, err = db.GetOrCreateEntity(ctx, person, "Jane Doe")
	require.NoError(t, err)
	_, err = db.GetOrCreateEntity(ctx, org, "Acme Corp")
	require.NoError(t, err)

	people, err := db.ListEntities(ctx, "person")
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, "Jane Doe", people[0].Name)

	all, err := db.ListEntities(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEntitySlugCandidates(t *testing.T) {
	candidates := EntitySlugCandidates("Jane Doe", "person")
	require.GreaterOrEqual(t, len(candidates), 3)
	assert.Equal(t, "jane-doe", candidates[0])
	assert.Equal(t, "jane-doe-person", candidates[1])
	assert.Equal(t, "jane-doe-person-2", candidates[2])
}
