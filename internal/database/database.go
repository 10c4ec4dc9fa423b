package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"newsfeeder/internal/model"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
// Use ":memory:" for an in-memory database.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows one writer at a time, and an in-memory database exists
	// per connection. Pin the pool to a single connection.
	conn.SetMaxOpenConns(1)
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

// SupportsHighConcurrency returns false due to SQLite write locking.
func (db *DB) SupportsHighConcurrency() bool {
	return false
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		url TEXT NOT NULL UNIQUE,
		format TEXT NOT NULL DEFAULT 'rss',
		last_polled DATETIME,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(source_id, slug)
	);
	CREATE TABLE IF NOT EXISTS entity_types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type_id INTEGER NOT NULL REFERENCES entity_types(id),
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id INTEGER NOT NULL REFERENCES sources(id),
		feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		slug TEXT NOT NULL,
		date DATETIME NOT NULL,
		link TEXT NOT NULL UNIQUE,
		summary TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		is_full_text INTEGER NOT NULL DEFAULT 1,
		public INTEGER NOT NULL DEFAULT 1,
		allow_comments INTEGER NOT NULL DEFAULT 0,
		extraction_state TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS item_entities (
		item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
		entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		PRIMARY KEY (item_id, entity_id)
	);
	CREATE TABLE IF NOT EXISTS item_tags (
		item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
		tag TEXT NOT NULL,
		PRIMARY KEY (item_id, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_feeds_source_id ON feeds(source_id);
	CREATE INDEX IF NOT EXISTS idx_items_feed_id ON items(feed_id);
	CREATE INDEX IF NOT EXISTS idx_items_slug ON items(slug);
	CREATE INDEX IF NOT EXISTS idx_items_date ON items(date DESC);
	CREATE INDEX IF NOT EXISTS idx_items_extraction ON items(extraction_state);
	CREATE INDEX IF NOT EXISTS idx_entities_type_id ON entities(type_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

func sqliteIsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Source Methods ---

func (db *DB) CreateSource(ctx context.Context, name, description, url string) (*model.Source, error) {
	now := time.Now().UTC()
	s := &model.Source{
		Name:        name,
		Slug:        Slugify(name),
		Description: description,
		URL:         url,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO sources (name, slug, description, url, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		s.Name, s.Slug, s.Description, s.URL, s.CreatedAt, s.UpdatedAt)
	if sqliteIsUniqueViolation(err) {
		return nil, ErrDuplicateSource
	}
	if err != nil {
		return nil, err
	}
	s.ID, _ = res.LastInsertId()
	return s, nil
}

func (db *DB) GetSourceByID(ctx context.Context, id int64) (*model.Source, error) {
	return db.scanSource(db.conn.QueryRowContext(ctx,
		"SELECT id, name, slug, description, url, created_at, updated_at FROM sources WHERE id = ?", id))
}

func (db *DB) GetSourceBySlug(ctx context.Context, slug string) (*model.Source, error) {
	return db.scanSource(db.conn.QueryRowContext(ctx,
		"SELECT id, name, slug, description, url, created_at, updated_at FROM sources WHERE slug = ?", slug))
}

func (db *DB) scanSource(row *sql.Row) (*model.Source, error) {
	var s model.Source
	err := row.Scan(&s.ID, &s.Name, &s.Slug, &s.Description, &s.URL, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *DB) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, name, slug, description, url, created_at, updated_at FROM sources ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sources []model.Source
	for rows.Next() {
		var s model.Source
		if err := rows.Scan(&s.ID, &s.Name, &s.Slug, &s.Description, &s.URL, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// --- Feed Methods ---

func (db *DB) CreateFeed(ctx context.Context, sourceID int64, name, description, url string, format model.FeedFormat) (*model.Feed, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("invalid feed format %q", format)
	}
	now := time.Now().UTC()
	f := &model.Feed{
		SourceID:    sourceID,
		Name:        name,
		Slug:        Slugify(name),
		Description: description,
		Active:      true,
		URL:         url,
		Format:      format,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO feeds (source_id, name, slug, description, active, url, format, created_at, updated_at) VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)",
		f.SourceID, f.Name, f.Slug, f.Description, f.URL, string(f.Format), f.CreatedAt, f.UpdatedAt)
	if sqliteIsUniqueViolation(err) {
		return nil, ErrDuplicateFeed
	}
	if err != nil {
		return nil, err
	}
	f.ID, _ = res.LastInsertId()
	return f, nil
}

const feedColumns = "id, source_id, name, slug, description, active, url, format, last_polled, last_error, created_at, updated_at"

func (db *DB) GetFeedByID(ctx context.Context, id int64) (*model.Feed, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+feedColumns+" FROM feeds WHERE id = ?", id)
	f, err := scanFeedRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return f, err
}

func (db *DB) ListFeeds(ctx context.Context) ([]model.Feed, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+feedColumns+" FROM feeds ORDER BY source_id, name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFeeds(rows)
}

func (db *DB) ListActiveFeeds(ctx context.Context, sourceSlug string) ([]model.Feed, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if sourceSlug == "" {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+feedColumns+" FROM feeds WHERE active = 1 ORDER BY source_id, name")
	} else {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT f.id, f.source_id, f.name, f.slug, f.description, f.active, f.url, f.format, f.last_polled, f.last_error, f.created_at, f.updated_at "+
				"FROM feeds f JOIN sources s ON f.source_id = s.id WHERE f.active = 1 AND s.slug = ? ORDER BY f.name", sourceSlug)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFeeds(rows)
}

func (db *DB) SetFeedActive(ctx context.Context, feedID int64, active bool) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE feeds SET active = ?, updated_at = ? WHERE id = ?", active, time.Now().UTC(), feedID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) UpdateFeedPolled(ctx context.Context, feedID int64, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE feeds SET last_polled = ?, last_error = '', updated_at = ? WHERE id = ?", t, time.Now().UTC(), feedID)
	return err
}

func (db *DB) UpdateFeedError(ctx context.Context, feedID int64, msg string) error {
	if len(msg) > 200 {
		msg = msg[:200]
	}
	_, err := db.conn.ExecContext(ctx,
		"UPDATE feeds SET last_error = ?, updated_at = ? WHERE id = ?", msg, time.Now().UTC(), feedID)
	return err
}

func scanFeedRow(scan func(dest ...any) error) (*model.Feed, error) {
	var (
		f          model.Feed
		format     string
		lastPolled sql.NullTime
	)
	err := scan(&f.ID, &f.SourceID, &f.Name, &f.Slug, &f.Description, &f.Active, &f.URL, &format, &lastPolled, &f.LastError, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Format = model.FeedFormat(format)
	if lastPolled.Valid {
		f.LastPolled = lastPolled.Time
	}
	return &f, nil
}

func collectFeeds(rows *sql.Rows) ([]model.Feed, error) {
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeedRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// --- Item Methods ---

func (db *DB) ItemLinkExists(ctx context.Context, link string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, "SELECT 1 FROM items WHERE link = ?", link).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (db *DB) CreateItem(ctx context.Context, item *model.Item) (*model.Item, bool, error) {
	now := time.Now().UTC()
	stored := *item
	if stored.Slug == "" {
		stored.Slug = Slugify(stored.Title)
	}
	if stored.Date.IsZero() {
		stored.Date = now
	}
	if stored.ExtractionState == "" {
		stored.ExtractionState = model.ExtractionPending
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO items (source_id, feed_id, title, slug, date, link, summary, content, is_full_text, public, allow_comments, extraction_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(link) DO NOTHING`,
		stored.SourceID, stored.FeedID, stored.Title, stored.Slug, stored.Date, stored.Link,
		stored.Summary, stored.Content, stored.IsFullText, stored.Public, stored.AllowComments,
		string(stored.ExtractionState), stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		tx.Rollback()
		return nil, false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// A concurrent run won the insert race; nothing was written.
		tx.Rollback()
		return nil, false, nil
	}
	stored.ID, _ = res.LastInsertId()
	for _, tag := range stored.Tags {
		if strings.TrimSpace(tag) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO item_tags (item_id, tag) VALUES (?, ?)", stored.ID, tag); err != nil {
			tx.Rollback()
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &stored, true, nil
}

const itemColumns = "id, source_id, feed_id, title, slug, date, link, summary, content, is_full_text, public, allow_comments, extraction_state, created_at, updated_at"

func (db *DB) GetItemByID(ctx context.Context, id int64) (*model.Item, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	it, err := scanItemRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tags, err := db.ListItemTags(ctx, it.ID)
	if err != nil {
		return nil, err
	}
	it.Tags = tags
	return it, nil
}

func (db *DB) ListItems(ctx context.Context, f ItemFilter) ([]model.Item, error) {
	query := "SELECT i." + strings.ReplaceAll(itemColumns, ", ", ", i.") + " FROM items i"
	var (
		where []string
		args  []any
	)
	if f.SourceSlug != "" {
		query += " JOIN sources s ON i.source_id = s.id"
		where = append(where, "s.slug = ?")
		args = append(args, f.SourceSlug)
	}
	if f.FeedID != 0 {
		where = append(where, "i.feed_id = ?")
		args = append(args, f.FeedID)
	}
	if f.PublicOnly {
		where = append(where, "i.public = 1")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY i.date DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (db *DB) SetItemExtractionState(ctx context.Context, itemID int64, state model.ExtractionState) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE items SET extraction_state = ?, updated_at = ? WHERE id = ?",
		string(state), time.Now().UTC(), itemID)
	return err
}

func (db *DB) ListItemsByExtractionState(ctx context.Context, state model.ExtractionState, limit int) ([]model.Item, error) {
	query := "SELECT " + itemColumns + " FROM items WHERE extraction_state = ? ORDER BY date DESC"
	args := []any{string(state)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func scanItemRow(scan func(dest ...any) error) (*model.Item, error) {
	var (
		it    model.Item
		state string
	)
	err := scan(&it.ID, &it.SourceID, &it.FeedID, &it.Title, &it.Slug, &it.Date, &it.Link,
		&it.Summary, &it.Content, &it.IsFullText, &it.Public, &it.AllowComments, &state,
		&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	it.ExtractionState = model.ExtractionState(state)
	return &it, nil
}

func collectItems(rows *sql.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		it, err := scanItemRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// --- Entity Methods ---

func (db *DB) GetOrCreateEntityType(ctx context.Context, name string) (*model.EntityType, error) {
	typeSlug := Slugify(name)
	if et, err := db.getEntityTypeBySlug(ctx, typeSlug); err == nil {
		return et, nil
	} else if err != ErrNotFound {
		return nil, err
	}
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO entity_types (name, slug) VALUES (?, ?) ON CONFLICT(slug) DO NOTHING", name, typeSlug)
	if err != nil {
		return nil, err
	}
	// Re-read regardless of whether this insert or a concurrent one won.
	return db.getEntityTypeBySlug(ctx, typeSlug)
}

func (db *DB) getEntityTypeBySlug(ctx context.Context, slug string) (*model.EntityType, error) {
	var et model.EntityType
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, name, slug, description FROM entity_types WHERE slug = ?", slug).
		Scan(&et.ID, &et.Name, &et.Slug, &et.Description)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &et, nil
}

func (db *DB) GetOrCreateEntity(ctx context.Context, typ *model.EntityType, name string) (*model.Entity, error) {
	for _, candidate := range EntitySlugCandidates(name, typ.Slug) {
		e, err := db.getEntityBySlug(ctx, candidate)
		if err == nil {
			if e.TypeID == typ.ID {
				return e, nil
			}
			// Slug taken by an entity of another type; try the next
			// disambiguated candidate.
			continue
		}
		if err != ErrNotFound {
			return nil, err
		}
		now := time.Now().UTC()
		res, err := db.conn.ExecContext(ctx,
			"INSERT INTO entities (type_id, name, slug, created_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(slug) DO NOTHING",
			typ.ID, name, candidate, now, now)
		if err != nil {
			return nil, err
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			id, _ := res.LastInsertId()
			return &model.Entity{ID: id, TypeID: typ.ID, Name: name, Slug: candidate, CreatedAt: now, UpdatedAt: now}, nil
		}
		// Lost a creation race; the winner may or may not share our type.
		e, err = db.getEntityBySlug(ctx, candidate)
		if err == nil && e.TypeID == typ.ID {
			return e, nil
		}
		if err != nil && err != ErrNotFound {
			return nil, err
		}
	}
	return nil, fmt.Errorf("could not allocate slug for entity %q of type %q", name, typ.Slug)
}

func (db *DB) getEntityBySlug(ctx context.Context, slug string) (*model.Entity, error) {
	var e model.Entity
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, type_id, name, slug, description, created_at, updated_at FROM entities WHERE slug = ?", slug).
		Scan(&e.ID, &e.TypeID, &e.Name, &e.Slug, &e.Description, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (db *DB) LinkItemEntity(ctx context.Context, itemID, entityID int64) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO item_entities (item_id, entity_id) VALUES (?, ?)", itemID, entityID)
	return err
}

func (db *DB) ListEntities(ctx context.Context, typeSlug string) ([]model.Entity, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if typeSlug == "" {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT id, type_id, name, slug, description, created_at, updated_at FROM entities ORDER BY name")
	} else {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT e.id, e.type_id, e.name, e.slug, e.description, e.created_at, e.updated_at FROM entities e JOIN entity_types t ON e.type_id = t.id WHERE t.slug = ? ORDER BY e.name", typeSlug)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntities(rows)
}

func (db *DB) ListItemEntities(ctx context.Context, itemID int64) ([]model.Entity, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT e.id, e.type_id, e.name, e.slug, e.description, e.created_at, e.updated_at FROM entities e JOIN item_entities ie ON e.id = ie.entity_id WHERE ie.item_id = ? ORDER BY e.name", itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntities(rows)
}

func collectEntities(rows *sql.Rows) ([]model.Entity, error) {
	var entities []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.TypeID, &e.Name, &e.Slug, &e.Description, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (db *DB) ListItemTags(ctx context.Context, itemID int64) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT tag FROM item_tags WHERE item_id = ? ORDER BY tag", itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}
