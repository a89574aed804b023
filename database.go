package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrKeyCollision means a post ID maps to a different URL than the one
// already stored under it. This can only happen through data corruption or
// an md5 collision and always halts the run.
var ErrKeyCollision = errors.New("post key collision with differing URL")

// Store wraps the archive database. All writes are idempotent under retry;
// re-applying any write yields the same state as applying it once.
type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS posts (
		post_id TEXT PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		title TEXT,
		author TEXT,
		published_at TIMESTAMP,
		raw_html TEXT,
		content_text TEXT,
		content_markdown TEXT,
		tags TEXT,
		archived_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		url TEXT,
		post_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS post_categories (
		post_id TEXT NOT NULL,
		category_id INTEGER NOT NULL,
		UNIQUE(post_id, category_id)
	)`,
	`CREATE TABLE IF NOT EXISTS media (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		post_id TEXT NOT NULL,
		original_url TEXT NOT NULL,
		local_path TEXT,
		filename TEXT,
		media_type TEXT NOT NULL,
		alt_text TEXT,
		caption TEXT,
		downloaded BOOLEAN NOT NULL DEFAULT 0,
		download_error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		UNIQUE(post_id, original_url)
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		post_id TEXT NOT NULL,
		author TEXT,
		posted_at TIMESTAMP,
		content TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS crawl_progress (
		target TEXT PRIMARY KEY,
		cursor INTEGER NOT NULL DEFAULT 0,
		total_pages INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'in-progress',
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS crawl_pages (
		target TEXT NOT NULL,
		page INTEGER NOT NULL,
		post_count INTEGER NOT NULL DEFAULT 0,
		completed_at TIMESTAMP NOT NULL,
		PRIMARY KEY(target, page)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_published ON posts(published_at)`,
	`CREATE INDEX IF NOT EXISTS idx_media_post ON media(post_id)`,
	`CREATE INDEX IF NOT EXISTS idx_media_pending ON media(downloaded, media_type)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_post ON comments(post_id)`,
}

// OpenStore opens (creating if needed) the archive database at path.
// WAL mode lets the verifier and stats queries read while a crawl or
// download run is writing.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	slog.Debug("Database initialized", "path", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HasPost reports whether a post with this URL is already archived.
func (s *Store) HasPost(url string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM posts WHERE url = ?", url).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check post %s: %w", url, err)
	}
	return true, nil
}

// SavePost commits a post and everything it owns (media references,
// comments, category links) as one transaction. With refetch false an
// already-archived post is a no-op and SavePost returns created=false.
// With refetch true the post row is rewritten in place; media download
// state and stored comments are preserved.
func (s *Store) SavePost(p *Post, refetch bool) (created bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingURL string
	scanErr := tx.QueryRow("SELECT url FROM posts WHERE post_id = ?", p.PostID).Scan(&existingURL)
	switch {
	case scanErr == nil:
		if existingURL != p.URL {
			return false, fmt.Errorf("%w: key %s holds %s, got %s", ErrKeyCollision, p.PostID, existingURL, p.URL)
		}
		if !refetch {
			// Already archived; converting the re-insert to a no-op is
			// what makes crash-replayed pages safe.
			return false, nil
		}
	case scanErr != sql.ErrNoRows:
		return false, fmt.Errorf("failed to look up post key: %w", scanErr)
	}

	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return false, fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO posts (post_id, url, title, author, published_at, raw_html, content_text, content_markdown, tags, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(post_id) DO UPDATE SET
			title = excluded.title,
			author = excluded.author,
			published_at = excluded.published_at,
			raw_html = excluded.raw_html,
			content_text = excluded.content_text,
			content_markdown = excluded.content_markdown,
			tags = excluded.tags,
			archived_at = excluded.archived_at`,
		p.PostID, p.URL, nullIfEmpty(p.Title), nullIfEmpty(p.Author), nullTime(p.Published),
		p.RawHTML, nullIfEmpty(p.ContentText), nullIfEmpty(p.ContentMarkdown), string(tags), p.ArchivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to upsert post %s: %w", p.URL, err)
	}

	for _, m := range p.Media {
		// ON CONFLICT DO NOTHING keeps download state across refetches
		// and makes duplicate references within one post a single row.
		_, err = tx.Exec(`
			INSERT INTO media (post_id, original_url, media_type, alt_text, caption)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(post_id, original_url) DO NOTHING`,
			p.PostID, m.OriginalURL, string(m.Kind), m.AltText, m.Caption)
		if err != nil {
			return false, fmt.Errorf("failed to insert media %s: %w", m.OriginalURL, err)
		}
	}

	if scanErr == sql.ErrNoRows {
		// Comments are immutable once stored, so they are only written
		// when the post is first archived.
		for _, c := range p.Comments {
			_, err = tx.Exec(`
				INSERT INTO comments (post_id, author, posted_at, content)
				VALUES (?, ?, ?, ?)`,
				p.PostID, c.Author, nullTime(c.Posted), c.Content)
			if err != nil {
				return false, fmt.Errorf("failed to insert comment: %w", err)
			}
		}
	}

	for _, name := range p.Categories {
		_, err = tx.Exec(`
			INSERT INTO categories (name) VALUES (?)
			ON CONFLICT(name) DO NOTHING`, name)
		if err != nil {
			return false, fmt.Errorf("failed to upsert category %s: %w", name, err)
		}
		_, err = tx.Exec(`
			INSERT INTO post_categories (post_id, category_id)
			SELECT ?, id FROM categories WHERE name = ?
			ON CONFLICT(post_id, category_id) DO NOTHING`, p.PostID, name)
		if err != nil {
			return false, fmt.Errorf("failed to link category %s: %w", name, err)
		}
	}

	// Keep the denormalized counts equal to the join table at all times.
	_, err = tx.Exec(`
		UPDATE categories SET post_count =
			(SELECT COUNT(*) FROM post_categories WHERE category_id = categories.id)`)
	if err != nil {
		return false, fmt.Errorf("failed to refresh category counts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit post %s: %w", p.URL, err)
	}
	return scanErr == sql.ErrNoRows, nil
}

// SetCategoryURL records the archive URL for a category label.
func (s *Store) SetCategoryURL(name, url string) error {
	_, err := s.db.Exec("UPDATE categories SET url = ? WHERE name = ? AND (url IS NULL OR url = '')", url, name)
	if err != nil {
		return fmt.Errorf("failed to set category url: %w", err)
	}
	return nil
}

// GetPost fetches one post by key together with its media rows, comments
// and category labels. Returns nil when the key is unknown.
func (s *Store) GetPost(postID string) (*Post, error) {
	p := &Post{}
	var title, author, text, markdown, tags sql.NullString
	var published sql.NullTime
	err := s.db.QueryRow(`
		SELECT post_id, url, title, author, published_at, raw_html, content_text, content_markdown, tags, archived_at
		FROM posts WHERE post_id = ?`, postID).Scan(
		&p.PostID, &p.URL, &title, &author, &published, &p.RawHTML, &text, &markdown, &tags, &p.ArchivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch post %s: %w", postID, err)
	}
	p.Title, p.Author = title.String, author.String
	p.ContentText, p.ContentMarkdown = text.String, markdown.String
	if published.Valid {
		t := published.Time
		p.Published = &t
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &p.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for %s: %w", postID, err)
		}
	}

	if p.Media, err = s.MediaForPost(postID); err != nil {
		return nil, err
	}
	if p.Comments, err = s.CommentsForPost(postID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT c.name FROM categories c
		JOIN post_categories pc ON pc.category_id = c.id
		WHERE pc.post_id = ? ORDER BY c.name`, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch categories for %s: %w", postID, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		p.Categories = append(p.Categories, name)
	}
	return p, rows.Err()
}

// GetPostByURL is GetPost keyed by canonical URL.
func (s *Store) GetPostByURL(url string) (*Post, error) {
	return s.GetPost(postKey(url))
}

// MediaForPost returns the media rows owned by a post.
func (s *Store) MediaForPost(postID string) ([]MediaItem, error) {
	rows, err := s.db.Query(`
		SELECT id, post_id, original_url, COALESCE(local_path,''), COALESCE(filename,''), media_type,
		       COALESCE(alt_text,''), COALESCE(caption,''), downloaded, COALESCE(download_error,''), attempts
		FROM media WHERE post_id = ? ORDER BY id`, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch media for %s: %w", postID, err)
	}
	defer func() { _ = rows.Close() }()
	return scanMedia(rows)
}

// CommentsForPost returns the comments stored for a post, oldest first.
func (s *Store) CommentsForPost(postID string) ([]Comment, error) {
	rows, err := s.db.Query(`
		SELECT id, post_id, COALESCE(author,''), posted_at, COALESCE(content,'')
		FROM comments WHERE post_id = ? ORDER BY id`, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch comments for %s: %w", postID, err)
	}
	defer func() { _ = rows.Close() }()

	var comments []Comment
	for rows.Next() {
		var c Comment
		var posted sql.NullTime
		if err := rows.Scan(&c.ID, &c.PostID, &c.Author, &posted, &c.Content); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		if posted.Valid {
			t := posted.Time
			c.Posted = &t
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// ListOptions filter and page the post listing.
type ListOptions struct {
	Author   string
	Category string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// ListPosts returns post summaries (no raw markup, media or comments)
// newest first. A Limit of 0 or less means no limit.
func (s *Store) ListPosts(opts ListOptions) ([]Post, error) {
	query := `
		SELECT p.post_id, p.url, COALESCE(p.title,''), COALESCE(p.author,''), p.published_at,
		       COALESCE(p.content_text,''), COALESCE(p.content_markdown,''), p.archived_at
		FROM posts p`
	var where []string
	var args []any

	if opts.Category != "" {
		query += `
		JOIN post_categories pc ON pc.post_id = p.post_id
		JOIN categories c ON c.id = pc.category_id`
		where = append(where, "c.name = ?")
		args = append(args, opts.Category)
	}
	if opts.Author != "" {
		where = append(where, "p.author = ?")
		args = append(args, opts.Author)
	}
	if opts.From != nil {
		where = append(where, "p.published_at >= ?")
		args = append(args, *opts.From)
	}
	if opts.To != nil {
		where = append(where, "p.published_at <= ?")
		args = append(args, *opts.To)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY p.published_at DESC, p.archived_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPostSummaries(rows)
}

// SearchPosts runs a substring match over title, content and author,
// newest first. Full-text indexing lives outside the archiver; this is the
// query surface it builds from.
func (s *Store) SearchPosts(query string, limit int) ([]Post, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT post_id, url, COALESCE(title,''), COALESCE(author,''), published_at,
		       COALESCE(content_text,''), COALESCE(content_markdown,''), archived_at
		FROM posts
		WHERE title LIKE ? OR content_text LIKE ? OR author LIKE ?
		ORDER BY published_at DESC
		LIMIT ?`, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search posts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPostSummaries(rows)
}

// PendingMedia returns up to limit media rows of a kind that still need a
// download attempt: not downloaded, and below the attempt ceiling.
func (s *Store) PendingMedia(kind MediaKind, maxAttempts, limit int) ([]MediaItem, error) {
	query := `
		SELECT id, post_id, original_url, COALESCE(local_path,''), COALESCE(filename,''), media_type,
		       COALESCE(alt_text,''), COALESCE(caption,''), downloaded, COALESCE(download_error,''), attempts
		FROM media
		WHERE downloaded = 0 AND media_type = ? AND attempts < ?
		ORDER BY id`
	args := []any{string(kind), maxAttempts}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending media: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMedia(rows)
}

// MarkMediaDownloaded records a successful download and clears any prior
// error. Safe to re-apply.
func (s *Store) MarkMediaDownloaded(id int64, localPath, filename string) error {
	_, err := s.db.Exec(`
		UPDATE media SET downloaded = 1, local_path = ?, filename = ?, download_error = NULL
		WHERE id = ?`, localPath, filename, id)
	if err != nil {
		return fmt.Errorf("failed to mark media %d downloaded: %w", id, err)
	}
	return nil
}

// MarkMediaFailed records a failed attempt, bumping the attempt count.
func (s *Store) MarkMediaFailed(id int64, message string) error {
	_, err := s.db.Exec(`
		UPDATE media SET download_error = ?, attempts = attempts + 1
		WHERE id = ?`, message, id)
	if err != nil {
		return fmt.Errorf("failed to mark media %d failed: %w", id, err)
	}
	return nil
}

// ResetMediaErrors clears errors and attempt counts on undownloaded media
// so a later run retries them. Kind "" resets every kind.
func (s *Store) ResetMediaErrors(kind MediaKind) (int64, error) {
	query := "UPDATE media SET download_error = NULL, attempts = 0 WHERE downloaded = 0"
	var args []any
	if kind != "" {
		query += " AND media_type = ?"
		args = append(args, string(kind))
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset media errors: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Progress returns the crawl progress for a target, or nil before the
// first page has completed.
func (s *Store) Progress(target string) (*CrawlProgress, error) {
	p := &CrawlProgress{}
	err := s.db.QueryRow(`
		SELECT target, cursor, total_pages, status, updated_at
		FROM crawl_progress WHERE target = ?`, target).Scan(
		&p.Target, &p.Cursor, &p.TotalPages, &p.Status, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch crawl progress: %w", err)
	}
	return p, nil
}

// AdvanceCursor marks listing page `page` complete with `postCount` newly
// archived posts. The cursor is monotonic: an advance to a page at or
// below the stored cursor only records the page, never moves it back.
func (s *Store) AdvanceCursor(target string, page, postCount int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin cursor transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO crawl_pages (target, page, post_count, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(target, page) DO UPDATE SET
			post_count = excluded.post_count,
			completed_at = excluded.completed_at`,
		target, page, postCount, now)
	if err != nil {
		return fmt.Errorf("failed to record page %d: %w", page, err)
	}

	_, err = tx.Exec(`
		INSERT INTO crawl_progress (target, cursor, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(target) DO UPDATE SET
			cursor = MAX(crawl_progress.cursor, excluded.cursor),
			status = excluded.status,
			updated_at = excluded.updated_at`,
		target, page, StatusInProgress, now)
	if err != nil {
		return fmt.Errorf("failed to advance cursor to %d: %w", page, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cursor advance: %w", err)
	}
	return nil
}

// SetCrawlStatus records a terminal (or resumed) crawl state. totalPages
// below zero leaves the stored value alone.
func (s *Store) SetCrawlStatus(target, status string, totalPages int) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO crawl_progress (target, cursor, total_pages, status, updated_at)
		VALUES (?, 0, ?, ?, ?)
		ON CONFLICT(target) DO UPDATE SET
			total_pages = CASE WHEN ? >= 0 THEN ? ELSE crawl_progress.total_pages END,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		target, max(totalPages, 0), status, now, totalPages, totalPages)
	if err != nil {
		return fmt.Errorf("failed to set crawl status %s: %w", status, err)
	}
	return nil
}

// PageRecords returns the completed-page records for a target in page
// order.
func (s *Store) PageRecords(target string) ([]PageRecord, error) {
	rows, err := s.db.Query(`
		SELECT page, post_count, completed_at FROM crawl_pages
		WHERE target = ? ORDER BY page`, target)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []PageRecord
	for rows.Next() {
		var r PageRecord
		if err := rows.Scan(&r.Page, &r.PostCount, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan page record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountPosts returns the total number of archived posts.
func (s *Store) CountPosts() (int, error) {
	return s.countQuery("SELECT COUNT(*) FROM posts")
}

// CountComments returns the total number of stored comments.
func (s *Store) CountComments() (int, error) {
	return s.countQuery("SELECT COUNT(*) FROM comments")
}

// PostsMissingContent counts posts whose raw markup or normalized text is
// absent; these are the parse failures the verifier surfaces.
func (s *Store) PostsMissingContent() (int, error) {
	return s.countQuery(`
		SELECT COUNT(*) FROM posts
		WHERE raw_html IS NULL OR raw_html = ''
		   OR content_text IS NULL OR content_text = ''`)
}

// PostsWithPendingMedia counts posts owning at least one undownloaded
// media row.
func (s *Store) PostsWithPendingMedia() (int, error) {
	return s.countQuery(`
		SELECT COUNT(DISTINCT post_id) FROM media WHERE downloaded = 0`)
}

// MediaStats breaks media rows down by kind and download state. An asset
// counts as failed once its attempts reach the ceiling for its kind.
func (s *Store) MediaStats(ceilings map[MediaKind]int) (map[string]MediaKindStats, error) {
	stats := make(map[string]MediaKindStats)
	rows, err := s.db.Query(`
		SELECT media_type, downloaded, attempts, COUNT(*)
		FROM media GROUP BY media_type, downloaded, attempts`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch media stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var kind string
		var downloaded bool
		var attempts, n int
		if err := rows.Scan(&kind, &downloaded, &attempts, &n); err != nil {
			return nil, fmt.Errorf("failed to scan media stats: %w", err)
		}
		st := stats[kind]
		st.Total += n
		switch {
		case downloaded:
			st.Downloaded += n
		case attempts >= ceilings[MediaKind(kind)] && ceilings[MediaKind(kind)] > 0:
			st.Failed += n
		default:
			st.Pending += n
		}
		stats[kind] = st
	}
	return stats, rows.Err()
}

// TopAuthors returns authors with their post counts, most prolific
// first. A limit of 0 or less returns all of them.
func (s *Store) TopAuthors(limit int) ([]AuthorCount, error) {
	query := `
		SELECT author, COUNT(*) FROM posts
		WHERE author IS NOT NULL AND author != ''
		GROUP BY author ORDER BY COUNT(*) DESC, author`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch authors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var authors []AuthorCount
	for rows.Next() {
		var a AuthorCount
		if err := rows.Scan(&a.Name, &a.Posts); err != nil {
			return nil, fmt.Errorf("failed to scan author: %w", err)
		}
		authors = append(authors, a)
	}
	return authors, rows.Err()
}

// DateRange returns the earliest and latest published timestamps, or nils
// when no post carries a date.
func (s *Store) DateRange() (*time.Time, *time.Time, error) {
	// MIN()/MAX() results carry no column decltype, so the sqlite driver
	// returns them as raw strings; selecting the column directly keeps the
	// driver's TIMESTAMP-to-time.Time conversion.
	var earliest, latest sql.NullTime
	err := s.db.QueryRow(`
		SELECT published_at FROM posts
		WHERE published_at IS NOT NULL
		ORDER BY published_at ASC LIMIT 1`).Scan(&earliest)
	if err != nil && err != sql.ErrNoRows {
		return nil, nil, fmt.Errorf("failed to fetch date range: %w", err)
	}
	err = s.db.QueryRow(`
		SELECT published_at FROM posts
		WHERE published_at IS NOT NULL
		ORDER BY published_at DESC LIMIT 1`).Scan(&latest)
	if err != nil && err != sql.ErrNoRows {
		return nil, nil, fmt.Errorf("failed to fetch date range: %w", err)
	}
	var lo, hi *time.Time
	if earliest.Valid {
		t := earliest.Time
		lo = &t
	}
	if latest.Valid {
		t := latest.Time
		hi = &t
	}
	return lo, hi, nil
}

// PostsPerYear returns archived post counts keyed by publication year.
func (s *Store) PostsPerYear() (map[int]int, error) {
	rows, err := s.db.Query(`
		SELECT CAST(strftime('%Y', published_at) AS INTEGER), COUNT(*)
		FROM posts WHERE published_at IS NOT NULL
		GROUP BY 1 ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch posts per year: %w", err)
	}
	defer func() { _ = rows.Close() }()

	perYear := make(map[int]int)
	for rows.Next() {
		var year, n int
		if err := rows.Scan(&year, &n); err != nil {
			return nil, fmt.Errorf("failed to scan year count: %w", err)
		}
		perYear[year] = n
	}
	return perYear, rows.Err()
}

// Categories returns every category with its denormalized post count,
// busiest first.
func (s *Store) Categories() ([]Category, error) {
	rows, err := s.db.Query(`
		SELECT id, name, COALESCE(url,''), post_count FROM categories
		ORDER BY post_count DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cats []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.URL, &c.PostCount); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// DownloadedMedia returns every media row marked downloaded, for file
// verification.
func (s *Store) DownloadedMedia() ([]MediaItem, error) {
	rows, err := s.db.Query(`
		SELECT id, post_id, original_url, COALESCE(local_path,''), COALESCE(filename,''), media_type,
		       COALESCE(alt_text,''), COALESCE(caption,''), downloaded, COALESCE(download_error,''), attempts
		FROM media WHERE downloaded = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch downloaded media: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMedia(rows)
}

func (s *Store) countQuery(query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count query failed: %w", err)
	}
	return n, nil
}

func scanMedia(rows *sql.Rows) ([]MediaItem, error) {
	var items []MediaItem
	for rows.Next() {
		var m MediaItem
		var kind string
		if err := rows.Scan(&m.ID, &m.PostID, &m.OriginalURL, &m.LocalPath, &m.Filename, &kind,
			&m.AltText, &m.Caption, &m.Downloaded, &m.DownloadError, &m.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan media row: %w", err)
		}
		m.Kind = MediaKind(kind)
		items = append(items, m)
	}
	return items, rows.Err()
}

func scanPostSummaries(rows *sql.Rows) ([]Post, error) {
	var posts []Post
	for rows.Next() {
		var p Post
		var published sql.NullTime
		if err := rows.Scan(&p.PostID, &p.URL, &p.Title, &p.Author, &published,
			&p.ContentText, &p.ContentMarkdown, &p.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan post row: %w", err)
		}
		if published.Valid {
			t := published.Time
			p.Published = &t
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
