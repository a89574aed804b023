package main

import "time"

// MediaKind classifies a discovered asset by how it was embedded and its
// file extension.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// mediaKinds lists every kind in the order the fetcher processes them:
// cheap assets first, large audio files last.
var mediaKinds = []MediaKind{MediaImage, MediaDocument, MediaVideo, MediaAudio}

// Post is one archived blog article. PostID is the md5 hex digest of the
// canonical source URL and never changes once assigned.
type Post struct {
	PostID          string
	URL             string
	Title           string
	Author          string
	Published       *time.Time
	RawHTML         string
	ContentText     string
	ContentMarkdown string
	Categories      []string
	Tags            []string
	ArchivedAt      time.Time

	// Populated by GetPost, empty on listing queries.
	Media    []MediaItem
	Comments []Comment
}

// MediaItem is one asset referenced by a post. (PostID, OriginalURL) is
// unique; the same asset linked from two posts gets one row per post.
type MediaItem struct {
	ID            int64
	PostID        string
	OriginalURL   string
	LocalPath     string
	Filename      string
	Kind          MediaKind
	AltText       string
	Caption       string
	Downloaded    bool
	DownloadError string
	Attempts      int
}

// Comment is a reader comment embedded in the post markup. Immutable once
// stored.
type Comment struct {
	ID      int64
	PostID  string
	Author  string
	Posted  *time.Time
	Content string
}

// Category is a label with a denormalized post count. The count always
// equals the number of posts currently linked to it.
type Category struct {
	ID        int64
	Name      string
	URL       string
	PostCount int
}

// AuthorCount pairs an author with their archived post count.
type AuthorCount struct {
	Name  string
	Posts int
}

// Crawl status values for CrawlProgress.
const (
	StatusInProgress = "in-progress"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// CrawlProgress is the per-target resume state. Cursor is the last listing
// page fully committed; it only ever moves forward.
type CrawlProgress struct {
	Target     string
	Cursor     int
	TotalPages int
	Status     string
	UpdatedAt  time.Time
}

// PageRecord remembers how many new posts a completed listing page
// contributed. The verifier uses these for gap detection.
type PageRecord struct {
	Page        int
	PostCount   int
	CompletedAt time.Time
}

// PostContent is the normalizer's output for one post document.
type PostContent struct {
	Title      string
	Author     string
	Published  *time.Time
	Text       string
	Markdown   string
	Media      []MediaRef
	Comments   []Comment
	Categories []CategoryRef
	Tags       []string
}

// MediaRef is a media reference discovered during parsing, before it
// becomes a MediaItem row.
type MediaRef struct {
	URL     string
	Kind    MediaKind
	AltText string
	Caption string
}

// CategoryRef carries a category label and its archive URL.
type CategoryRef struct {
	Name string
	URL  string
}

// VerifyReport is the integrity verifier's structured output.
type VerifyReport struct {
	GeneratedAt           time.Time                 `json:"generated_at"`
	CrawlStatus           string                    `json:"crawl_status"`
	Cursor                int                       `json:"cursor"`
	TotalPages            int                       `json:"total_pages"`
	TotalPosts            int                       `json:"total_posts"`
	PostsMissingContent   int                       `json:"posts_missing_content"`
	PostsWithPendingMedia int                       `json:"posts_with_pending_media"`
	TotalComments         int                       `json:"total_comments"`
	TotalCategories       int                       `json:"total_categories"`
	EarliestPost          string                    `json:"earliest_post,omitempty"`
	LatestPost            string                    `json:"latest_post,omitempty"`
	MediaByKind           map[string]MediaKindStats `json:"media_by_kind"`
	FileIssues            []MediaFileIssue          `json:"media_file_issues"`
	PaginationGaps        []PaginationGap           `json:"pagination_gaps"`
}

// MediaKindStats breaks one media kind down by download state. Failed
// counts assets that exhausted their retry ceiling.
type MediaKindStats struct {
	Total      int `json:"total"`
	Downloaded int `json:"downloaded"`
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
}

// MediaFileIssue flags a media row whose recorded local file is missing or
// empty despite downloaded being set.
type MediaFileIssue struct {
	MediaID int64  `json:"media_id"`
	Issue   string `json:"issue"`
	Path    string `json:"path"`
	URL     string `json:"url"`
}

// PaginationGap is a listing page that should have contributed posts but
// did not, or is absent from the completed-page records entirely.
type PaginationGap struct {
	Page   int    `json:"page"`
	Reason string `json:"reason"`
}
