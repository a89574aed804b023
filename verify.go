package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"
)

// Verifier inspects the archive read-only and reports everything that
// keeps it from being a faithful copy: posts with no normalized content,
// media still pending or past their retry ceiling, downloaded files
// missing from disk, and holes in the page record.
type Verifier struct {
	store  *Store
	cfg    *Config
	target string
}

func NewVerifier(store *Store, cfg *Config) *Verifier {
	return &Verifier{store: store, cfg: cfg, target: cfg.BaseURL}
}

// Report runs every check and assembles the result. It never mutates the
// archive; fixing what it finds is the job of the crawl and media
// commands.
func (v *Verifier) Report() (*VerifyReport, error) {
	report := &VerifyReport{
		GeneratedAt: time.Now().UTC(),
		CrawlStatus: "never-run",
		MediaByKind: map[string]MediaKindStats{},
	}

	prog, err := v.store.Progress(v.target)
	if err != nil {
		return nil, err
	}
	if prog != nil {
		report.CrawlStatus = prog.Status
		report.Cursor = prog.Cursor
		report.TotalPages = prog.TotalPages
	}

	if report.TotalPosts, err = v.store.CountPosts(); err != nil {
		return nil, err
	}
	if report.TotalComments, err = v.store.CountComments(); err != nil {
		return nil, err
	}
	if report.PostsMissingContent, err = v.store.PostsMissingContent(); err != nil {
		return nil, err
	}
	if report.PostsWithPendingMedia, err = v.store.PostsWithPendingMedia(); err != nil {
		return nil, err
	}

	cats, err := v.store.Categories()
	if err != nil {
		return nil, err
	}
	report.TotalCategories = len(cats)

	earliest, latest, err := v.store.DateRange()
	if err != nil {
		return nil, err
	}
	if earliest != nil {
		report.EarliestPost = earliest.Format("2006-01-02")
	}
	if latest != nil {
		report.LatestPost = latest.Format("2006-01-02")
	}

	ceilings := make(map[MediaKind]int, len(mediaKinds))
	for _, kind := range mediaKinds {
		ceilings[kind] = v.cfg.policyFor(kind).MaxAttempts
	}
	if report.MediaByKind, err = v.store.MediaStats(ceilings); err != nil {
		return nil, err
	}

	if report.FileIssues, err = v.checkFiles(); err != nil {
		return nil, err
	}
	if report.PaginationGaps, err = v.findGaps(report.Cursor); err != nil {
		return nil, err
	}

	return report, nil
}

// checkFiles confirms that every media row marked downloaded still has a
// non-empty file at its recorded path.
func (v *Verifier) checkFiles() ([]MediaFileIssue, error) {
	items, err := v.store.DownloadedMedia()
	if err != nil {
		return nil, err
	}

	var issues []MediaFileIssue
	for _, item := range items {
		info, err := os.Stat(item.LocalPath)
		switch {
		case err != nil:
			issues = append(issues, MediaFileIssue{
				MediaID: item.ID, Issue: "file missing",
				Path: item.LocalPath, URL: item.OriginalURL,
			})
		case info.Size() == 0:
			issues = append(issues, MediaFileIssue{
				MediaID: item.ID, Issue: "file empty",
				Path: item.LocalPath, URL: item.OriginalURL,
			})
		}
	}
	return issues, nil
}

// findGaps walks pages 1..cursor against the completed-page records.
// A page with no record means a crawl advanced past it without
// committing, which should be impossible; a recorded page with zero new
// posts is usually fine but worth a look when it sits between full
// pages. Gaps are reported, never repaired automatically.
func (v *Verifier) findGaps(cursor int) ([]PaginationGap, error) {
	records, err := v.store.PageRecords(v.target)
	if err != nil {
		return nil, err
	}

	byPage := make(map[int]PageRecord, len(records))
	for _, rec := range records {
		byPage[rec.Page] = rec
	}

	var gaps []PaginationGap
	for page := 1; page <= cursor; page++ {
		rec, ok := byPage[page]
		if !ok {
			gaps = append(gaps, PaginationGap{Page: page, Reason: "no completion record"})
			continue
		}
		if rec.PostCount == 0 {
			gaps = append(gaps, PaginationGap{Page: page, Reason: "no new posts"})
		}
	}
	return gaps, nil
}

// WriteJSON writes the report as indented JSON.
func (r *VerifyReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// Print logs a human-readable summary of the report.
func (r *VerifyReport) Print() {
	slog.Info("Archive status",
		"crawl", r.CrawlStatus, "cursor", r.Cursor, "total_pages", r.TotalPages,
		"posts", r.TotalPosts, "comments", r.TotalComments, "categories", r.TotalCategories)
	if r.EarliestPost != "" {
		slog.Info("Date range", "earliest", r.EarliestPost, "latest", r.LatestPost)
	}

	kinds := make([]string, 0, len(r.MediaByKind))
	for kind := range r.MediaByKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		stats := r.MediaByKind[kind]
		slog.Info("Media", "kind", kind, "total", stats.Total,
			"downloaded", stats.Downloaded, "pending", stats.Pending, "failed", stats.Failed)
	}

	if r.PostsMissingContent > 0 {
		slog.Warn("Posts with raw markup but no extracted content", "count", r.PostsMissingContent)
	}
	if r.PostsWithPendingMedia > 0 {
		slog.Warn("Posts with media not yet downloaded", "count", r.PostsWithPendingMedia)
	}
	for _, issue := range r.FileIssues {
		slog.Warn("Media file issue", "issue", issue.Issue, "path", issue.Path, "url", issue.URL)
	}
	for _, gap := range r.PaginationGaps {
		slog.Warn("Pagination gap", "page", gap.Page, "reason", gap.Reason)
	}
	if len(r.FileIssues) == 0 && len(r.PaginationGaps) == 0 &&
		r.PostsMissingContent == 0 && r.PostsWithPendingMedia == 0 {
		slog.Info("No integrity issues found")
	}
}
