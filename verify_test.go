package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestVerifyCleanArchive(t *testing.T) {
	store := setupTestStore(t)
	cfg := DefaultConfig()
	cfg.MediaDir = t.TempDir()
	cfg.BaseURL = "https://blog.example.org/"

	post := samplePost("https://blog.example.org/one.html")
	post.Comments = []Comment{{Author: "listener", Content: "nice"}}
	post.Categories = []string{"Mp3s"}
	post.Media = []MediaItem{{OriginalURL: "https://cdn.example.org/a.jpg", Kind: MediaImage}}
	if _, err := store.SavePost(post, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	localPath := filepath.Join(cfg.MediaDir, "images", "a.jpg")
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(localPath, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	media, _ := store.MediaForPost(post.PostID)
	if err := store.MarkMediaDownloaded(media[0].ID, localPath, "a.jpg"); err != nil {
		t.Fatal(err)
	}

	if err := store.AdvanceCursor(cfg.BaseURL, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := store.SetCrawlStatus(cfg.BaseURL, StatusComplete, 1); err != nil {
		t.Fatal(err)
	}

	report, err := NewVerifier(store, cfg).Report()
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	if report.CrawlStatus != StatusComplete || report.Cursor != 1 || report.TotalPages != 1 {
		t.Errorf("Unexpected crawl state in report: %+v", report)
	}
	if report.TotalPosts != 1 || report.TotalComments != 1 || report.TotalCategories != 1 {
		t.Errorf("Unexpected totals: %+v", report)
	}
	if report.PostsMissingContent != 0 || report.PostsWithPendingMedia != 0 {
		t.Errorf("Clean archive should have no content issues: %+v", report)
	}
	if len(report.FileIssues) != 0 || len(report.PaginationGaps) != 0 {
		t.Errorf("Clean archive should have no issues: %+v", report)
	}
	if report.EarliestPost != "2009-06-15" {
		t.Errorf("Unexpected earliest post %q", report.EarliestPost)
	}
	if stats := report.MediaByKind["image"]; stats.Total != 1 || stats.Downloaded != 1 {
		t.Errorf("Unexpected image stats %+v", stats)
	}
}

func TestVerifyFindsFileIssues(t *testing.T) {
	store := setupTestStore(t)
	cfg := DefaultConfig()
	cfg.MediaDir = t.TempDir()
	cfg.BaseURL = "https://blog.example.org/"

	post := samplePost("https://blog.example.org/one.html")
	post.Media = []MediaItem{
		{OriginalURL: "https://cdn.example.org/missing.jpg", Kind: MediaImage},
		{OriginalURL: "https://cdn.example.org/empty.jpg", Kind: MediaImage},
	}
	if _, err := store.SavePost(post, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	emptyPath := filepath.Join(cfg.MediaDir, "images", "empty.jpg")
	if err := os.MkdirAll(filepath.Dir(emptyPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(emptyPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	media, _ := store.MediaForPost(post.PostID)
	if err := store.MarkMediaDownloaded(media[0].ID, filepath.Join(cfg.MediaDir, "images", "missing.jpg"), "missing.jpg"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkMediaDownloaded(media[1].ID, emptyPath, "empty.jpg"); err != nil {
		t.Fatal(err)
	}

	report, err := NewVerifier(store, cfg).Report()
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if len(report.FileIssues) != 2 {
		t.Fatalf("Expected 2 file issues, got %+v", report.FileIssues)
	}
	issues := map[string]string{}
	for _, issue := range report.FileIssues {
		issues[issue.Issue] = issue.Path
	}
	if _, ok := issues["file missing"]; !ok {
		t.Errorf("Missing file not reported: %+v", report.FileIssues)
	}
	if _, ok := issues["file empty"]; !ok {
		t.Errorf("Empty file not reported: %+v", report.FileIssues)
	}
}

func TestVerifyFindsPaginationGaps(t *testing.T) {
	store := setupTestStore(t)
	cfg := DefaultConfig()
	cfg.MediaDir = t.TempDir()
	cfg.BaseURL = "https://blog.example.org/"

	// Pages 1 and 3 have records, page 2 does not; page 3 contributed
	// nothing.
	if err := store.AdvanceCursor(cfg.BaseURL, 1, 4); err != nil {
		t.Fatal(err)
	}
	if err := store.AdvanceCursor(cfg.BaseURL, 3, 0); err != nil {
		t.Fatal(err)
	}

	report, err := NewVerifier(store, cfg).Report()
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if len(report.PaginationGaps) != 2 {
		t.Fatalf("Expected 2 gaps, got %+v", report.PaginationGaps)
	}
	if report.PaginationGaps[0].Page != 2 || report.PaginationGaps[0].Reason != "no completion record" {
		t.Errorf("Unexpected first gap %+v", report.PaginationGaps[0])
	}
	if report.PaginationGaps[1].Page != 3 || report.PaginationGaps[1].Reason != "no new posts" {
		t.Errorf("Unexpected second gap %+v", report.PaginationGaps[1])
	}
}

func TestVerifyFindsMissingContent(t *testing.T) {
	store := setupTestStore(t)
	cfg := DefaultConfig()
	cfg.MediaDir = t.TempDir()

	broken := samplePost("https://blog.example.org/broken.html")
	broken.ContentText = ""
	broken.ContentMarkdown = ""
	if _, err := store.SavePost(broken, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	report, err := NewVerifier(store, cfg).Report()
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if report.PostsMissingContent != 1 {
		t.Errorf("Expected 1 post missing content, got %d", report.PostsMissingContent)
	}
	if report.CrawlStatus != "never-run" {
		t.Errorf("Expected never-run status, got %q", report.CrawlStatus)
	}
}

func TestVerifyReportJSON(t *testing.T) {
	store := setupTestStore(t)
	cfg := DefaultConfig()
	cfg.MediaDir = t.TempDir()

	report, err := NewVerifier(store, cfg).Report()
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	var buf bytes.Buffer
	if err := report.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	var decoded VerifyReport
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Report is not valid JSON: %v", err)
	}
	if decoded.CrawlStatus != report.CrawlStatus {
		t.Errorf("Round-tripped status mismatch: %q vs %q", decoded.CrawlStatus, report.CrawlStatus)
	}
}
