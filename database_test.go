package main

import (
	"errors"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	// Every new connection to :memory: is a fresh database, so pin the
	// pool to one.
	store.db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func samplePost(url string) *Post {
	published := time.Date(2009, 6, 15, 0, 0, 0, 0, time.UTC)
	return &Post{
		PostID:          postKey(url),
		URL:             url,
		Title:           "Mystery Tape Tuesday",
		Author:          "DJ Test",
		Published:       &published,
		RawHTML:         "<html><body>raw</body></html>",
		ContentText:     "A found cassette from a thrift store.",
		ContentMarkdown: "A found cassette from a thrift store.",
		Tags:            []string{"tapes", "found sound"},
		ArchivedAt:      time.Now().UTC(),
	}
}

func TestSavePostIdempotent(t *testing.T) {
	store := setupTestStore(t)
	post := samplePost("https://blog.example.org/2009/06/mystery-tape.html")

	created, err := store.SavePost(post, false)
	if err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	if !created {
		t.Error("First save should report created")
	}

	created, err = store.SavePost(post, false)
	if err != nil {
		t.Fatalf("Second save failed: %v", err)
	}
	if created {
		t.Error("Second save should be a no-op")
	}

	count, err := store.CountPosts()
	if err != nil {
		t.Fatalf("CountPosts failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 post, got %d", count)
	}
}

func TestSavePostNoOpIgnoresChanges(t *testing.T) {
	store := setupTestStore(t)
	post := samplePost("https://blog.example.org/post.html")
	if _, err := store.SavePost(post, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	changed := samplePost(post.URL)
	changed.Title = "A Different Title"
	if _, err := store.SavePost(changed, false); err != nil {
		t.Fatalf("Re-save failed: %v", err)
	}

	got, err := store.GetPost(post.PostID)
	if err != nil {
		t.Fatalf("GetPost failed: %v", err)
	}
	if got.Title != "Mystery Tape Tuesday" {
		t.Errorf("Non-refetch save must not modify the stored post, got title %q", got.Title)
	}
}

func TestSavePostRefetch(t *testing.T) {
	store := setupTestStore(t)
	url := "https://blog.example.org/post.html"

	post := samplePost(url)
	post.Media = []MediaItem{{OriginalURL: "https://cdn.example.org/a.jpg", Kind: MediaImage}}
	post.Comments = []Comment{{Author: "listener", Content: "great tape"}}
	if _, err := store.SavePost(post, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	media, err := store.MediaForPost(post.PostID)
	if err != nil {
		t.Fatalf("MediaForPost failed: %v", err)
	}
	if err := store.MarkMediaDownloaded(media[0].ID, "/tmp/a.jpg", "a.jpg"); err != nil {
		t.Fatalf("MarkMediaDownloaded failed: %v", err)
	}

	updated := samplePost(url)
	updated.Title = "Mystery Tape Tuesday (updated)"
	updated.Media = post.Media
	updated.Comments = []Comment{{Author: "someone else", Content: "should not appear"}}
	created, err := store.SavePost(updated, true)
	if err != nil {
		t.Fatalf("Refetch save failed: %v", err)
	}
	if created {
		t.Error("Refetch of an existing post should not report created")
	}

	got, err := store.GetPost(post.PostID)
	if err != nil {
		t.Fatalf("GetPost failed: %v", err)
	}
	if got.Title != "Mystery Tape Tuesday (updated)" {
		t.Errorf("Refetch should rewrite the post, got title %q", got.Title)
	}
	if len(got.Media) != 1 || !got.Media[0].Downloaded {
		t.Error("Refetch must preserve media download state")
	}
	if len(got.Comments) != 1 || got.Comments[0].Author != "listener" {
		t.Errorf("Refetch must not touch stored comments, got %+v", got.Comments)
	}
}

func TestSavePostKeyCollision(t *testing.T) {
	store := setupTestStore(t)
	post := samplePost("https://blog.example.org/one.html")
	if _, err := store.SavePost(post, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	imposter := samplePost("https://blog.example.org/two.html")
	imposter.PostID = post.PostID
	_, err := store.SavePost(imposter, false)
	if !errors.Is(err, ErrKeyCollision) {
		t.Errorf("Expected ErrKeyCollision, got %v", err)
	}
	_, err = store.SavePost(imposter, true)
	if !errors.Is(err, ErrKeyCollision) {
		t.Errorf("Refetch must also reject collisions, got %v", err)
	}
}

func TestMediaDeduplication(t *testing.T) {
	store := setupTestStore(t)
	assetURL := "https://cdn.example.org/shared.jpg"

	post := samplePost("https://blog.example.org/one.html")
	post.Media = []MediaItem{
		{OriginalURL: assetURL, Kind: MediaImage},
		{OriginalURL: assetURL, Kind: MediaImage},
	}
	if _, err := store.SavePost(post, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	media, err := store.MediaForPost(post.PostID)
	if err != nil {
		t.Fatalf("MediaForPost failed: %v", err)
	}
	if len(media) != 1 {
		t.Errorf("Duplicate reference in one post should yield 1 row, got %d", len(media))
	}

	other := samplePost("https://blog.example.org/two.html")
	other.Media = []MediaItem{{OriginalURL: assetURL, Kind: MediaImage}}
	if _, err := store.SavePost(other, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	otherMedia, err := store.MediaForPost(other.PostID)
	if err != nil {
		t.Fatalf("MediaForPost failed: %v", err)
	}
	if len(otherMedia) != 1 {
		t.Errorf("Same asset in a second post gets its own row, got %d", len(otherMedia))
	}
}

func TestPendingMediaAttemptCeiling(t *testing.T) {
	store := setupTestStore(t)
	post := samplePost("https://blog.example.org/post.html")
	post.Media = []MediaItem{{OriginalURL: "https://cdn.example.org/show.mp3", Kind: MediaAudio}}
	if _, err := store.SavePost(post, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	pending, err := store.PendingMedia(MediaAudio, 2, 0)
	if err != nil {
		t.Fatalf("PendingMedia failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending item, got %d", len(pending))
	}

	id := pending[0].ID
	for i := 0; i < 2; i++ {
		if err := store.MarkMediaFailed(id, "transient HTTP status 503"); err != nil {
			t.Fatalf("MarkMediaFailed failed: %v", err)
		}
	}

	pending, err = store.PendingMedia(MediaAudio, 2, 0)
	if err != nil {
		t.Fatalf("PendingMedia failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Item at the attempt ceiling must not be pending, got %d", len(pending))
	}

	n, err := store.ResetMediaErrors(MediaAudio)
	if err != nil {
		t.Fatalf("ResetMediaErrors failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 reset row, got %d", n)
	}
	pending, _ = store.PendingMedia(MediaAudio, 2, 0)
	if len(pending) != 1 {
		t.Errorf("Reset item should be pending again, got %d", len(pending))
	}
	if pending[0].Attempts != 0 || pending[0].DownloadError != "" {
		t.Errorf("Reset should clear attempts and error, got %+v", pending[0])
	}
}

func TestCursorMonotonic(t *testing.T) {
	store := setupTestStore(t)
	target := "https://blog.example.org/"

	for page := 1; page <= 3; page++ {
		if err := store.AdvanceCursor(target, page, 5); err != nil {
			t.Fatalf("AdvanceCursor(%d) failed: %v", page, err)
		}
	}
	// Replaying an earlier page must not move the cursor back.
	if err := store.AdvanceCursor(target, 1, 5); err != nil {
		t.Fatalf("AdvanceCursor replay failed: %v", err)
	}

	prog, err := store.Progress(target)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if prog == nil || prog.Cursor != 3 {
		t.Fatalf("Expected cursor 3, got %+v", prog)
	}
	if prog.Status != StatusInProgress {
		t.Errorf("Expected status %s, got %s", StatusInProgress, prog.Status)
	}

	records, err := store.PageRecords(target)
	if err != nil {
		t.Fatalf("PageRecords failed: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("Expected 3 page records, got %d", len(records))
	}
}

func TestSetCrawlStatus(t *testing.T) {
	store := setupTestStore(t)
	target := "https://blog.example.org/"

	prog, err := store.Progress(target)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if prog != nil {
		t.Fatal("Progress should be nil before any crawl")
	}

	if err := store.AdvanceCursor(target, 1, 3); err != nil {
		t.Fatalf("AdvanceCursor failed: %v", err)
	}
	if err := store.SetCrawlStatus(target, StatusComplete, 1); err != nil {
		t.Fatalf("SetCrawlStatus failed: %v", err)
	}

	prog, _ = store.Progress(target)
	if prog.Status != StatusComplete || prog.TotalPages != 1 || prog.Cursor != 1 {
		t.Errorf("Unexpected progress after completion: %+v", prog)
	}

	// totalPages below zero leaves the stored value alone.
	if err := store.SetCrawlStatus(target, StatusFailed, -1); err != nil {
		t.Fatalf("SetCrawlStatus failed: %v", err)
	}
	prog, _ = store.Progress(target)
	if prog.Status != StatusFailed || prog.TotalPages != 1 {
		t.Errorf("Unexpected progress after failure: %+v", prog)
	}
}

func TestCategoryCounts(t *testing.T) {
	store := setupTestStore(t)

	one := samplePost("https://blog.example.org/one.html")
	one.Categories = []string{"Mp3s", "Video"}
	two := samplePost("https://blog.example.org/two.html")
	two.Categories = []string{"Mp3s"}
	for _, p := range []*Post{one, two} {
		if _, err := store.SavePost(p, false); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if err := store.SetCategoryURL("Mp3s", "https://blog.example.org/mp3s/"); err != nil {
		t.Fatalf("SetCategoryURL failed: %v", err)
	}

	cats, err := store.Categories()
	if err != nil {
		t.Fatalf("Categories failed: %v", err)
	}
	byName := map[string]Category{}
	for _, c := range cats {
		byName[c.Name] = c
	}
	if byName["Mp3s"].PostCount != 2 {
		t.Errorf("Mp3s should count 2 posts, got %d", byName["Mp3s"].PostCount)
	}
	if byName["Video"].PostCount != 1 {
		t.Errorf("Video should count 1 post, got %d", byName["Video"].PostCount)
	}
	if byName["Mp3s"].URL != "https://blog.example.org/mp3s/" {
		t.Errorf("Unexpected category URL %q", byName["Mp3s"].URL)
	}
}

func TestListPostsFilters(t *testing.T) {
	store := setupTestStore(t)

	early := time.Date(2005, 3, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2012, 9, 1, 0, 0, 0, 0, time.UTC)

	one := samplePost("https://blog.example.org/one.html")
	one.Published = &early
	one.Author = "DJ Early"
	one.Categories = []string{"Mp3s"}
	two := samplePost("https://blog.example.org/two.html")
	two.Published = &late
	two.Author = "DJ Late"
	for _, p := range []*Post{one, two} {
		if _, err := store.SavePost(p, false); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	all, err := store.ListPosts(ListOptions{})
	if err != nil {
		t.Fatalf("ListPosts failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 posts, got %d", len(all))
	}
	if all[0].Author != "DJ Late" {
		t.Errorf("Posts should come back newest first, got %q first", all[0].Author)
	}

	byAuthor, _ := store.ListPosts(ListOptions{Author: "DJ Early"})
	if len(byAuthor) != 1 || byAuthor[0].URL != one.URL {
		t.Errorf("Author filter returned %+v", byAuthor)
	}

	byCat, _ := store.ListPosts(ListOptions{Category: "Mp3s"})
	if len(byCat) != 1 || byCat[0].URL != one.URL {
		t.Errorf("Category filter returned %+v", byCat)
	}

	from := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	byDate, _ := store.ListPosts(ListOptions{From: &from})
	if len(byDate) != 1 || byDate[0].URL != two.URL {
		t.Errorf("Date filter returned %+v", byDate)
	}
}

func TestSearchPosts(t *testing.T) {
	store := setupTestStore(t)

	post := samplePost("https://blog.example.org/one.html")
	post.Title = "365 Days Project"
	post.ContentText = "outsider music and strange vinyl"
	if _, err := store.SavePost(post, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	hits, err := store.SearchPosts("vinyl", 10)
	if err != nil {
		t.Fatalf("SearchPosts failed: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("Content search expected 1 hit, got %d", len(hits))
	}

	hits, _ = store.SearchPosts("365 Days", 10)
	if len(hits) != 1 {
		t.Errorf("Title search expected 1 hit, got %d", len(hits))
	}

	hits, _ = store.SearchPosts("theremin", 10)
	if len(hits) != 0 {
		t.Errorf("Expected no hits, got %d", len(hits))
	}
}

func TestTopAuthors(t *testing.T) {
	store := setupTestStore(t)

	for i, url := range []string{
		"https://blog.example.org/one.html",
		"https://blog.example.org/two.html",
		"https://blog.example.org/three.html",
	} {
		p := samplePost(url)
		if i < 2 {
			p.Author = "DJ Busy"
		} else {
			p.Author = "DJ Rare"
		}
		if _, err := store.SavePost(p, false); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	authors, err := store.TopAuthors(0)
	if err != nil {
		t.Fatalf("TopAuthors failed: %v", err)
	}
	if len(authors) != 2 {
		t.Fatalf("Expected 2 authors, got %d", len(authors))
	}
	if authors[0].Name != "DJ Busy" || authors[0].Posts != 2 {
		t.Errorf("Most prolific author should come first, got %+v", authors[0])
	}

	top, _ := store.TopAuthors(1)
	if len(top) != 1 {
		t.Errorf("Limit not applied, got %d authors", len(top))
	}
}

func TestMediaStats(t *testing.T) {
	store := setupTestStore(t)
	post := samplePost("https://blog.example.org/post.html")
	post.Media = []MediaItem{
		{OriginalURL: "https://cdn.example.org/a.jpg", Kind: MediaImage},
		{OriginalURL: "https://cdn.example.org/b.jpg", Kind: MediaImage},
		{OriginalURL: "https://cdn.example.org/show.mp3", Kind: MediaAudio},
	}
	if _, err := store.SavePost(post, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	media, _ := store.MediaForPost(post.PostID)
	if err := store.MarkMediaDownloaded(media[0].ID, "/tmp/a.jpg", "a.jpg"); err != nil {
		t.Fatalf("MarkMediaDownloaded failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.MarkMediaFailed(media[2].ID, "transient HTTP status 503"); err != nil {
			t.Fatalf("MarkMediaFailed failed: %v", err)
		}
	}

	stats, err := store.MediaStats(map[MediaKind]int{MediaImage: 3, MediaAudio: 2})
	if err != nil {
		t.Fatalf("MediaStats failed: %v", err)
	}
	img := stats["image"]
	if img.Total != 2 || img.Downloaded != 1 || img.Pending != 1 || img.Failed != 0 {
		t.Errorf("Unexpected image stats: %+v", img)
	}
	audio := stats["audio"]
	if audio.Total != 1 || audio.Failed != 1 {
		t.Errorf("Unexpected audio stats: %+v", audio)
	}

	pendingPosts, _ := store.PostsWithPendingMedia()
	if pendingPosts != 1 {
		t.Errorf("Expected 1 post with pending media, got %d", pendingPosts)
	}
}
