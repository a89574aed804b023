package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// kindDirs maps each media kind to its subdirectory under the media root.
var kindDirs = map[MediaKind]string{
	MediaImage:    "images",
	MediaAudio:    "audio",
	MediaVideo:    "video",
	MediaDocument: "documents",
}

// defaultExts supplies a file extension when the source URL has none.
var defaultExts = map[MediaKind]string{
	MediaImage:    "jpg",
	MediaAudio:    "mp3",
	MediaVideo:    "mp4",
	MediaDocument: "pdf",
}

// mediaFilename derives the stable on-disk name for an asset: the first
// 16 hex chars of the URL digest plus the URL's extension. Derived from
// the URL alone so a re-run lands on the same path and can skip the
// download when the file already exists.
func mediaFilename(rawURL string, kind MediaKind) string {
	sum := md5.Sum([]byte(rawURL))
	name := hex.EncodeToString(sum[:])[:16]

	ext := defaultExts[kind]
	if u, err := url.Parse(rawURL); err == nil {
		if e := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), ".")); e != "" && len(e) <= 5 {
			ext = e
		}
	}
	return name + "." + ext
}

// MediaFetcher downloads the assets the crawler discovered. Work is
// sliced per kind: each kind has its own pacing policy, request timeout
// and attempt ceiling. Within a kind, batches run through a small worker
// pool with a pause between batches.
type MediaFetcher struct {
	store   *Store
	cfg     *Config
	limiter *fetchLimiter
}

func NewMediaFetcher(store *Store, cfg *Config, limiter *fetchLimiter) *MediaFetcher {
	return &MediaFetcher{store: store, cfg: cfg, limiter: limiter}
}

// mediaResult is one download outcome flowing back from the worker pool.
// Database writes happen on the collecting side, never in workers.
type mediaResult struct {
	item      MediaItem
	localPath string
	filename  string
	skipped   bool
	err       error
}

// RunAll processes every kind in fetch order. limit bounds the number of
// assets per kind (0 means all pending).
func (f *MediaFetcher) RunAll(limit int, retryFailed bool) error {
	for _, kind := range mediaKinds {
		if err := f.Run(kind, limit, retryFailed); err != nil {
			return err
		}
	}
	return nil
}

// Run downloads pending assets of one kind until none remain under the
// attempt ceiling or limit is reached. Assets that fail come back in a
// later batch of the same run until their attempt count hits the
// ceiling, so every pass through the loop makes progress and the loop
// always terminates.
func (f *MediaFetcher) Run(kind MediaKind, limit int, retryFailed bool) error {
	policy := f.cfg.policyFor(kind)

	if retryFailed {
		n, err := f.store.ResetMediaErrors(kind)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("Reset failed downloads for retry", "kind", kind, "count", n)
		}
	}

	client := &http.Client{Timeout: time.Duration(policy.TimeoutSec) * time.Second}

	done, failed, skipped := 0, 0, 0
	firstBatch := true
	for {
		batchSize := policy.BatchSize
		if limit > 0 && limit-(done+failed+skipped) < batchSize {
			batchSize = limit - (done + failed + skipped)
		}
		if batchSize <= 0 {
			break
		}

		batch, err := f.store.PendingMedia(kind, policy.MaxAttempts, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		if !firstBatch {
			slog.Debug("Pausing between batches", "kind", kind, "seconds", policy.BatchPauseSec)
			time.Sleep(time.Duration(policy.BatchPauseSec) * time.Second)
		}
		firstBatch = false
		slog.Info("Downloading media batch", "kind", kind, "count", len(batch))

		for _, res := range f.runBatch(client, kind, policy, batch) {
			switch {
			case res.err != nil:
				failed++
				slog.Warn("Media download failed", "url", res.item.OriginalURL,
					"attempt", res.item.Attempts+1, "error", res.err)
				if derr := f.store.MarkMediaFailed(res.item.ID, res.err.Error()); derr != nil {
					return derr
				}
			case res.skipped:
				skipped++
				if derr := f.store.MarkMediaDownloaded(res.item.ID, res.localPath, res.filename); derr != nil {
					return derr
				}
			default:
				done++
				if derr := f.store.MarkMediaDownloaded(res.item.ID, res.localPath, res.filename); derr != nil {
					return derr
				}
			}
		}
	}

	slog.Info("Media pass finished", "kind", kind,
		"downloaded", done, "already_on_disk", skipped, "failed", failed)
	return nil
}

// runBatch fans one batch out over the worker pool and collects every
// outcome.
func (f *MediaFetcher) runBatch(client *http.Client, kind MediaKind, policy MediaPolicy, batch []MediaItem) []mediaResult {
	workers := f.cfg.Media.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(batch) {
		workers = len(batch)
	}

	jobs := make(chan MediaItem, len(batch))
	results := make(chan mediaResult, len(batch))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				results <- f.fetchOne(client, kind, policy, item)
			}
		}()
	}

	for _, item := range batch {
		jobs <- item
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]mediaResult, 0, len(batch))
	for res := range results {
		out = append(out, res)
	}
	return out
}

// fetchOne downloads a single asset to its derived path. An existing
// non-empty file at that path counts as downloaded without touching the
// network. The file is written to a temp name and renamed so a killed
// run never leaves a truncated asset behind.
func (f *MediaFetcher) fetchOne(client *http.Client, kind MediaKind, policy MediaPolicy, item MediaItem) mediaResult {
	filename := mediaFilename(item.OriginalURL, kind)
	localPath := filepath.Join(f.cfg.MediaDir, kindDirs[kind], filename)
	res := mediaResult{item: item, localPath: localPath, filename: filename}

	if info, err := os.Stat(localPath); err == nil && info.Size() > 0 {
		res.skipped = true
		return res
	}

	f.limiter.wait("media:"+string(kind), time.Duration(policy.DelayMs)*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(policy.TimeoutSec)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.OriginalURL, http.NoBody)
	if err != nil {
		res.err = fmt.Errorf("bad media URL: %w", err)
		return res
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Referer", f.cfg.BaseURL)

	resp, err := client.Do(req)
	if err != nil {
		res.err = fmt.Errorf("request failed: %w", err)
		return res
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode); err != nil {
		res.err = err
		return res
	}

	if err := writeFileAtomic(localPath, resp.Body); err != nil {
		res.err = err
		return res
	}
	slog.Debug("Downloaded media", "url", item.OriginalURL, "path", localPath)
	return res
}

func writeFileAtomic(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = errors.New("empty response body")
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}
