package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/feeds"
)

// exportPost is the JSON shape of one archived post, media and comments
// included. The raw markup is deliberately left out; exports are for
// reading the archive, not rebuilding it.
type exportPost struct {
	PostID     string          `json:"post_id"`
	URL        string          `json:"url"`
	Title      string          `json:"title"`
	Author     string          `json:"author,omitempty"`
	Published  *time.Time      `json:"published,omitempty"`
	ArchivedAt time.Time       `json:"archived_at"`
	Text       string          `json:"content_text,omitempty"`
	Markdown   string          `json:"content_markdown,omitempty"`
	Categories []string        `json:"categories,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Media      []exportMedia   `json:"media,omitempty"`
	Comments   []exportComment `json:"comments,omitempty"`
}

type exportMedia struct {
	URL        string    `json:"url"`
	Kind       MediaKind `json:"kind"`
	LocalPath  string    `json:"local_path,omitempty"`
	AltText    string    `json:"alt_text,omitempty"`
	Caption    string    `json:"caption,omitempty"`
	Downloaded bool      `json:"downloaded"`
}

type exportComment struct {
	Author  string     `json:"author,omitempty"`
	Posted  *time.Time `json:"posted,omitempty"`
	Content string     `json:"content"`
}

// ExportJSON streams the whole archive as one JSON document, newest post
// first.
func ExportJSON(store *Store, w io.Writer) error {
	posts, err := store.ListPosts(ListOptions{})
	if err != nil {
		return err
	}

	out := make([]exportPost, 0, len(posts))
	for _, summary := range posts {
		p, err := store.GetPost(summary.PostID)
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}

		rec := exportPost{
			PostID:     p.PostID,
			URL:        p.URL,
			Title:      p.Title,
			Author:     p.Author,
			Published:  p.Published,
			ArchivedAt: p.ArchivedAt,
			Text:       p.ContentText,
			Markdown:   p.ContentMarkdown,
			Categories: p.Categories,
			Tags:       p.Tags,
		}
		for _, m := range p.Media {
			rec.Media = append(rec.Media, exportMedia{
				URL:        m.OriginalURL,
				Kind:       m.Kind,
				LocalPath:  m.LocalPath,
				AltText:    m.AltText,
				Caption:    m.Caption,
				Downloaded: m.Downloaded,
			})
		}
		for _, c := range p.Comments {
			rec.Comments = append(rec.Comments, exportComment{
				Author: c.Author, Posted: c.Posted, Content: c.Content,
			})
		}

		out = append(out, rec)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	slog.Info("Exported archive", "posts", len(out))
	return nil
}

// WriteFeed renders the most recently archived posts as an Atom feed, so
// the archive itself can be followed like the blog once was.
func WriteFeed(store *Store, cfg *Config, limit int, w io.Writer) error {
	if limit <= 0 {
		limit = 25
	}
	posts, err := store.ListPosts(ListOptions{Limit: limit})
	if err != nil {
		return err
	}

	feed := &feeds.Feed{
		Title:       "WFMU Beware of the Blog (archived)",
		Link:        &feeds.Link{Href: cfg.BaseURL},
		Description: "Local archive of the WFMU freeform blog",
		Created:     time.Now(),
	}

	for _, p := range posts {
		item := &feeds.Item{
			Title:       p.Title,
			Link:        &feeds.Link{Href: p.URL},
			Id:          p.URL,
			Description: truncate(p.ContentText, 500),
			Created:     p.ArchivedAt,
		}
		if p.Author != "" {
			item.Author = &feeds.Author{Name: p.Author}
		}
		if p.Published != nil {
			item.Created = *p.Published
		}
		feed.Items = append(feed.Items, item)
	}

	if err := feed.WriteAtom(w); err != nil {
		return fmt.Errorf("failed to write feed: %w", err)
	}
	slog.Info("Generated feed", "items", len(feed.Items))
	return nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
