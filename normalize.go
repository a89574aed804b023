package main

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// postKey derives the stable post identity from its canonical URL.
func postKey(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// The blog ran on Typepad for its whole life, but templates changed over
// the years; each selector list is ordered newest to oldest.
var (
	titleSelectors   = []string{"h3.entry-header", "h3.title", "h2.entry-title"}
	authorSelectors  = []string{"span.vcard a", "span.byline a"}
	dateSelectors    = []string{"h2.date-header", "span.post-date"}
	contentSelectors = []string{"div.entry-body", "div.blogbody", "div.entry-content"}
)

var dateLayouts = []string{
	"January 2, 2006 at 03:04 PM",
	"January 2, 2006",
	"January 02, 2006",
	"2006-01-02",
}

var (
	audioExts = map[string]bool{"mp3": true, "m4a": true, "wav": true, "ogg": true, "flac": true, "aac": true}
	videoExts = map[string]bool{"mp4": true, "m4v": true, "mov": true, "avi": true, "webm": true, "mkv": true}
	docExts   = map[string]bool{"pdf": true, "doc": true, "docx": true, "ppt": true, "pps": true, "zip": true}
)

var (
	spaceRun   = regexp.MustCompile(`[ \t]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
	edgeSpace  = regexp.MustCompile(`(?m)^[ \t]+|[ \t]+$`)
)

var mdConverter = md.NewConverter("", true, nil)

// ParsePost normalizes one post document: raw markup in, plain text,
// markdown, media references, comments and labels out. It performs no I/O
// and is deterministic; the same input always yields byte-identical
// output.
func ParsePost(rawHTML, pageURL string) (*PostContent, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse markup: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid post URL %s: %w", pageURL, err)
	}

	content := &PostContent{}

	for _, sel := range titleSelectors {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			content.Title = t
			break
		}
	}
	for _, sel := range authorSelectors {
		if a := strings.TrimSpace(doc.Find(sel).First().Text()); a != "" {
			content.Author = a
			break
		}
	}
	for _, sel := range dateSelectors {
		if d := strings.TrimSpace(doc.Find(sel).First().Text()); d != "" {
			content.Published = parseDate(d)
			break
		}
	}

	body := findContent(doc)
	if body != nil {
		body.Find("script, style").Remove()

		content.Text = cleanText(blockText(body))

		if htmlStr, err := goquery.OuterHtml(body); err == nil {
			if markdown, err := mdConverter.ConvertString(htmlStr); err == nil {
				content.Markdown = strings.TrimSpace(markdown)
			}
		}

		content.Media = extractMedia(body, base)
	}

	content.Categories = extractCategories(doc, base)
	content.Tags = extractTags(doc)
	content.Comments = extractComments(doc)

	return content, nil
}

func findContent(doc *goquery.Document) *goquery.Selection {
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	return nil
}

// extractMedia scans embeddable-asset markup inside the post body. A URL
// referenced twice by the same post yields a single reference; document
// order of first sightings is preserved.
func extractMedia(body *goquery.Selection, base *url.URL) []MediaRef {
	var refs []MediaRef
	seen := make(map[string]bool)

	add := func(raw string, kind MediaKind, alt, caption string) {
		resolved := resolveURL(base, raw)
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		refs = append(refs, MediaRef{URL: resolved, Kind: kind, AltText: alt, Caption: caption})
	}

	body.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		alt, _ := s.Attr("alt")
		caption := strings.TrimSpace(s.Closest("figure").Find("figcaption").First().Text())
		add(src, MediaImage, alt, caption)
	})

	body.Find("audio, video").Each(func(_ int, s *goquery.Selection) {
		kind := MediaAudio
		if goquery.NodeName(s) == "video" {
			kind = MediaVideo
		}
		if src, ok := s.Attr("src"); ok {
			add(src, kind, "", "")
		}
		s.Find("source[src]").Each(func(_ int, src *goquery.Selection) {
			v, _ := src.Attr("src")
			add(v, kind, "", "")
		})
	})

	body.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if kind, ok := classifyHref(href); ok {
			add(href, kind, strings.TrimSpace(s.Text()), "")
		}
	})

	return refs
}

// classifyHref classifies a download-style link by its file extension.
// Image links are ignored here; inline <img> tags are the only image
// source worth archiving.
func classifyHref(href string) (MediaKind, bool) {
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
	switch {
	case audioExts[ext]:
		return MediaAudio, true
	case videoExts[ext]:
		return MediaVideo, true
	case docExts[ext]:
		return MediaDocument, true
	}
	return "", false
}

func extractCategories(doc *goquery.Document, base *url.URL) []CategoryRef {
	var cats []CategoryRef
	seen := make(map[string]bool)

	collect := func(_ int, s *goquery.Selection) {
		rel, _ := s.Attr("rel")
		if !strings.Contains(rel, "tag") {
			return
		}
		name := strings.TrimSpace(s.Text())
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		href, _ := s.Attr("href")
		cats = append(cats, CategoryRef{Name: name, URL: resolveURL(base, href)})
	}

	doc.Find("p.entry-footer a").Each(collect)
	doc.Find("p.postmetadata a").Each(collect)
	return cats
}

func extractTags(doc *goquery.Document) []string {
	keywords, _ := doc.Find(`meta[name="keywords"]`).First().Attr("content")
	var tags []string
	seen := make(map[string]bool)
	for _, t := range strings.Split(keywords, ",") {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags
}

// extractComments reads the Typepad comment blocks: each comment body div
// ends with a "Posted by: name | date" span.
func extractComments(doc *goquery.Document) []Comment {
	var comments []Comment
	doc.Find("div.comments-body").Each(func(_ int, s *goquery.Selection) {
		c := Comment{}

		byline := s.Find("span.comments-post").First()
		line := strings.TrimSpace(byline.Text())
		line = strings.TrimPrefix(line, "Posted by:")
		if name, date, ok := strings.Cut(line, "|"); ok {
			c.Author = strings.TrimSpace(name)
			c.Posted = parseDate(strings.TrimSpace(date))
		} else {
			c.Author = strings.TrimSpace(line)
		}

		clone := s.Clone()
		clone.Find("span.comments-post").Remove()
		c.Content = cleanText(blockText(clone))

		if c.Content != "" || c.Author != "" {
			comments = append(comments, c)
		}
	})
	return comments
}

// parseDate tries the date formats the blog used over its lifetime and
// returns nil when none match; a missing date is not an error.
func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// resolveURL resolves a possibly-relative reference against the post URL
// and drops anything that isn't http(s).
func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(u)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

// blockText renders a selection as text, inserting line breaks around
// block-level elements the way a browser would.
func blockText(sel *goquery.Selection) string {
	var b strings.Builder
	for _, n := range sel.Nodes {
		writeNodeText(n, &b)
	}
	return b.String()
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "ul": true,
	"ol": true, "table": true, "blockquote": true, "pre": true, "hr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

func writeNodeText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	block := n.Type == html.ElementNode && blockTags[n.Data]
	if block {
		b.WriteString("\n")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNodeText(c, b)
	}
	if block {
		b.WriteString("\n")
	}
}

// cleanText collapses runs of whitespace without destroying paragraph
// breaks, so repeated normalization of the same markup is byte-stable.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = spaceRun.ReplaceAllString(s, " ")
	s = edgeSpace.ReplaceAllString(s, "")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
