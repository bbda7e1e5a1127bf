// Package feeds reads headline items from RSS 2.0 and Atom documents.
package feeds

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"eventdesk/internal/models"
)

// Item is one normalized headline handed to the pipeline.
type Item struct {
	Headline    string
	URL         string
	Source      string
	PublishedAt time.Time
	Body        string
}

type Source interface {
	Fetch(ctx context.Context, feed models.Feed) ([]Item, error)
}

type rssDoc struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

type atomDoc struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Summary   string     `xml:"summary"`
	Content   string     `xml:"content"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
}

const maxFeedBytes = 8 << 20

type HTTPSource struct {
	Client    *http.Client
	UserAgent string
}

func NewHTTPSource(timeout time.Duration, userAgent string) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: userAgent,
	}
}

func (s *HTTPSource) Fetch(ctx context.Context, feed models.Feed) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	return Parse(raw, feed.SourceName)
}

// Parse accepts an RSS 2.0 or Atom document. Items without a title or link
// are dropped.
func Parse(raw []byte, source string) ([]Item, error) {
	var rss rssDoc
	if err := xml.Unmarshal(raw, &rss); err == nil {
		if source == "" {
			source = strings.TrimSpace(rss.Channel.Title)
		}
		out := make([]Item, 0, len(rss.Channel.Items))
		for _, it := range rss.Channel.Items {
			item := Item{
				Headline:    strings.TrimSpace(it.Title),
				URL:         strings.TrimSpace(it.Link),
				Source:      source,
				PublishedAt: parseDate(it.PubDate),
				Body:        HTMLToText(it.Description),
			}
			if item.Headline != "" && item.URL != "" {
				out = append(out, item)
			}
		}
		return out, nil
	}

	var atom atomDoc
	if err := xml.Unmarshal(raw, &atom); err != nil {
		return nil, errors.New("document is neither rss nor atom")
	}
	if source == "" {
		source = strings.TrimSpace(atom.Title)
	}
	out := make([]Item, 0, len(atom.Entries))
	for _, e := range atom.Entries {
		body := e.Summary
		if body == "" {
			body = e.Content
		}
		published := e.Published
		if published == "" {
			published = e.Updated
		}
		item := Item{
			Headline:    strings.TrimSpace(e.Title),
			URL:         entryLink(e.Links),
			Source:      source,
			PublishedAt: parseDate(published),
			Body:        HTMLToText(body),
		}
		if item.Headline != "" && item.URL != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

func entryLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

// parseDate returns the zero time when no layout matches.
func parseDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// HTMLToText flattens an HTML fragment to whitespace-normalized text.
func HTMLToText(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
