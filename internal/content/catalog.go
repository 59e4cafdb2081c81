// Package content exposes the site's posts, paintings and pages to the
// assistant: a catalog read from the build manifest and a search over
// the indexed documents.
package content

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/abdul-hamid-achik/blog/internal/store"
)

type Kind string

const (
	KindPost     Kind = "Post"
	KindPainting Kind = "Painting"
	KindPage     Kind = "Page"
)

const DefaultLocale = "en"

// Locales are the path prefixes the site serves.
var Locales = []string{"en", "es", "ru"}

type Item struct {
	ID           string   `yaml:"id"`
	Kind         Kind     `yaml:"type"`
	Locale       string   `yaml:"locale"`
	Title        string   `yaml:"title"`
	Description  string   `yaml:"description"`
	Slug         string   `yaml:"slug"`
	SlugAsParams string   `yaml:"slugAsParams"`
	Tags         []string `yaml:"tags"`
	Author       string   `yaml:"author"`
	Year         int      `yaml:"year"`
	// Date is ISO 8601, so it orders lexically.
	Date   string `yaml:"date"`
	Public *bool  `yaml:"public"`
	Body   string `yaml:"body"`
}

// Visible reports whether the item may be shown. Posts are hidden only
// when explicitly marked non-public.
func (i Item) Visible() bool {
	return i.Public == nil || *i.Public
}

type manifest struct {
	Documents []Item `yaml:"documents"`
}

type TagCount struct {
	Tag   string
	Count int
}

// Catalog is an immutable, in-memory view of the site content.
type Catalog struct {
	items []Item
}

// LoadCatalog reads a manifest file. The file may be YAML or JSON. An
// empty path yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read content manifest: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var parsed manifest
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse content manifest: %w", err)
	}
	return NewCatalog(parsed.Documents), nil
}

func NewCatalog(items []Item) *Catalog {
	normalized := make([]Item, 0, len(items))
	for _, item := range items {
		if item.Locale == "" {
			item.Locale = DefaultLocale
		}
		if item.SlugAsParams == "" {
			item.SlugAsParams = slugAsParams(item.Slug)
		}
		if item.ID == "" {
			item.ID = item.Locale + ":" + item.Slug
		}
		normalized = append(normalized, item)
	}
	// Newest first, as the site lists them.
	sort.SliceStable(normalized, func(a, b int) bool {
		return normalized[a].Date > normalized[b].Date
	})
	return &Catalog{items: normalized}
}

func slugAsParams(slug string) string {
	parts := strings.Split(strings.Trim(slug, "/"), "/")
	if len(parts) > 1 {
		return strings.Join(parts[1:], "/")
	}
	return strings.Join(parts, "/")
}

func (c *Catalog) List(kind Kind, locale string) []Item {
	locale = NormalizeLocale(locale)
	out := []Item{}
	for _, item := range c.items {
		if item.Kind == kind && item.Locale == locale && item.Visible() {
			out = append(out, item)
		}
	}
	return out
}

// Find looks an item up by slug, trying an exact match before a loose one
// on slug or title.
func (c *Catalog) Find(kind Kind, locale string, slug string) (Item, bool) {
	items := c.List(kind, locale)
	slug = strings.Trim(slug, "/")
	if slug == "" {
		return Item{}, false
	}
	for _, item := range items {
		if item.SlugAsParams == slug || strings.Trim(item.Slug, "/") == slug || strings.HasSuffix(strings.Trim(item.Slug, "/"), "/"+slug) {
			return item, true
		}
	}
	if kind == KindPage {
		return Item{}, false
	}
	lowered := strings.ToLower(slug)
	for _, item := range items {
		if strings.Contains(item.SlugAsParams, slug) || strings.Contains(item.Slug, slug) || strings.Contains(strings.ToLower(item.Title), lowered) {
			return item, true
		}
	}
	return Item{}, false
}

// PopularTags counts tags across visible posts, most used first.
func (c *Catalog) PopularTags(locale string, limit int) []TagCount {
	counts := map[string]int{}
	for _, post := range c.List(KindPost, locale) {
		for _, tag := range post.Tags {
			counts[tag]++
		}
	}
	out := make([]TagCount, 0, len(counts))
	for tag, count := range counts {
		out = append(out, TagCount{Tag: tag, Count: count})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Count != out[b].Count {
			return out[a].Count > out[b].Count
		}
		return out[a].Tag < out[b].Tag
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Documents renders every visible item as a searchable document.
func (c *Catalog) Documents() []store.Document {
	docs := make([]store.Document, 0, len(c.items))
	for _, item := range c.items {
		if !item.Visible() {
			continue
		}
		parts := []string{item.Title}
		if item.Description != "" {
			parts = append(parts, item.Description)
		}
		if item.Body != "" {
			parts = append(parts, item.Body)
		}
		docs = append(docs, store.Document{
			ID:      item.ID,
			Content: strings.Join(parts, "\n\n"),
			Metadata: map[string]any{
				"type":   string(item.Kind),
				"locale": item.Locale,
				"slug":   item.Slug,
				"title":  item.Title,
			},
		})
	}
	return docs
}

func NormalizeLocale(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	for _, known := range Locales {
		if locale == known {
			return locale
		}
	}
	return DefaultLocale
}
