package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/abdul-hamid-achik/blog/internal/content"
	"github.com/abdul-hamid-achik/blog/internal/llm"
	"github.com/abdul-hamid-achik/blog/internal/observability"
	"github.com/abdul-hamid-achik/blog/internal/store"
)

type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]store.Document, error)
}

type toolFunc func(ctx context.Context, args json.RawMessage) (string, error)

type tool struct {
	definition llm.Tool
	run        toolFunc
}

// Toolbox holds the tools offered to the model for one request. Tools
// only read content; navigation tools do no I/O at all.
type Toolbox struct {
	catalog    *content.Catalog
	search     Searcher
	locale     string
	authorName string
	tools      map[string]tool
	order      []string
}

func NewToolbox(catalog *content.Catalog, search Searcher, locale string, authorName string) *Toolbox {
	if catalog == nil {
		catalog = content.NewCatalog(nil)
	}
	t := &Toolbox{
		catalog:    catalog,
		search:     search,
		locale:     content.NormalizeLocale(locale),
		authorName: authorName,
		tools:      map[string]tool{},
	}
	t.register("searchContent", "Search the blog content for relevant information about posts, paintings, and pages. Use this tool to find specific information before answering questions.",
		objectSchema(map[string]any{
			"query": stringProp("The search query to find relevant content"),
			"limit": numberProp("Maximum number of results to return"),
		}, "query"), t.searchContent)
	t.register("searchAuthorContent", fmt.Sprintf("Search for content by %s, the blog author. Use this to find his posts, thoughts, and writings.", authorName),
		objectSchema(map[string]any{
			"query": stringProp(fmt.Sprintf("Search query related to %s or his content", authorName)),
		}, "query"), t.searchAuthorContent)
	t.register("navigateToPost", "Provide a clickable navigation link to a specific blog post. Use when user wants to read a post.",
		objectSchema(map[string]any{"slug": stringProp("The post slug/URL path")}, "slug"), t.navigate("slug", "/posts/"))
	t.register("navigateToPainting", "Provide a clickable navigation link to a specific painting. Use when user wants to view a painting.",
		objectSchema(map[string]any{"slug": stringProp("The painting slug/URL path")}, "slug"), t.navigate("slug", "/paintings/"))
	t.register("navigateToTag", "Provide a clickable navigation link to view all content with a specific tag.",
		objectSchema(map[string]any{"tag": stringProp("The tag name")}, "tag"), t.navigate("tag", "/tags/"))
	t.register("listRecentPosts", "Get a list of recent blog posts with titles and summaries.",
		objectSchema(map[string]any{"limit": numberProp("Number of posts to return")}), t.listRecentPosts)
	t.register("listPaintings", "Get a list of paintings in the gallery.",
		objectSchema(map[string]any{"limit": numberProp("Number of paintings to return")}), t.listPaintings)
	t.register("listPopularTags", "Get a list of popular/available tags in the blog.",
		objectSchema(map[string]any{}), t.listPopularTags)
	t.register("getCurrentPageContent", `Get detailed information about the page the user is currently viewing. Use this when the user asks about "this post", "this painting", or "the current page". You must use the exact currentPageUrl provided in the system prompt, not generic URLs like "/current-page".`,
		objectSchema(map[string]any{"url": stringProp("The current page URL path, exactly as given in the system prompt")}, "url"), t.currentPageContent)
	return t
}

func (t *Toolbox) register(name string, description string, schema map[string]any, run toolFunc) {
	t.tools[name] = tool{
		definition: llm.Tool{Name: name, Description: description, Parameters: schema},
		run:        run,
	}
	t.order = append(t.order, name)
}

func (t *Toolbox) Definitions() []llm.Tool {
	if t == nil {
		return nil
	}
	out := make([]llm.Tool, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.tools[name].definition)
	}
	return out
}

// Run executes one tool call. Failures come back as text for the model
// instead of aborting the turn.
func (t *Toolbox) Run(ctx context.Context, call llm.ToolCall) string {
	entry, ok := t.tools[call.Name]
	if !ok {
		return fmt.Sprintf("Unknown tool %q.", call.Name)
	}
	args := json.RawMessage(call.Arguments)
	if strings.TrimSpace(call.Arguments) == "" {
		args = json.RawMessage("{}")
	}
	output, err := entry.run(ctx, args)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("tool call failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Error running %s: the tool could not complete. Answer with what you already know.", call.Name)
	}
	return output
}

func (t *Toolbox) searchContent(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Query string  `json:"query"`
		Limit float64 `json:"limit"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	return t.searchFormatted(ctx, args.Query, defaultLimit(int(args.Limit)), "No relevant content found.")
}

func (t *Toolbox) searchAuthorContent(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	return t.searchFormatted(ctx, t.authorName+" "+args.Query, 5, fmt.Sprintf("No content found by %s matching that query.", t.authorName))
}

func (t *Toolbox) searchFormatted(ctx context.Context, query string, limit int, none string) (string, error) {
	if t.search == nil {
		return none, nil
	}
	results, err := t.search.Search(ctx, strings.TrimSpace(query), limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return none, nil
	}
	parts := make([]string, 0, len(results))
	for i, doc := range results {
		parts = append(parts, fmt.Sprintf("[Result %d]\n%s\n---", i+1, doc.Content))
	}
	return strings.Join(parts, "\n\n"), nil
}

func (t *Toolbox) navigate(field string, prefix string) toolFunc {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args map[string]any
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		value, _ := args[field].(string)
		value = strings.Trim(strings.TrimSpace(value), "/")
		value = strings.TrimPrefix(value, strings.Trim(prefix, "/")+"/")
		if value == "" {
			return "", fmt.Errorf("%s is required", field)
		}
		return fmt.Sprintf("[NAVIGATE:%s%s]", prefix, value), nil
	}
}

func (t *Toolbox) listRecentPosts(ctx context.Context, raw json.RawMessage) (string, error) {
	limit, err := limitArg(raw)
	if err != nil {
		return "", err
	}
	posts := take(t.catalog.List(content.KindPost, t.locale), limit)
	if len(posts) == 0 {
		return "No posts found.", nil
	}
	parts := make([]string, 0, len(posts))
	for _, post := range posts {
		parts = append(parts, fmt.Sprintf("- **%s** [NAVIGATE:%s]\n  %s", post.Title, post.Slug, orDefault(post.Description, "No description")))
	}
	return strings.Join(parts, "\n\n"), nil
}

func (t *Toolbox) listPaintings(ctx context.Context, raw json.RawMessage) (string, error) {
	limit, err := limitArg(raw)
	if err != nil {
		return "", err
	}
	paintings := take(t.catalog.List(content.KindPainting, t.locale), limit)
	if len(paintings) == 0 {
		return "No paintings found.", nil
	}
	parts := make([]string, 0, len(paintings))
	for _, painting := range paintings {
		parts = append(parts, fmt.Sprintf("- **%s** by %s [NAVIGATE:%s]\n  %s", painting.Title, orDefault(painting.Author, "Unknown"), painting.Slug, orDefault(painting.Description, "No description")))
	}
	return strings.Join(parts, "\n\n"), nil
}

func (t *Toolbox) listPopularTags(ctx context.Context, raw json.RawMessage) (string, error) {
	tags := t.catalog.PopularTags(t.locale, 10)
	if len(tags) == 0 {
		return "No tags found.", nil
	}
	lines := make([]string, 0, len(tags))
	for _, tag := range tags {
		lines = append(lines, fmt.Sprintf("- %s (%d posts) [NAVIGATE:/tags/%s]", tag.Tag, tag.Count, tag.Tag))
	}
	return strings.Join(lines, "\n"), nil
}

func (t *Toolbox) currentPageContent(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	url := args.URL
	parts := splitPath(url)
	if len(parts) == 0 {
		return "User is on the homepage.", nil
	}
	for _, locale := range content.Locales {
		if parts[0] == locale {
			parts = parts[1:]
			break
		}
	}
	if len(parts) == 0 {
		return "User is on the homepage.", nil
	}
	section := parts[0]
	slug := strings.Join(parts[1:], "/")

	var (
		item  content.Item
		found bool
	)
	switch {
	case section == "posts" && slug != "":
		item, found = t.catalog.Find(content.KindPost, t.locale, slug)
	case section == "paintings" && slug != "":
		item, found = t.catalog.Find(content.KindPainting, t.locale, slug)
	default:
		item, found = t.catalog.Find(content.KindPage, t.locale, section)
	}
	if found {
		return describeItem(item), nil
	}

	query := slug
	if query == "" {
		query = section
	}
	if t.search != nil {
		results, err := t.search.Search(ctx, query, 1)
		if err != nil {
			observability.LoggerFromContext(ctx).Warn("page lookup search failed", "error", err)
		} else if len(results) > 0 {
			return fmt.Sprintf("User is viewing a page at %s. Found related content: %s...", url, truncate(results[0].Content, 200)), nil
		}
	}
	kind := "a " + section + " page"
	if section == "about" {
		kind = "the About page"
	}
	return fmt.Sprintf("User is currently viewing the %s at %s. This appears to be %s on %s's blog.", section, url, kind, t.authorName), nil
}

func describeItem(item content.Item) string {
	lines := []string{fmt.Sprintf("**Current Page: %s**", item.Title)}
	if item.Description != "" {
		lines = append(lines, "Description: "+item.Description)
	}
	if item.Kind != "" {
		lines = append(lines, "Type: "+string(item.Kind))
	}
	if item.Author != "" {
		lines = append(lines, "Author: "+item.Author)
	}
	if item.Year != 0 {
		lines = append(lines, fmt.Sprintf("Year: %d", item.Year))
	}
	if len(item.Tags) > 0 {
		lines = append(lines, "Tags: "+strings.Join(item.Tags, ", "))
	}
	if item.Body != "" {
		lines = append(lines, "\nContent:\n"+truncate(item.Body, 1000)+"...")
	}
	return strings.Join(lines, "\n")
}

func splitPath(url string) []string {
	if idx := strings.IndexAny(url, "?#"); idx >= 0 {
		url = url[:idx]
	}
	parts := []string{}
	for _, part := range strings.Split(url, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func limitArg(raw json.RawMessage) (int, error) {
	var args struct {
		Limit float64 `json:"limit"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return 0, err
	}
	return defaultLimit(int(args.Limit)), nil
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 5
	}
	if limit > 20 {
		return 20
	}
	return limit
}

func take(items []content.Item, limit int) []content.Item {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

func orDefault(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func numberProp(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}
