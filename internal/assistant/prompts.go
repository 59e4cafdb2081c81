package assistant

import (
	"embed"
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/blog/internal/content"
	"github.com/abdul-hamid-achik/blog/internal/llm"
	"github.com/abdul-hamid-achik/blog/internal/store"
)

//go:embed prompts/*.md
var promptFiles embed.FS

const (
	promptPersonality = "personality"
	promptPageContext = "page-context"

	// MaxHistoryTurns caps how much prior conversation reaches the model.
	MaxHistoryTurns = 50
)

type PromptParams struct {
	AuthorName      string
	AuthorLocation  string
	AuthorInterests string
	CurrentPageURL  string
}

func (p PromptParams) values() map[string]string {
	return map[string]string{
		"authorName":      p.AuthorName,
		"authorLocation":  p.AuthorLocation,
		"authorInterests": p.AuthorInterests,
		"currentPageUrl":  p.CurrentPageURL,
	}
}

// loadPrompt returns the template for locale, or the English one when
// the locale has none.
func loadPrompt(name string, locale string) (string, error) {
	locale = content.NormalizeLocale(locale)
	data, err := promptFiles.ReadFile(fmt.Sprintf("prompts/%s.%s.md", name, locale))
	if err != nil && locale != content.DefaultLocale {
		data, err = promptFiles.ReadFile(fmt.Sprintf("prompts/%s.%s.md", name, content.DefaultLocale))
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func fillParams(template string, params map[string]string) string {
	pairs := make([]string, 0, len(params)*2)
	for key, value := range params {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// SystemPrompt renders the personality prompt and, when the caller is on
// a page, the instructions for looking that page up.
func SystemPrompt(locale string, params PromptParams) string {
	values := params.values()
	personality, err := loadPrompt(promptPersonality, locale)
	if err != nil {
		personality = "You are a helpful assistant for a personal blog."
	}
	prompt := fillParams(personality, values)
	if params.CurrentPageURL == "" {
		return prompt
	}
	pageContext, err := loadPrompt(promptPageContext, locale)
	if err != nil {
		return prompt
	}
	return prompt + "\n\n" + fillParams(pageContext, values)
}

// BuildMessages assembles the model input for one user turn. Only user
// and assistant history is kept.
func BuildMessages(systemPrompt string, history []store.Message, userMessage string) []llm.Message {
	if len(history) > MaxHistoryTurns {
		history = history[len(history)-MaxHistoryTurns:]
	}
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, turn := range history {
		if turn.Role != store.RoleUser && turn.Role != store.RoleAssistant {
			continue
		}
		messages = append(messages, llm.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: userMessage})
}
