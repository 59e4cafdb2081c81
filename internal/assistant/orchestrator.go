// Package assistant runs one chat turn against the model: it offers the
// content tools, executes the calls the model makes and falls back to a
// written answer when the model returns nothing.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/abdul-hamid-achik/blog/internal/llm"
	"github.com/abdul-hamid-achik/blog/internal/observability"
)

// State is a step of the reply state machine.
type State string

const (
	StateGenerating             State = "generating"
	StateFinishedText           State = "finished_text"
	StateFinishedEmptyWithTools State = "finished_empty_with_tools"
	StateFinishedEmptyNoTools   State = "finished_empty_no_tools"
	StateFollowUp               State = "follow_up"
	StateTemplated              State = "templated"
	StateApology                State = "apology"
)

const (
	ApologyMessage = "I'm sorry, I couldn't come up with an answer to that. Could you rephrase it or tell me a bit more about what you're looking for?"

	followUpInstruction = "You called tools but gave no answer. Using only the tool results above, reply to my last message conversationally. Keep any [NAVIGATE:...] markers exactly as they appear."
	templatedIntro      = "Here's what I found:"
	// roundBreak separates text produced by different model calls.
	roundBreak = "\n\n"
)

type Turn struct {
	Messages []llm.Message
	Tools    *Toolbox
}

type Reply struct {
	Text  string
	Usage llm.Usage
	// State is the terminal state that produced Text.
	State     State
	ToolCalls int
}

type Orchestrator struct {
	provider  llm.Provider
	maxRounds int
	maxTokens int
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func NewOrchestrator(provider llm.Provider, maxRounds int, metrics *observability.Metrics) *Orchestrator {
	if maxRounds <= 0 {
		maxRounds = 1
	}
	return &Orchestrator{
		provider:  provider,
		maxRounds: maxRounds,
		maxTokens: 1024,
		metrics:   metrics,
		logger:    observability.Logger(),
	}
}

// Respond produces the full reply in one piece.
func (o *Orchestrator) Respond(ctx context.Context, turn Turn) (Reply, error) {
	return o.run(ctx, turn, nil)
}

// RespondStream sends text to onDelta as it is produced. An onDelta
// error stops the turn and is returned.
func (o *Orchestrator) RespondStream(ctx context.Context, turn Turn, onDelta func(string) error) (Reply, error) {
	if onDelta == nil {
		onDelta = func(string) error { return nil }
	}
	return o.run(ctx, turn, onDelta)
}

type machine struct {
	o           *Orchestrator
	turn        Turn
	onDelta     func(string) error
	messages    []llm.Message
	text        strings.Builder
	toolOutputs []string
	usage       llm.Usage
	rounds      int
	toolCalls   int
	// separate is set while the current call has not produced text yet
	// but an earlier call did.
	separate bool
}

func (o *Orchestrator) run(ctx context.Context, turn Turn, onDelta func(string) error) (Reply, error) {
	m := &machine{
		o:        o,
		turn:     turn,
		onDelta:  onDelta,
		messages: append([]llm.Message(nil), turn.Messages...),
	}
	state := StateGenerating
	for {
		if err := ctx.Err(); err != nil {
			return Reply{}, err
		}
		next, err := m.step(ctx, state)
		if err != nil {
			return Reply{}, err
		}
		if next == state {
			switch state {
			case StateFinishedText, StateFollowUp, StateTemplated, StateApology:
				if state != StateFinishedText {
					o.metrics.Fallback(string(state))
				}
				o.metrics.Tokens(m.usage.PromptTokens, m.usage.CompletionTokens)
				return Reply{
					Text:      strings.TrimSpace(m.text.String()),
					Usage:     m.usage,
					State:     state,
					ToolCalls: m.toolCalls,
				}, nil
			}
		}
		state = next
	}
}

// step runs one state and returns the next one. A terminal state returns
// itself.
func (m *machine) step(ctx context.Context, state State) (State, error) {
	switch state {
	case StateGenerating:
		return m.generate(ctx)
	case StateFinishedEmptyWithTools:
		return StateFollowUp, m.followUp(ctx)
	case StateFinishedEmptyNoTools:
		return StateApology, m.emit(ApologyMessage)
	case StateFollowUp:
		if m.hasText() {
			return StateFollowUp, nil
		}
		return StateTemplated, m.emit(templated(m.toolOutputs))
	default:
		return state, nil
	}
}

func (m *machine) generate(ctx context.Context) (State, error) {
	req := llm.Request{
		Messages:  m.messages,
		Tools:     m.turn.Tools.Definitions(),
		MaxTokens: m.o.maxTokens,
	}
	resp, err := m.call(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if m.streamFailed(err) {
			return "", err
		}
		if !errors.Is(err, llm.ErrEmptyResponse) {
			m.o.logger.Error("model call failed", "round", m.rounds, "error", err)
		}
		return m.emptyState(), nil
	}
	m.record(resp)

	if len(resp.ToolCalls) > 0 && m.rounds < m.o.maxRounds && m.turn.Tools != nil {
		m.rounds++
		m.runTools(ctx, resp)
		return StateGenerating, nil
	}
	if m.hasText() {
		return StateFinishedText, nil
	}
	return m.emptyState(), nil
}

func (m *machine) hasText() bool {
	return strings.TrimSpace(m.text.String()) != ""
}

func (m *machine) emptyState() State {
	if m.hasText() {
		return StateFinishedText
	}
	if len(m.toolOutputs) > 0 {
		return StateFinishedEmptyWithTools
	}
	return StateFinishedEmptyNoTools
}

// runTools executes calls in order. Later calls may rely on what earlier
// ones established, so they never run concurrently.
func (m *machine) runTools(ctx context.Context, resp llm.Response) {
	m.messages = append(m.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	for _, call := range resp.ToolCalls {
		if ctx.Err() != nil {
			return
		}
		m.toolCalls++
		output := m.turn.Tools.Run(ctx, call)
		m.toolOutputs = append(m.toolOutputs, output)
		m.messages = append(m.messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    output,
			ToolCallID: call.ID,
		})
	}
}

// followUp asks the model, with tools disabled, to narrate the tool
// results. Failure leaves the text empty so the templated answer runs.
func (m *machine) followUp(ctx context.Context) error {
	messages := append(append([]llm.Message(nil), m.messages...), llm.Message{Role: llm.RoleUser, Content: followUpInstruction})
	resp, err := m.call(ctx, llm.Request{Messages: messages, DisableTools: true, MaxTokens: m.o.maxTokens})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if m.streamFailed(err) {
			return err
		}
		m.o.logger.Warn("follow-up call failed, using templated answer", "error", err)
		return nil
	}
	m.record(resp)
	return nil
}

// record keeps the text of a completed call. Streamed text was already
// kept by track as it arrived.
func (m *machine) record(resp llm.Response) {
	if m.onDelta == nil {
		m.text.WriteString(m.join(resp.Content))
	}
}

// join puts a paragraph break in front of the first text of a call that
// follows earlier text.
func (m *machine) join(text string) string {
	if !m.separate || strings.TrimSpace(text) == "" {
		return text
	}
	m.separate = false
	return roundBreak + strings.TrimLeft(text, " \t\r\n")
}

func (m *machine) call(ctx context.Context, req llm.Request) (llm.Response, error) {
	var (
		resp llm.Response
		err  error
	)
	m.separate = m.hasText()
	if m.onDelta != nil {
		resp, err = m.o.provider.Stream(ctx, req, m.track)
	} else {
		resp, err = m.o.provider.Complete(ctx, req)
	}
	m.usage = m.usage.Add(resp.Usage)
	return resp, err
}

type deltaError struct {
	err error
}

func (e deltaError) Error() string { return e.err.Error() }
func (e deltaError) Unwrap() error { return e.err }

// track forwards streamed text and marks transport failures so they are
// not mistaken for model failures.
func (m *machine) track(delta string) error {
	delta = m.join(delta)
	m.text.WriteString(delta)
	if err := m.onDelta(delta); err != nil {
		return deltaError{err: err}
	}
	return nil
}

func (m *machine) streamFailed(err error) bool {
	var de deltaError
	return errors.As(err, &de)
}

func (m *machine) emit(text string) error {
	m.text.WriteString(text)
	if m.onDelta == nil {
		return nil
	}
	return m.onDelta(text)
}

func templated(outputs []string) string {
	parts := []string{templatedIntro}
	for _, output := range outputs {
		if trimmed := strings.TrimSpace(output); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 1 {
		return ApologyMessage
	}
	return strings.Join(parts, "\n\n")
}
