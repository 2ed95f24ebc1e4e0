// Package orchestrator drives one conversational request end to end:
// speaker resolution, context assembly, model invocation under a
// bounded concurrency budget, tool-call validation, and execution
// through the planner or executor. It owns no policy decisions itself;
// the trust engine is consulted inside the executor, immediately
// before devices are touched.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth/internal/breaker"
	"github.com/hearthd/hearth/internal/contextify"
	"github.com/hearthd/hearth/internal/events"
	"github.com/hearthd/hearth/internal/executor"
	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/planner"
	"github.com/hearthd/hearth/internal/trust"
)

// Request is one conversational turn from a session.
type Request struct {
	ID        string
	SessionID string
	Text      string
}

// Response is the orchestrated outcome of a request.
type Response struct {
	RequestID string
	Text      string
	Effects   []executor.Effect
	Plan      *planner.PlanResult

	// NeedsConfirmation is set when the request involves high-risk
	// actions; ConfirmToken redeems the held actions via Confirm.
	NeedsConfirmation bool
	ConfirmToken      string
}

// OverloadedError reports that the inference budget stayed exhausted
// past the bounded queue wait.
type OverloadedError struct {
	Waited time.Duration
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("model backend overloaded, gave up after %s", e.Waited)
}

// SpeakerResolver resolves a session to a person with a confidence.
type SpeakerResolver interface {
	ResolveSpeaker(sessionID string) (trust.Person, float64)
}

// Config bounds the orchestrator's concurrency.
type Config struct {
	Model       string
	MaxInflight int
	QueueWait   time.Duration
}

// pendingConfirmation holds actions awaiting an explicit yes.
type pendingConfirmation struct {
	requestID string
	calls     []executor.Call
	expires   time.Time
}

// Orchestrator coordinates the request pipeline.
type Orchestrator struct {
	cfg      Config
	resolver SpeakerResolver
	assembly contextify.Provider
	model    llm.Client
	exec     *executor.Executor
	plans    *planner.Planner
	holder   *trust.Holder
	breakers *breaker.Set
	bus      *events.Bus
	logger   *slog.Logger

	// Inference budget. Buffered channel as counting semaphore.
	slots chan struct{}

	pendingMu sync.Mutex
	pending   map[string]pendingConfirmation
}

// New creates an orchestrator.
func New(cfg Config, resolver SpeakerResolver, assembly contextify.Provider, model llm.Client,
	exec *executor.Executor, plans *planner.Planner, holder *trust.Holder,
	breakers *breaker.Set, bus *events.Bus, logger *slog.Logger) *Orchestrator {

	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 4
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if assembly == nil {
		assembly = contextify.NewComposite(logger)
	}

	return &Orchestrator{
		cfg:      cfg,
		resolver: resolver,
		assembly: assembly,
		model:    model,
		exec:     exec,
		plans:    plans,
		holder:   holder,
		breakers: breakers,
		bus:      bus,
		logger:   logger,
		slots:    make(chan struct{}, cfg.MaxInflight),
		pending:  make(map[string]pendingConfirmation),
	}
}

// Handle runs one request to completion. Cancelling ctx abandons
// queue waits and model calls; actions already handed to the executor
// run to completion regardless.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindRequestStart,
		Data:      map[string]any{"request_id": req.ID, "session_id": req.SessionID},
	})

	resp, err := o.handle(ctx, req)

	data := map[string]any{"request_id": req.ID}
	if err != nil {
		data["error"] = err.Error()
	}
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindRequestComplete,
		Data:      data,
	})

	return resp, err
}

func (o *Orchestrator) handle(ctx context.Context, req Request) (*Response, error) {
	// Inference budget: wait a bounded time for a slot, then shed.
	waitStart := time.Now()
	select {
	case o.slots <- struct{}{}:
		defer func() { <-o.slots }()
	case <-time.After(o.cfg.QueueWait):
		return nil, &OverloadedError{Waited: time.Since(waitStart)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	person, confidence := o.resolver.ResolveSpeaker(req.SessionID)
	o.logger.Debug("speaker resolved",
		"request_id", req.ID,
		"person", person.ID,
		"level", person.Level,
		"confidence", confidence,
	)

	// Context assembly degrades instead of failing.
	situational, err := o.assembly.GetContext(ctx, req.Text)
	if err != nil {
		o.logger.Warn("context assembly degraded", "request_id", req.ID, "error", err)
		situational = ""
	}

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt(situational, person)},
		{Role: "user", Content: req.Text},
	}

	chatResp, err := o.invoke(ctx, messages)
	if err != nil {
		return nil, err
	}

	if len(chatResp.Message.ToolCalls) == 0 {
		return &Response{RequestID: req.ID, Text: chatResp.Message.Content}, nil
	}

	calls, parseErr := o.resolveCalls(person, chatResp.Message.ToolCalls)
	if parseErr != nil {
		var malformed *llm.MalformedToolCallError
		if !errors.As(parseErr, &malformed) {
			return nil, parseErr
		}

		// One corrective retry, never more, and never a speculative
		// execution of the malformed call.
		o.logger.Warn("malformed tool call, retrying once", "request_id", req.ID, "error", malformed)
		messages = append(messages,
			chatResp.Message,
			llm.Message{Role: "user", Content: "That tool call was invalid: " + malformed.Detail +
				". Reply again using only the provided tools with valid arguments."},
		)
		chatResp, err = o.invoke(ctx, messages)
		if err != nil {
			return nil, err
		}
		if len(chatResp.Message.ToolCalls) == 0 {
			return &Response{RequestID: req.ID, Text: chatResp.Message.Content}, nil
		}
		calls, parseErr = o.resolveCalls(person, chatResp.Message.ToolCalls)
		if parseErr != nil {
			return nil, fmt.Errorf("request %s: %w", req.ID, parseErr)
		}
	}

	return o.execute(ctx, req, calls)
}

// invoke calls the model through its breaker.
func (o *Orchestrator) invoke(ctx context.Context, messages []llm.Message) (*llm.ChatResponse, error) {
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindModelCall,
		Data:      map[string]any{"model": o.cfg.Model},
	})

	var resp *llm.ChatResponse
	err := o.breakers.For(breaker.DepModel).Do(ctx, func(ctx context.Context) error {
		var chatErr error
		resp, chatErr = o.model.Chat(ctx, o.cfg.Model, messages, ToolSchemas())
		return chatErr
	})
	if err != nil {
		return nil, err
	}

	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindModelResponse,
		Data: map[string]any{
			"model":      o.cfg.Model,
			"tool_calls": len(resp.Message.ToolCalls),
		},
	})
	return resp, nil
}

// execute routes resolved calls to the executor or planner. Execution
// uses a context detached from the caller: a disconnect after dispatch
// must not leave devices half-changed.
func (o *Orchestrator) execute(ctx context.Context, req Request, calls []executor.Call) (*Response, error) {
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	if len(calls) == 1 {
		effect, err := o.exec.Execute(execCtx, calls[0])
		if err != nil {
			return o.handleExecError(req, calls, err)
		}
		return &Response{
			RequestID: req.ID,
			Text:      "Done: " + effect.Summary,
			Effects:   []executor.Effect{*effect},
		}, nil
	}

	plan := o.plans.Build(req.ID, calls)
	result, err := o.plans.Execute(execCtx, plan)
	if err != nil {
		return o.handleExecError(req, calls, err)
	}

	text := "Done."
	if result.Failed {
		text = "Some steps failed; completed reversible steps were undone."
	}
	return &Response{RequestID: req.ID, Text: text, Plan: result}, nil
}

// handleExecError converts a ConfirmationRequiredError into a held
// confirmation; all other errors pass through.
func (o *Orchestrator) handleExecError(req Request, calls []executor.Call, err error) (*Response, error) {
	var confirm *executor.ConfirmationRequiredError
	if !errors.As(err, &confirm) {
		return nil, err
	}

	token := uuid.NewString()
	now := time.Now()
	o.pendingMu.Lock()
	// Confirmations the user never answers expire silently; drop them
	// here so the map stays bounded by active holds.
	for t, held := range o.pending {
		if now.After(held.expires) {
			delete(o.pending, t)
		}
	}
	o.pending[token] = pendingConfirmation{
		requestID: req.ID,
		calls:     calls,
		expires:   now.Add(5 * time.Minute),
	}
	o.pendingMu.Unlock()

	return &Response{
		RequestID:         req.ID,
		Text:              "This needs your confirmation: " + confirm.Reason,
		NeedsConfirmation: true,
		ConfirmToken:      token,
	}, nil
}

// ErrUnknownConfirmation is returned by Confirm for missing or expired
// tokens.
var ErrUnknownConfirmation = errors.New("unknown or expired confirmation")

// Confirm redeems a held confirmation token and executes the held
// actions with the confirmed flag set. Authorization still runs fresh
// inside the executor; a policy or directory change since the hold is
// honored.
func (o *Orchestrator) Confirm(ctx context.Context, token string) (*Response, error) {
	o.pendingMu.Lock()
	held, ok := o.pending[token]
	if ok {
		delete(o.pending, token)
	}
	o.pendingMu.Unlock()

	if !ok || time.Now().After(held.expires) {
		return nil, ErrUnknownConfirmation
	}

	calls := make([]executor.Call, len(held.calls))
	copy(calls, held.calls)
	for i := range calls {
		calls[i].Situation.Confirmed = true
	}

	return o.execute(ctx, Request{ID: held.requestID}, calls)
}

// resolveCalls converts model tool calls into executor calls for the
// resolved person. An unknown tool name is a malformed call; argument
// shape problems surface later as validation errors.
func (o *Orchestrator) resolveCalls(person trust.Person, toolCalls []llm.ToolCall) ([]executor.Call, error) {
	policy := o.holder.Current()

	calls := make([]executor.Call, 0, len(toolCalls))
	for _, tc := range toolCalls {
		name := tc.Function.Name
		if name == "" {
			return nil, &llm.MalformedToolCallError{Detail: "tool call without a name"}
		}
		if _, known := policy.Required[name]; !known {
			return nil, &llm.MalformedToolCallError{Tool: name, Detail: "unknown tool"}
		}

		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, executor.NewCall(name, args, person, trust.Situation{}))
	}
	return calls, nil
}

func systemPrompt(situational string, person trust.Person) string {
	var sb strings.Builder
	sb.WriteString("You are Hearth, the household assistant. ")
	sb.WriteString("Use the provided tools for device actions; answer directly otherwise.\n\n")
	if situational != "" {
		sb.WriteString(situational)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "You are speaking with %s (trust level: %s).", person.Name, person.Level)
	return sb.String()
}
