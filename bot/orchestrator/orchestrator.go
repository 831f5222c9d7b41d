// Package orchestrator drives one admitted inbound event through the model
// tool-calling loop: load context, call the model, dispatch requested tools,
// feed results back, and persist exactly one final assistant reply.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lumora/concierge/bot/analytics"
	contractx "github.com/lumora/concierge/bot/contract"
	"github.com/lumora/concierge/bot/convo"
	"github.com/lumora/concierge/bot/ingress"
)

const (
	// DefaultMaxRounds bounds model-call rounds per event. The final round
	// is forced to answer in text.
	DefaultMaxRounds = 4
	// DefaultBudget is the wall-clock bound for one event end to end.
	DefaultBudget = 30 * time.Second

	fallbackReply = "Sorry, I'm having trouble answering right now. Please try again in a moment."
	busyReply     = "We're handling a lot of requests right now. Please try again shortly."
)

type Config struct {
	MaxRounds    int           `envconfig:"MAX_ROUNDS" split_words:"true" default:"4"`
	Budget       time.Duration `envconfig:"BUDGET" default:"30s"`
	SystemPrompt string        `envconfig:"SYSTEM_PROMPT" split_words:"true"`
}

// Result reports what one orchestration run did.
type Result struct {
	Reply     string
	Duplicate bool
	Fallback  bool
	Rounds    int
	ToolCalls int
}

type Orchestrator struct {
	gate          ingress.Gate
	conversations *convo.Service
	model         contractx.ChatModel
	executor      contractx.ToolExecutor
	specs         []contractx.ToolSpec
	sender        contractx.ChannelSender
	analytics     analytics.Recorder

	maxRounds    int
	budget       time.Duration
	systemPrompt string
	sleep        func(ctx context.Context, d time.Duration) error
}

func New(
	cfg Config,
	gate ingress.Gate,
	conversations *convo.Service,
	model contractx.ChatModel,
	executor contractx.ToolExecutor,
	specs []contractx.ToolSpec,
	sender contractx.ChannelSender,
	recorder analytics.Recorder,
) *Orchestrator {
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	if recorder == nil {
		recorder = analytics.Nop{}
	}

	return &Orchestrator{
		gate:          gate,
		conversations: conversations,
		model:         model,
		executor:      executor,
		specs:         specs,
		sender:        sender,
		analytics:     recorder,
		maxRounds:     maxRounds,
		budget:        budget,
		systemPrompt:  cfg.SystemPrompt,
		sleep:         sleepCtx,
	}
}

// HandleChat processes one inbound chat event end to end. Duplicates are
// dropped silently; the delivery is still acknowledged by the caller.
func (o *Orchestrator) HandleChat(ctx context.Context, event contractx.ChatEvent) (Result, error) {
	if _, err := o.gate.Admit(ctx, contractx.ChannelChat, event.ExternalID); err != nil {
		if errors.Is(err, contractx.ErrDuplicateEvent) {
			log.Debug().Str("event_id", event.ExternalID).Msg("duplicate chat event dropped")
			return Result{Duplicate: true}, nil
		}
		return Result{}, fmt.Errorf("admit chat event: %w", err)
	}

	// The budget is the only internal cancellation trigger. Work already
	// underway survives an upstream webhook cancellation.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.budget)
	defer cancel()

	conv, err := o.conversations.GetOrCreate(runCtx, event.Sender, contractx.ChannelChat)
	if err != nil {
		return Result{}, err
	}

	// The user message is persisted once, here, regardless of any model
	// retries later in the run.
	if _, err := o.conversations.Append(runCtx, conv.ID, contractx.RoleUser, event.Content); err != nil {
		return Result{}, err
	}
	o.record(runCtx, analytics.KindMessageReceived, event.Sender, contractx.ChannelChat, map[string]any{
		"event_id": event.ExternalID,
	})

	window, err := o.conversations.LoadContext(runCtx, conv.ID)
	if err != nil {
		return Result{}, err
	}

	ec := contractx.ExecContext{Channel: contractx.ChannelChat, UserPhone: conv.UserPhone}
	outcome := o.runLoop(runCtx, window, ec)

	// Persistence and delivery run to completion even when the budget has
	// just expired mid-loop.
	tailCtx, tailCancel := context.WithTimeout(context.WithoutCancel(runCtx), 10*time.Second)
	defer tailCancel()

	if _, err := o.conversations.Append(tailCtx, conv.ID, contractx.RoleAssistant, outcome.Reply); err != nil {
		return Result{}, fmt.Errorf("persist assistant reply: %w", err)
	}
	if o.sender != nil {
		if err := o.sender.SendText(tailCtx, event.Sender, outcome.Reply); err != nil {
			log.Error().Err(err).Str("to", event.Sender).Msg("failed to deliver chat reply")
		}
	}

	kind := analytics.KindReplySent
	if outcome.Fallback {
		kind = analytics.KindFallbackServed
	}
	o.record(tailCtx, kind, event.Sender, contractx.ChannelChat, map[string]any{
		"rounds":     outcome.Rounds,
		"tool_calls": outcome.ToolCalls,
	})
	return outcome, nil
}

// HandleVoiceTool serves a synchronous tool request from the voice platform.
func (o *Orchestrator) HandleVoiceTool(ctx context.Context, userPhone, callID, name string, args map[string]any) contractx.Outcome {
	ec := contractx.ExecContext{
		Channel:   contractx.ChannelVoice,
		UserPhone: userPhone,
		CallID:    callID,
	}
	outcome := o.executor.Execute(ctx, name, args, ec)
	o.record(ctx, analytics.KindToolInvoked, userPhone, contractx.ChannelVoice, map[string]any{
		"tool":    name,
		"call_id": callID,
		"status":  string(outcome.Status),
	})
	return outcome
}

// runLoop drives the bounded model/tool rounds and always produces a reply.
func (o *Orchestrator) runLoop(ctx context.Context, window []contractx.ChatTurn, ec contractx.ExecContext) Result {
	transcript := make([]contractx.ChatTurn, 0, len(window)+2)
	if o.systemPrompt != "" {
		transcript = append(transcript, contractx.ChatTurn{Role: contractx.RoleSystem, Content: o.systemPrompt})
	}
	transcript = append(transcript, window...)

	result := Result{}
	for round := 1; round <= o.maxRounds; round++ {
		result.Rounds = round

		// The last round withholds the tool specs so the model must answer
		// with the data gathered so far.
		tools := o.specs
		if round == o.maxRounds {
			tools = nil
		}

		reply, err := o.callModel(ctx, transcript, tools)
		if err != nil {
			result.Fallback = true
			if errors.Is(err, contractx.ErrRateLimited) {
				result.Reply = busyReply
			} else {
				result.Reply = fallbackReply
			}
			log.Warn().Err(err).Int("round", round).Msg("model call failed, serving fallback reply")
			return result
		}

		if len(reply.ToolCalls) == 0 {
			if reply.Content == "" {
				result.Fallback = true
				result.Reply = fallbackReply
				return result
			}
			result.Reply = reply.Content
			return result
		}

		transcript = append(transcript, contractx.ChatTurn{
			Role:      contractx.RoleAssistant,
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})
		transcript = append(transcript, o.executeRound(ctx, reply.ToolCalls, ec)...)
		result.ToolCalls += len(reply.ToolCalls)
	}

	// Unreachable while the final round carries no tools, kept as a guard.
	result.Fallback = true
	result.Reply = fallbackReply
	return result
}

// executeRound runs the round's tool calls concurrently and reassembles the
// results in the order the model requested them.
func (o *Orchestrator) executeRound(ctx context.Context, calls []contractx.ToolCall, ec contractx.ExecContext) []contractx.ChatTurn {
	outcomes := make([]contractx.Outcome, len(calls))

	g, groupCtx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			outcomes[i] = o.executor.Execute(groupCtx, call.Name, call.Args, ec)
			return nil
		})
	}
	_ = g.Wait()

	turns := make([]contractx.ChatTurn, len(calls))
	for i, call := range calls {
		o.record(ctx, analytics.KindToolInvoked, ec.UserPhone, ec.Channel, map[string]any{
			"tool":   call.Name,
			"status": string(outcomes[i].Status),
		})
		if call.Name == "search_knowledge_base" && outcomes[i].Status == contractx.OutcomeNotFound {
			o.record(ctx, analytics.KindKnowledgeGap, ec.UserPhone, ec.Channel, map[string]any{
				"query": call.Args["query"],
			})
		}
		turns[i] = contractx.ChatTurn{
			Role:       contractx.RoleTool,
			ToolCallID: call.ID,
			Content:    encodeOutcome(outcomes[i]),
		}
	}
	return turns
}

// callModel is one logical model call with the failure policy applied:
// transient errors retry up to 3 times with doubling backoff, a rate limit
// retries once after the indicated delay, and schema or permanent failures
// fail the round immediately.
func (o *Orchestrator) callModel(ctx context.Context, transcript []contractx.ChatTurn, tools []contractx.ToolSpec) (contractx.ModelReply, error) {
	const maxTransientRetries = 3

	transientRetries := 0
	rateLimitRetried := false
	backoff := time.Second

	for {
		reply, err := o.model.Complete(ctx, transcript, tools)
		if err == nil {
			return reply, nil
		}

		if delay, ok := contractx.RateLimitDelay(err); ok {
			if rateLimitRetried {
				return contractx.ModelReply{}, fmt.Errorf("%w: rate limited twice", contractx.ErrRateLimited)
			}
			rateLimitRetried = true
			if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
				return contractx.ModelReply{}, fmt.Errorf("%w: %w", contractx.ErrBudgetExceeded, sleepErr)
			}
			continue
		}

		if errors.Is(err, contractx.ErrTransientUpstream) && transientRetries < maxTransientRetries {
			transientRetries++
			if sleepErr := o.sleep(ctx, backoff); sleepErr != nil {
				return contractx.ModelReply{}, fmt.Errorf("%w: %w", contractx.ErrBudgetExceeded, sleepErr)
			}
			backoff *= 2
			continue
		}

		return contractx.ModelReply{}, err
	}
}

func (o *Orchestrator) record(ctx context.Context, kind analytics.Kind, userPhone string, channel contractx.Channel, detail map[string]any) {
	if err := o.analytics.Record(ctx, analytics.Event{
		Kind:      kind,
		UserPhone: userPhone,
		Channel:   channel,
		Detail:    detail,
	}); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("analytics record failed")
	}
}

func encodeOutcome(outcome contractx.Outcome) string {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Sprintf(`{"status":"error","kind":"permanent","reason":%q}`, err.Error())
	}
	return string(raw)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
