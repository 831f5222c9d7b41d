// Package deepseek wraps an OpenAI-compatible chat-completion API (DeepSeek
// by default) behind the contract.ChatModel interface, translating transport
// failures into the shared error taxonomy.
package deepseek

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"

	contractx "github.com/lumora/concierge/bot/contract"
)

const defaultRetryAfter = 2 * time.Second

type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://api.deepseek.com"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" default:"deepseek-chat"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"1024"`
	Temperature        float64       `envconfig:"TEMPERATURE" split_words:"true" default:"0.7"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: deepseek api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: model is required", contractx.ErrValidation)
	}
	return nil
}

type Client struct {
	sdk         openaisdk.Client
	model       string
	maxTokens   int64
	temperature float64
	timeout     time.Duration
}

var _ contractx.ChatModel = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The orchestration loop owns the retry policy. The SDK's built-in
	// 429/5xx retries would run underneath it, so they are disabled here.
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithMaxRetries(0),
	}
	if trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		sdk:         openaisdk.NewClient(opts...),
		model:       strings.TrimSpace(cfg.Model),
		maxTokens:   int64(cfg.MaxCompletionToken),
		temperature: cfg.Temperature,
		timeout:     timeout,
	}, nil
}

// Complete runs one chat-completion round. Tool specs are offered to the
// model only when non-empty; an empty slice forces a plain text answer.
func (c *Client) Complete(
	ctx context.Context,
	turns []contractx.ChatTurn,
	tools []contractx.ToolSpec,
) (contractx.ModelReply, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model:       openaisdk.ChatModel(c.model),
		Messages:    toSDKMessages(turns),
		Temperature: openaisdk.Float(c.temperature),
		MaxTokens:   openaisdk.Int(c.maxTokens),
	}
	if len(tools) > 0 {
		params.Tools = toSDKTools(tools)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return contractx.ModelReply{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return contractx.ModelReply{}, fmt.Errorf("%w: completion has no choices", contractx.ErrSchemaViolation)
	}

	msg := resp.Choices[0].Message
	reply := contractx.ModelReply{Content: strings.TrimSpace(msg.Content)}

	for _, call := range msg.ToolCalls {
		name := strings.TrimSpace(call.Function.Name)
		if name == "" {
			return contractx.ModelReply{}, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
		}

		args := map[string]any{}
		if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return contractx.ModelReply{}, fmt.Errorf("%w: invalid arguments for tool=%s: %v", contractx.ErrSchemaViolation, name, err)
			}
		}

		reply.ToolCalls = append(reply.ToolCalls, contractx.ToolCall{
			ID:   call.ID,
			Name: name,
			Args: args,
		})
	}

	log.Debug().
		Str("model", c.model).
		Int("tool_calls", len(reply.ToolCalls)).
		Bool("has_content", reply.Content != "").
		Msg("chat completion round finished")

	return reply, nil
}

func toSDKMessages(turns []contractx.ChatTurn) []openaisdk.ChatCompletionMessageParamUnion {
	msgs := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case contractx.RoleSystem:
			msgs = append(msgs, openaisdk.SystemMessage(turn.Content))
		case contractx.RoleUser:
			msgs = append(msgs, openaisdk.UserMessage(turn.Content))
		case contractx.RoleTool:
			msgs = append(msgs, openaisdk.ToolMessage(turn.Content, turn.ToolCallID))
		case contractx.RoleAssistant:
			if len(turn.ToolCalls) == 0 {
				msgs = append(msgs, openaisdk.AssistantMessage(turn.Content))
				continue
			}
			assistant := openaisdk.ChatCompletionAssistantMessageParam{}
			if turn.Content != "" {
				assistant.Content.OfString = openaisdk.String(turn.Content)
			}
			for _, call := range turn.ToolCalls {
				rawArgs, err := json.Marshal(call.Args)
				if err != nil {
					rawArgs = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openaisdk.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(rawArgs),
					},
				})
			}
			msgs = append(msgs, openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return msgs
}

func toSDKTools(specs []contractx.ToolSpec) []openaisdk.ChatCompletionToolParam {
	tools := make([]openaisdk.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		properties := map[string]any{}
		required := []string{}
		for name, p := range spec.Params {
			prop := map[string]any{"type": string(p.Type)}
			if p.Desc != "" {
				prop["description"] = p.Desc
			}
			if len(p.Enum) > 0 {
				prop["enum"] = p.Enum
			}
			properties[name] = prop
			if p.Required {
				required = append(required, name)
			}
		}

		tools = append(tools, openaisdk.ChatCompletionToolParam{
			Function: openaisdk.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openaisdk.String(spec.Desc),
				Parameters: openaisdk.FunctionParameters{
					"type":                 "object",
					"properties":           properties,
					"required":             required,
					"additionalProperties": false,
				},
			},
		})
	}
	return tools
}

// classify maps SDK and transport failures onto the shared taxonomy so the
// orchestration loop can decide between retry, delayed retry, and fallback.
func classify(err error) error {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return &contractx.RateLimitError{RetryAfter: retryAfter(apiErr)}
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", contractx.ErrTransientUpstream, err)
		default:
			return fmt.Errorf("%w: %w", contractx.ErrPermanentUpstream, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", contractx.ErrTransientUpstream, err)
	}
	// Anything else at this level is a connection problem.
	return fmt.Errorf("%w: %w", contractx.ErrTransientUpstream, err)
}

func retryAfter(apiErr *openaisdk.Error) time.Duration {
	if apiErr.Response == nil {
		return defaultRetryAfter
	}
	header := strings.TrimSpace(apiErr.Response.Header.Get("Retry-After"))
	if header == "" {
		return defaultRetryAfter
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return defaultRetryAfter
	}
	return time.Duration(seconds) * time.Second
}
