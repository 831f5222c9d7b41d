package contract

import "time"

type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelVoice Channel = "voice"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ChatEvent is one inbound message from the chat channel after transport
// parsing. ExternalID is the channel-issued message id used for dedup.
type ChatEvent struct {
	ExternalID string    `json:"external_id"`
	Sender     string    `json:"sender"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToolCall is one model-requested tool invocation.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ChatTurn is one entry of the model conversation transcript.
type ChatTurn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ModelReply is the model's answer for one round: either a final text or a
// batch of tool requests (or, rarely, both).
type ModelReply struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

/* ------------------------------ tool specs ------------------------------ */

type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamNumber  ParamType = "number"
)

type Param struct {
	Type     ParamType `json:"type"`
	Desc     string    `json:"desc,omitempty"`
	Required bool      `json:"required,omitempty"`
	Enum     []string  `json:"enum,omitempty"`
}

// ToolSpec describes one registered tool to the model and to the argument
// validator. Params are validated once at registration, not per call site.
type ToolSpec struct {
	Name   string           `json:"name"`
	Desc   string           `json:"desc"`
	Params map[string]Param `json:"params,omitempty"`
}

/* ----------------------------- tool outcomes ----------------------------- */

type OutcomeStatus string

const (
	OutcomeFound    OutcomeStatus = "found"
	OutcomeNotFound OutcomeStatus = "not_found"
	OutcomeError    OutcomeStatus = "error"
)

type ErrorKind string

const (
	ErrorInvalidArguments ErrorKind = "invalid_arguments"
	ErrorTimeout          ErrorKind = "timeout"
	ErrorTransient        ErrorKind = "transient"
	ErrorPermanent        ErrorKind = "permanent"
)

// Outcome is the three-way result of a tool execution. An absent record is a
// first-class NotFound, never a nil that crashes downstream formatting.
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Data   any           `json:"data,omitempty"`
	Kind   ErrorKind     `json:"kind,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

func Found(data any) Outcome {
	return Outcome{Status: OutcomeFound, Data: data}
}

func NotFound(reason string) Outcome {
	return Outcome{Status: OutcomeNotFound, Reason: reason}
}

func Fail(kind ErrorKind, reason string) Outcome {
	return Outcome{Status: OutcomeError, Kind: kind, Reason: reason}
}

// Retryable reports whether the outcome is eligible for the orchestration
// loop's retry handling.
func (o Outcome) Retryable() bool {
	return o.Status == OutcomeError && o.Kind == ErrorTransient
}
