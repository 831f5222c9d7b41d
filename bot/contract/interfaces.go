package contract

import "context"

// ChatModel is one round trip to the language model. When tools is empty the
// model must answer in text (the forced-final round).
type ChatModel interface {
	Complete(ctx context.Context, turns []ChatTurn, tools []ToolSpec) (ModelReply, error)
}

// ChannelSender delivers the final reply back to the originating channel.
type ChannelSender interface {
	SendText(ctx context.Context, to string, text string) error
}

// ToolExecutor runs one validated tool call on behalf of the model.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any, ec ExecContext) Outcome
}

// ExecContext carries per-invocation request facts into tool handlers.
type ExecContext struct {
	Channel   Channel
	UserPhone string
	CallID    string
}
