package tool

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractx "github.com/lumora/concierge/bot/contract"
)

func echoSpec() contractx.ToolSpec {
	return contractx.ToolSpec{
		Name: "echo",
		Desc: "test tool",
		Params: map[string]contractx.Param{
			"text":  {Type: contractx.ParamString, Required: true},
			"count": {Type: contractx.ParamInteger},
		},
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	err := r.Register(contractx.ToolSpec{
		Name:   "bad",
		Params: map[string]contractx.Param{"x": {Type: "boolean"}},
	}, func(context.Context, map[string]any, contractx.ExecContext) contractx.Outcome {
		return contractx.Found(nil)
	})
	assert.ErrorIs(t, err, contractx.ErrValidation)

	err = r.Register(contractx.ToolSpec{
		Name:   "bad_enum",
		Params: map[string]contractx.Param{"n": {Type: contractx.ParamInteger, Enum: []string{"1"}}},
	}, func(context.Context, map[string]any, contractx.ExecContext) contractx.Outcome {
		return contractx.Found(nil)
	})
	assert.ErrorIs(t, err, contractx.ErrValidation)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	handler := func(context.Context, map[string]any, contractx.ExecContext) contractx.Outcome {
		return contractx.Found(nil)
	}

	require.NoError(t, r.Register(echoSpec(), handler))
	assert.ErrorIs(t, r.Register(echoSpec(), handler), contractx.ErrValidation)
}

func TestExecuteValidatesArgumentsWithoutDispatch(t *testing.T) {
	t.Parallel()

	dispatched := false
	r := NewRegistry()
	require.NoError(t, r.Register(echoSpec(), func(context.Context, map[string]any, contractx.ExecContext) contractx.Outcome {
		dispatched = true
		return contractx.Found(nil)
	}))

	cases := []map[string]any{
		{},                            // missing required
		{"text": 7},                   // wrong type
		{"text": "hi", "count": 1.5},  // non-integral integer
		{"text": "hi", "bogus": true}, // unexpected argument
	}
	for _, args := range cases {
		outcome := r.Execute(context.Background(), "echo", args, contractx.ExecContext{Channel: contractx.ChannelChat})
		assert.Equal(t, contractx.OutcomeError, outcome.Status)
		assert.Equal(t, contractx.ErrorInvalidArguments, outcome.Kind)
	}
	assert.False(t, dispatched, "invalid arguments must never reach the handler")
}

func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	outcome := r.Execute(context.Background(), "nope", nil, contractx.ExecContext{})
	assert.Equal(t, contractx.ErrorInvalidArguments, outcome.Kind)
}

func TestExecuteTimeoutDoesNotBlockCaller(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.timeout = 50 * time.Millisecond
	require.NoError(t, r.Register(contractx.ToolSpec{Name: "slow"}, func(ctx context.Context, _ map[string]any, _ contractx.ExecContext) contractx.Outcome {
		time.Sleep(5 * time.Second) // ignores its context
		return contractx.Found(nil)
	}))

	start := time.Now()
	outcome := r.Execute(context.Background(), "slow", nil, contractx.ExecContext{Channel: contractx.ChannelChat})
	elapsed := time.Since(start)

	assert.Equal(t, contractx.OutcomeError, outcome.Status)
	assert.Equal(t, contractx.ErrorTimeout, outcome.Kind)
	assert.Less(t, elapsed, time.Second, "caller must not be blocked past the bound")
}

func TestExecuteRecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(contractx.ToolSpec{Name: "boom"}, func(context.Context, map[string]any, contractx.ExecContext) contractx.Outcome {
		panic("nil map write")
	}))

	outcome := r.Execute(context.Background(), "boom", nil, contractx.ExecContext{Channel: contractx.ChannelChat})
	assert.Equal(t, contractx.ErrorPermanent, outcome.Kind)
}

func TestSpecsAreStable(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	handler := func(context.Context, map[string]any, contractx.ExecContext) contractx.Outcome {
		return contractx.Found(nil)
	}
	require.NoError(t, r.Register(contractx.ToolSpec{Name: "zulu"}, handler))
	require.NoError(t, r.Register(contractx.ToolSpec{Name: "alpha"}, handler))

	specs := r.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "alpha", specs[0].Name)
	assert.Equal(t, "zulu", specs[1].Name)
}

func TestAdaptCapsAndRendersPerChannel(t *testing.T) {
	t.Parallel()

	records := make([]map[string]any, 8)
	for i := range records {
		records[i] = map[string]any{
			"item_id": "SKU", "name": "Widget", "price": 9.99, "currency": "USD", "in_stock": true,
		}
	}

	chat := adapt(contractx.ChannelChat, "search_items", contractx.Found(records))
	chatList, ok := chat.Data.([]map[string]any)
	require.True(t, ok)
	assert.Len(t, chatList, chatResultCap)

	voice := adapt(contractx.ChannelVoice, "search_items", contractx.Found(records))
	voiceData, ok := voice.Data.(map[string]any)
	require.True(t, ok)
	summary, ok := voiceData["summary"].(string)
	require.True(t, ok)
	assert.Contains(t, summary, "Widget")
	assert.LessOrEqual(t, strings.Count(summary, "Widget"), voiceResultCap)
}

func TestAdaptPassesThroughNotFound(t *testing.T) {
	t.Parallel()

	outcome := adapt(contractx.ChannelVoice, "get_item", contractx.NotFound("no such item"))
	assert.Equal(t, contractx.OutcomeNotFound, outcome.Status)
	assert.Nil(t, outcome.Data)
}
