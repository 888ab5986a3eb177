package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamParser_AssistantText(t *testing.T) {
	p := newStreamParser()
	chunks := p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"hello world"}]}}`)
	assert.Equal(t, []string{"hello world"}, chunks)
}

func TestStreamParser_AssistantErrorRoutedToErrorMessage(t *testing.T) {
	p := newStreamParser()
	chunks := p.ParseLine(`{"type":"assistant","error":"overloaded","message":{"content":[{"type":"text","text":"try later"}]}}`)
	assert.Empty(t, chunks)
	assert.Equal(t, "try later (error type: overloaded)", p.errorMessage)
}

func TestStreamParser_ToolUse(t *testing.T) {
	p := newStreamParser()

	chunks := p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"ls -la"}}]}}`)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "[TOOL] Using Bash")
	assert.Contains(t, chunks[0], "Command: ls -la")

	chunks = p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"description":"create config"}}]}}`)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "[TOOL] Using Write")
	assert.Contains(t, chunks[0], "create config")

	chunks = p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use"}]}}`)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "[TOOL] Using unknown")
}

func TestStreamParser_ToolResult(t *testing.T) {
	p := newStreamParser()

	chunks := p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","content":"file written"}]}}`)
	require.Len(t, chunks, 1)
	assert.Equal(t, "[TOOL RESULT]\nfile written\n", chunks[0])

	chunks = p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","is_error":true,"content":"permission denied"}]}}`)
	require.Len(t, chunks, 1)
	assert.Equal(t, "[TOOL ERROR] permission denied\n", chunks[0])

	// Content may also arrive as an array of blocks.
	chunks = p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","content":[{"type":"text","text":"from blocks"}]}]}}`)
	require.Len(t, chunks, 1)
	assert.Equal(t, "[TOOL RESULT]\nfrom blocks\n", chunks[0])
}

func TestStreamParser_ToolResultTruncation(t *testing.T) {
	p := newStreamParser()
	long := strings.Repeat("x", maxToolResultLen+500)
	chunks := p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","content":"` + long + `"}]}}`)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "... (truncated)")
	assert.Less(t, len(chunks[0]), len(long))
}

func TestStreamParser_StreamEventTextDelta(t *testing.T) {
	p := newStreamParser()
	chunks := p.ParseLine(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}}`)
	assert.Equal(t, []string{"partial"}, chunks)

	// Non-text deltas are skipped.
	chunks = p.ParseLine(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{"}}}`)
	assert.Empty(t, chunks)
}

func TestStreamParser_ResultRecord(t *testing.T) {
	p := newStreamParser()
	assert.False(t, p.SawResult())

	chunks := p.ParseLine(`{"type":"result","total_cost_usd":0.42,"usage":{"input_tokens":100,"output_tokens":250}}`)
	assert.Empty(t, chunks)
	assert.True(t, p.SawResult())
	assert.Equal(t, 0.42, p.costUnits)
	assert.Equal(t, int64(100), p.inputUnits)
	assert.Equal(t, int64(250), p.outputUnits)
	assert.Empty(t, p.errorMessage)
}

func TestStreamParser_ResultRecordCostFallback(t *testing.T) {
	p := newStreamParser()
	p.ParseLine(`{"type":"result","cost_usd":0.07}`)
	assert.Equal(t, 0.07, p.costUnits)
}

func TestStreamParser_ResultRecordMetricsDefaultToZero(t *testing.T) {
	p := newStreamParser()
	p.ParseLine(`{"type":"result"}`)
	assert.True(t, p.SawResult())
	assert.Zero(t, p.costUnits)
	assert.Zero(t, p.inputUnits)
	assert.Zero(t, p.outputUnits)
}

func TestStreamParser_ResultRecordError(t *testing.T) {
	p := newStreamParser()
	p.ParseLine(`{"type":"result","is_error":true,"result":"rate limited"}`)
	assert.True(t, p.SawResult())
	assert.Equal(t, "rate limited", p.errorMessage)

	p = newStreamParser()
	p.ParseLine(`{"type":"result","is_error":true}`)
	assert.Equal(t, "tool reported an error", p.errorMessage)
}

func TestStreamParser_NonJSONPassthrough(t *testing.T) {
	p := newStreamParser()
	chunks := p.ParseLine("panic: something broke")
	assert.Equal(t, []string{"panic: something broke\n"}, chunks)
}

func TestStreamParser_UnknownTypesIgnored(t *testing.T) {
	p := newStreamParser()
	assert.Empty(t, p.ParseLine(`{"type":"system","subtype":"init"}`))
	assert.Empty(t, p.ParseLine(`{"type":"future_thing","payload":{}}`))
	assert.Empty(t, p.ParseLine(""))
	assert.False(t, p.SawResult())
}

func TestExitErrorMessage_Priority(t *testing.T) {
	// Tool-reported error wins.
	got := exitErrorMessage("api key invalid", []string{"noise"}, 1)
	assert.Equal(t, "api key invalid", got)

	// Then stderr plus exit code.
	got = exitErrorMessage("", []string{"line one", "line two"}, 2)
	assert.Contains(t, got, "line one\nline two")
	assert.Contains(t, got, "(exit code: 2)")

	// Bare exit code last.
	got = exitErrorMessage("", nil, 137)
	assert.Equal(t, "exit code: 137", got)
}
