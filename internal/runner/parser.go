package runner

import (
	"encoding/json"
	"fmt"
)

const maxToolResultLen = 2000

// streamParser translates the tool's stream-json NDJSON protocol into
// display chunks and captures the final result record. Lines that are not
// valid JSON are passed through verbatim so diagnostic output is never lost.
type streamParser struct {
	sawResult    bool
	costUnits    float64
	inputUnits   int64
	outputUnits  int64
	errorMessage string
}

func newStreamParser() *streamParser {
	return &streamParser{}
}

type streamMessage struct {
	Type    string          `json:"type"`
	Error   string          `json:"error,omitempty"`
	Message *messagePayload `json:"message,omitempty"`
	Event   *streamEvent    `json:"event,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// result record fields, flattened at top level
	IsError      bool        `json:"is_error,omitempty"`
	Result       string      `json:"result,omitempty"`
	TotalCostUSD float64     `json:"total_cost_usd,omitempty"`
	CostUSD      float64     `json:"cost_usd,omitempty"`
	Usage        *usageBlock `json:"usage,omitempty"`
}

type messagePayload struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   map[string]any  `json:"input,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

type streamEvent struct {
	Type  string      `json:"type"`
	Delta *eventDelta `json:"delta,omitempty"`
}

type eventDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usageBlock struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ParseLine decodes one line of process stdout and returns the chunks to
// forward to the output sink, in emission order.
func (p *streamParser) ParseLine(line string) []string {
	if line == "" {
		return nil
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return []string{line + "\n"}
	}

	switch msg.Type {
	case "init":
		var content string
		if err := json.Unmarshal(msg.Content, &content); err == nil && content != "" {
			return []string{content}
		}
		return nil
	case "assistant":
		return p.parseAssistant(&msg)
	case "user":
		return p.parseUser(&msg)
	case "stream_event":
		if msg.Event != nil && msg.Event.Type == "content_block_delta" &&
			msg.Event.Delta != nil && msg.Event.Delta.Type == "text_delta" && msg.Event.Delta.Text != "" {
			return []string{msg.Event.Delta.Text}
		}
		return nil
	case "result":
		p.parseResult(&msg)
		return nil
	default:
		// system messages and anything newer than this parser
		return nil
	}
}

func (p *streamParser) parseAssistant(msg *streamMessage) []string {
	if msg.Message == nil {
		return nil
	}
	var chunks []string
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			if msg.Error != "" {
				// Error text is routed to the error message, not the stream.
				p.errorMessage = fmt.Sprintf("%s (error type: %s)", block.Text, msg.Error)
				continue
			}
			chunks = append(chunks, block.Text)
		case "tool_use":
			name := block.Name
			if name == "" {
				name = "unknown"
			}
			chunk := fmt.Sprintf("\n[TOOL] Using %s\n", name)
			if cmd, ok := block.Input["command"].(string); ok {
				chunk += fmt.Sprintf("  Command: %s\n", cmd)
			} else if desc, ok := block.Input["description"].(string); ok {
				chunk += fmt.Sprintf("  %s\n", desc)
			}
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

func (p *streamParser) parseUser(msg *streamMessage) []string {
	if msg.Message == nil {
		return nil
	}
	var chunks []string
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		text := toolResultText(block.Content)
		if text == "" {
			continue
		}
		if len(text) > maxToolResultLen {
			text = text[:maxToolResultLen] + "\n... (truncated)"
		}
		if block.IsError {
			chunks = append(chunks, "[TOOL ERROR] "+text+"\n")
		} else {
			chunks = append(chunks, "[TOOL RESULT]\n"+text+"\n")
		}
	}
	return chunks
}

func (p *streamParser) parseResult(msg *streamMessage) {
	p.sawResult = true
	p.costUnits = msg.TotalCostUSD
	if p.costUnits == 0 {
		p.costUnits = msg.CostUSD
	}
	if msg.Usage != nil {
		p.inputUnits = msg.Usage.InputTokens
		p.outputUnits = msg.Usage.OutputTokens
	}
	if msg.IsError {
		if msg.Result != "" {
			p.errorMessage = msg.Result
		} else if p.errorMessage == "" {
			p.errorMessage = "tool reported an error"
		}
	}
}

// SawResult reports whether a final result record was parsed.
func (p *streamParser) SawResult() bool {
	return p.sawResult
}

// toolResultText extracts a string from tool_result content, which may be a
// plain string or an array of content blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for _, b := range blocks {
			if b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}
