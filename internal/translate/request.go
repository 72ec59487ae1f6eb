package translate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// openAIRequestToAnthropic builds an Anthropic /v1/messages body from an
// OpenAI chat completion request. System and developer messages move into
// the top-level system field; tool calls and tool results become tool_use
// and tool_result content blocks. max_tokens is mandatory on the Anthropic
// side, so it is synthesized from max_completion_tokens or defaulted.
func openAIRequestToAnthropic(body []byte, targetModel string) ([]byte, error) {
	var req openAIChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Messages == nil {
		return nil, fmt.Errorf("%w: missing 'messages'", ErrInvalidRequest)
	}

	out := anthropicRequest{
		Model:       targetModel,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	out.MaxTokens = defaultMaxTokens
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	} else if req.MaxCompletionTokens != nil {
		out.MaxTokens = *req.MaxCompletionTokens
	}

	if len(req.Stop) > 0 {
		out.StopSequences = decodeStringOrList(req.Stop)
	}

	var systemParts []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			systemParts = append(systemParts, openAIContentText(m.Content))
		case "tool":
			block := anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   json.RawMessage(mustJSON(openAIContentText(m.Content))),
			}
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: mustJSON([]anthropicContentBlock{block}),
			})
		case "assistant":
			if len(m.ToolCalls) > 0 {
				blocks := make([]anthropicContentBlock, 0, len(m.ToolCalls)+1)
				if text := openAIContentText(m.Content); text != "" {
					blocks = append(blocks, anthropicContentBlock{Type: "text", Text: text})
				}
				for _, tc := range m.ToolCalls {
					blocks = append(blocks, anthropicContentBlock{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Function.Name,
						Input: parseToolArguments(tc.Function.Arguments),
					})
				}
				out.Messages = append(out.Messages, anthropicMessage{
					Role:    "assistant",
					Content: mustJSON(blocks),
				})
				continue
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: convertOpenAIContent(m.Content)})
		default:
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: convertOpenAIContent(m.Content)})
		}
	}
	if len(systemParts) > 0 {
		out.System = mustJSON(strings.Join(systemParts, "\n"))
	}

	for _, t := range req.Tools {
		if t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	if len(req.ToolChoice) > 0 {
		out.ToolChoice = convertOpenAIToolChoice(req.ToolChoice)
	}

	return json.Marshal(out)
}

// anthropicRequestToOpenAI builds an OpenAI chat completion body from an
// Anthropic /v1/messages request. The system field becomes a leading system
// message; tool_use blocks become assistant tool_calls and tool_result
// blocks become role=tool messages.
func anthropicRequestToOpenAI(body []byte, targetModel string) ([]byte, error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Messages == nil {
		return nil, fmt.Errorf("%w: missing 'messages'", ErrInvalidRequest)
	}

	out := openAIChatRequest{
		Model:       targetModel,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}
	if len(req.StopSequences) > 0 {
		out.Stop = mustJSON(req.StopSequences)
	}

	if len(req.System) > 0 {
		if text := anthropicSystemText(req.System); text != "" {
			out.Messages = append(out.Messages, openAIMessage{
				Role:    "system",
				Content: mustJSON(text),
			})
		}
	}

	for _, m := range req.Messages {
		blocks, isBlocks := decodeAnthropicBlocks(m.Content)
		if !isBlocks {
			out.Messages = append(out.Messages, openAIMessage{Role: m.Role, Content: m.Content})
			continue
		}

		var texts []string
		var toolCalls []openAIToolCall
		for _, b := range blocks {
			switch b.Type {
			case "text":
				texts = append(texts, b.Text)
			case "tool_use":
				args := "{}"
				if len(b.Input) > 0 {
					args = string(b.Input)
				}
				toolCalls = append(toolCalls, openAIToolCall{
					ID:       b.ID,
					Type:     "function",
					Function: openAIFunctionCall{Name: b.Name, Arguments: args},
				})
			case "tool_result":
				out.Messages = append(out.Messages, openAIMessage{
					Role:       "tool",
					ToolCallID: b.ToolUseID,
					Content:    mustJSON(anthropicResultText(b.Content)),
				})
			}
		}

		if len(texts) == 0 && len(toolCalls) == 0 {
			continue
		}
		msg := openAIMessage{Role: m.Role, ToolCalls: toolCalls}
		if len(texts) > 0 {
			msg.Content = mustJSON(strings.Join(texts, ""))
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	if len(req.ToolChoice) > 0 {
		out.ToolChoice = convertAnthropicToolChoice(req.ToolChoice)
	}

	return json.Marshal(out)
}

// openAIContentText flattens an OpenAI message content (string or part list)
// into plain text.
func openAIContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []openAIContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// convertOpenAIContent maps OpenAI message content to Anthropic content.
// Strings pass through; part arrays keep their text parts as text blocks.
func convertOpenAIContent(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return mustJSON("")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return raw
	}
	var parts []openAIContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return mustJSON("")
	}
	blocks := make([]anthropicContentBlock, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: p.Text})
		}
	}
	return mustJSON(blocks)
}

// decodeAnthropicBlocks reports whether raw is a content block array and, if
// so, returns the decoded blocks.
func decodeAnthropicBlocks(raw json.RawMessage) ([]anthropicContentBlock, bool) {
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// anthropicSystemText flattens the Anthropic system field (string or text
// block array) into one string.
func anthropicSystemText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	blocks, ok := decodeAnthropicBlocks(raw)
	if !ok {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// anthropicResultText flattens a tool_result content payload to text.
func anthropicResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	blocks, ok := decodeAnthropicBlocks(raw)
	if !ok {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "")
}

// parseToolArguments parses an OpenAI tool-call arguments string into a JSON
// object; malformed arguments degrade to an empty object.
func parseToolArguments(args string) json.RawMessage {
	if json.Valid([]byte(args)) && strings.HasPrefix(strings.TrimSpace(args), "{") {
		return json.RawMessage(args)
	}
	return json.RawMessage(`{}`)
}

func convertOpenAIToolChoice(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "required":
			return mustJSON(map[string]string{"type": "any"})
		case "none":
			return nil
		default:
			return mustJSON(map[string]string{"type": "auto"})
		}
	}
	var choice struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &choice); err == nil && choice.Function.Name != "" {
		return mustJSON(map[string]string{"type": "tool", "name": choice.Function.Name})
	}
	return nil
}

func convertAnthropicToolChoice(raw json.RawMessage) json.RawMessage {
	var choice struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &choice); err != nil {
		return nil
	}
	switch choice.Type {
	case "any":
		return mustJSON("required")
	case "tool":
		return mustJSON(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.Name},
		})
	default:
		return mustJSON("auto")
	}
}

// decodeStringOrList accepts the OpenAI stop field, which may be a single
// string or an array of strings. Anything else yields nil.
func decodeStringOrList(raw json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	return nil
}

// mustJSON marshals a value that cannot fail (plain strings, slices, and
// maps of marshalable values).
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
