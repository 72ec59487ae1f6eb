package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// openAIResponseToAnthropic converts a buffered OpenAI chat completion into
// an Anthropic message for Anthropic-protocol clients.
func openAIResponseToAnthropic(body []byte, model string) ([]byte, error) {
	var resp openAIChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	out := anthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: model,
	}
	if out.ID == "" {
		out.ID = "msg_" + uuid.New().String()
	}
	if resp.Model != "" {
		out.Model = resp.Model
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != nil && *choice.Message.Content != "" {
			out.Content = append(out.Content, anthropicContentBlock{Type: "text", Text: *choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			out.Content = append(out.Content, anthropicContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: parseToolArguments(tc.Function.Arguments),
			})
		}
		stopReason := mapOpenAIFinishReason(choice.FinishReason)
		out.StopReason = &stopReason
	}
	if out.Content == nil {
		out.Content = []anthropicContentBlock{}
	}

	if resp.Usage != nil {
		out.Usage = &anthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return json.Marshal(out)
}

// anthropicResponseToOpenAI converts a buffered Anthropic message into an
// OpenAI chat completion for OpenAI-protocol clients.
func anthropicResponseToOpenAI(body []byte, model string) ([]byte, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	out := openAIChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}
	if out.ID == "" {
		out.ID = "chatcmpl-" + uuid.New().String()
	}
	if resp.Model != "" {
		out.Model = resp.Model
	}

	var texts []string
	var toolCalls []openAIToolCall
	for _, b := range resp.Content {
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
		}
	}

	content := strings.Join(texts, "")
	stopReason := ""
	if resp.StopReason != nil {
		stopReason = *resp.StopReason
	}
	out.Choices = []openAIChoice{{
		Index: 0,
		Message: openAIResponseMessage{
			Role:      "assistant",
			Content:   &content,
			ToolCalls: toolCalls,
		},
		FinishReason: mapAnthropicStopReason(stopReason),
	}}

	if resp.Usage != nil {
		out.Usage = &openAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}

	return json.Marshal(out)
}
