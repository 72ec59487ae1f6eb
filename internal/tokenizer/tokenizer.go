// Package tokenizer accounts for request and response token usage per
// provider protocol.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"
)

const defaultEncoding = "cl100k_base"

// modelEncodings maps model name prefixes to their tiktoken encoding.
// Longest prefix first, so gpt-4o resolves before gpt-4.
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"text-davinci-003", "p50k_base"},
	{"gpt-3.5-turbo", defaultEncoding},
	{"gpt-4o", "o200k_base"},
	{"gpt-4", defaultEncoding},
}

// Accountant computes input token counts from request messages and harvests
// output token counts from provider responses. OpenAI requests use a BPE
// tokenizer when the encoding is available and degrade to a length/4
// estimate when it is not; Anthropic requests are always estimated.
type Accountant struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

func New() *Accountant {
	return &Accountant{encs: make(map[string]*tiktoken.Tiktoken)}
}

// CountInput walks body's messages array and returns the input token count
// for the given protocol.
func (a *Accountant) CountInput(protocol string, body []byte, model string) int {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return 0
	}
	if protocol == "anthropic" {
		return a.countAnthropicMessages(messages)
	}
	return a.countOpenAIMessages(messages, model)
}

// countOpenAIMessages follows the ChatML accounting scheme: 4 tokens of
// framing per message, every string field counted, text fields of multimodal
// content arrays counted, -1 for a name field, +3 reply priming.
func (a *Accountant) countOpenAIMessages(messages gjson.Result, model string) int {
	arr := messages.Array()
	if len(arr) == 0 {
		return 0
	}
	total := 0
	for _, msg := range arr {
		total += 4
		msg.ForEach(func(key, value gjson.Result) bool {
			switch value.Type {
			case gjson.String:
				total += a.countText(value.String(), model)
			case gjson.JSON:
				if value.IsArray() {
					for _, item := range value.Array() {
						if text := item.Get("text"); text.Type == gjson.String {
							total += a.countText(text.String(), model)
						}
					}
				}
			}
			if key.String() == "name" {
				total--
			}
			return true
		})
	}
	return total + 3
}

// countAnthropicMessages estimates role plus content text with 4 tokens of
// per-message framing.
func (a *Accountant) countAnthropicMessages(messages gjson.Result) int {
	total := 0
	for _, msg := range messages.Array() {
		total += estimate(msg.Get("role").String())
		content := msg.Get("content")
		if content.Type == gjson.String {
			total += estimate(content.String())
		} else if content.IsArray() {
			for _, item := range content.Array() {
				if text := item.Get("text"); text.Type == gjson.String {
					total += estimate(text.String())
				}
			}
		}
		total += 4
	}
	return total
}

// HarvestOutput reads the output token count from a buffered provider
// response body, 0 when absent.
func (a *Accountant) HarvestOutput(protocol string, body []byte) int {
	if protocol == "anthropic" {
		if v := gjson.GetBytes(body, "usage.output_tokens"); v.Exists() {
			return int(v.Int())
		}
		return 0
	}
	if v := gjson.GetBytes(body, "usage.completion_tokens"); v.Exists() {
		return int(v.Int())
	}
	return 0
}

// HarvestInput reads the provider-reported input token count, 0 when absent.
// Provider figures take precedence over local estimates in the request log.
func (a *Accountant) HarvestInput(protocol string, body []byte) int {
	if protocol == "anthropic" {
		if v := gjson.GetBytes(body, "usage.input_tokens"); v.Exists() {
			return int(v.Int())
		}
		return 0
	}
	if v := gjson.GetBytes(body, "usage.prompt_tokens"); v.Exists() {
		return int(v.Int())
	}
	return 0
}

func (a *Accountant) countText(text, model string) int {
	if text == "" {
		return 0
	}
	if enc := a.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimate(text)
}

func encodingName(model string) string {
	for _, m := range modelEncodings {
		if strings.HasPrefix(model, m.prefix) {
			return m.encoding
		}
	}
	return defaultEncoding
}

// encoding returns the cached tokenizer for a model, or nil when the
// encoding data cannot be loaded.
func (a *Accountant) encoding(model string) *tiktoken.Tiktoken {
	name := encodingName(model)

	a.mu.Lock()
	defer a.mu.Unlock()
	if enc, ok := a.encs[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		a.encs[name] = nil
		return nil
	}
	a.encs[name] = enc
	return enc
}

// estimate approximates a token count at four characters per token.
func estimate(text string) int {
	return len(text) / 4
}
