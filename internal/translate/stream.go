package translate

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const doneMarker = "[DONE]"

// StreamTranslator transforms a provider SSE stream into the client
// protocol's SSE stream. Feed translates one upstream chunk; Finish emits
// whatever closing events the client protocol requires after upstream EOF.
// OutputTokens reports the usage harvested from the stream, 0 if the
// provider never sent any.
type StreamTranslator interface {
	Feed(chunk []byte) []byte
	Finish() []byte
	OutputTokens() int
}

// NewStreamTranslator builds the translator for a (client, provider)
// protocol pair. Identical protocols pass bytes through while still scanning
// for usage.
func NewStreamTranslator(requestProtocol, providerProtocol, model string) (StreamTranslator, error) {
	reqProto, err := NormalizeProtocol(requestProtocol)
	if err != nil {
		return nil, err
	}
	provProto, err := NormalizeProtocol(providerProtocol)
	if err != nil {
		return nil, err
	}
	switch {
	case reqProto == provProto:
		return &passthroughStream{protocol: provProto}, nil
	case reqProto == ProtocolAnthropic && provProto == ProtocolOpenAI:
		return &anthropicClientStream{model: model}, nil
	case reqProto == ProtocolOpenAI && provProto == ProtocolAnthropic:
		return &openAIClientStream{model: model}, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupportedConversion, provProto, reqProto)
}

func newHexID(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])
}

// passthroughStream forwards chunks untouched and scans completed events for
// the final usage figures.
type passthroughStream struct {
	protocol     string
	dec          sseDecoder
	outputTokens int
}

func (p *passthroughStream) Feed(chunk []byte) []byte {
	for _, payload := range p.dec.Feed(chunk) {
		p.scan(payload)
	}
	return chunk
}

func (p *passthroughStream) Finish() []byte {
	for _, payload := range p.dec.Flush() {
		p.scan(payload)
	}
	return nil
}

func (p *passthroughStream) OutputTokens() int { return p.outputTokens }

func (p *passthroughStream) scan(payload string) {
	if payload == "" || strings.TrimSpace(payload) == doneMarker {
		return
	}
	if p.protocol == ProtocolAnthropic {
		if v := gjson.Get(payload, "usage.output_tokens"); v.Exists() {
			p.outputTokens = int(v.Int())
		}
		if v := gjson.Get(payload, "message.usage.output_tokens"); v.Exists() {
			p.outputTokens = int(v.Int())
		}
		return
	}
	if v := gjson.Get(payload, "usage.completion_tokens"); v.Exists() {
		p.outputTokens = int(v.Int())
	}
}

// anthropicClientStream rewrites an OpenAI chunk stream into Anthropic
// events. message_start and content_block_start open the stream on the first
// payload; the message_delta produced by the first finish_reason is held back
// until content_block_stop has gone out; message_stop always closes the
// stream.
type anthropicClientStream struct {
	model        string
	dec          sseDecoder
	started      bool
	blockStopped bool
	held         []byte
	outputTokens int
}

func (t *anthropicClientStream) Feed(chunk []byte) []byte {
	var out []byte
	for _, payload := range t.dec.Feed(chunk) {
		out = append(out, t.translate(payload)...)
	}
	return out
}

func (t *anthropicClientStream) Finish() []byte {
	var out []byte
	for _, payload := range t.dec.Flush() {
		out = append(out, t.translate(payload)...)
	}
	if t.held != nil {
		out = append(out, encodeSSEData(t.held)...)
		t.held = nil
	}
	out = append(out, encodeSSEData(mustJSON(map[string]string{"type": "message_stop"}))...)
	return out
}

func (t *anthropicClientStream) OutputTokens() int { return t.outputTokens }

func (t *anthropicClientStream) translate(payload string) []byte {
	if payload == "" || strings.TrimSpace(payload) == doneMarker {
		return nil
	}

	var out []byte
	if !t.started {
		t.started = true
		out = append(out, encodeSSEData(mustJSON(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            newHexID("msg_"),
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         t.model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		}))...)
		out = append(out, encodeSSEData(mustJSON(map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]string{"type": "text", "text": ""},
		}))...)
	}

	if !gjson.Valid(payload) {
		return out
	}

	if v := gjson.Get(payload, "usage.completion_tokens"); v.Exists() {
		t.outputTokens = int(v.Int())
	}

	if text := gjson.Get(payload, "choices.0.delta.content").String(); text != "" {
		out = append(out, t.emit(mustJSON(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": text},
		}))...)
	}
	if args := gjson.Get(payload, "choices.0.delta.tool_calls.0.function.arguments").String(); args != "" {
		out = append(out, t.emit(mustJSON(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "input_json_delta", "partial_json": args},
		}))...)
	}
	if finish := gjson.Get(payload, "choices.0.finish_reason").String(); finish != "" {
		event := mustJSON(map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   mapOpenAIFinishReason(finish),
				"stop_sequence": nil,
			},
			"usage": map[string]int{"output_tokens": t.outputTokens},
		})
		if !t.blockStopped {
			t.blockStopped = true
			out = append(out, encodeSSEData(mustJSON(map[string]any{"type": "content_block_stop", "index": 0}))...)
			t.held = event
			return out
		}
		out = append(out, t.emit(event)...)
	}
	return out
}

// emit routes an event through the hold slot so a pending message_delta is
// flushed before anything that follows it.
func (t *anthropicClientStream) emit(event []byte) []byte {
	if t.held != nil {
		held := t.held
		t.held = event
		return encodeSSEData(held)
	}
	return encodeSSEData(event)
}

// openAIClientStream rewrites an Anthropic event stream into OpenAI chunks.
// The first emitted delta carries role=assistant; message_delta produces the
// finish chunk followed by the [DONE] terminator; message_stop is absorbed.
// A missing terminator is synthesized at end of stream.
type openAIClientStream struct {
	model        string
	dec          sseDecoder
	responseID   string
	sentRole     bool
	done         bool
	outputTokens int
}

func (t *openAIClientStream) Feed(chunk []byte) []byte {
	var out []byte
	for _, payload := range t.dec.Feed(chunk) {
		out = append(out, t.translate(payload)...)
	}
	return out
}

func (t *openAIClientStream) Finish() []byte {
	var out []byte
	for _, payload := range t.dec.Flush() {
		out = append(out, t.translate(payload)...)
	}
	if !t.done {
		t.done = true
		out = append(out, encodeSSEData([]byte(doneMarker))...)
	}
	return out
}

func (t *openAIClientStream) OutputTokens() int { return t.outputTokens }

func (t *openAIClientStream) translate(payload string) []byte {
	if payload == "" || strings.TrimSpace(payload) == doneMarker {
		return nil
	}
	if !gjson.Valid(payload) {
		return nil
	}

	switch gjson.Get(payload, "type").String() {
	case "message_start":
		if id := gjson.Get(payload, "message.id").String(); id != "" {
			t.responseID = id
		}
	case "content_block_start":
		block := gjson.Get(payload, "content_block")
		if block.Get("type").String() == "text" {
			if text := block.Get("text").String(); text != "" {
				return t.chunk(t.textDelta(text), nil)
			}
		}
	case "content_block_delta":
		switch gjson.Get(payload, "delta.type").String() {
		case "text_delta":
			if text := gjson.Get(payload, "delta.text").String(); text != "" {
				return t.chunk(t.textDelta(text), nil)
			}
		case "input_json_delta":
			if partial := gjson.Get(payload, "delta.partial_json").String(); partial != "" {
				delta := map[string]any{
					"tool_calls": []map[string]any{{
						"index":    0,
						"id":       nil,
						"type":     "function",
						"function": map[string]any{"name": nil, "arguments": partial},
					}},
				}
				if !t.sentRole {
					delta["role"] = "assistant"
					t.sentRole = true
				}
				return t.chunk(delta, nil)
			}
		}
	case "message_delta":
		if v := gjson.Get(payload, "usage.output_tokens"); v.Exists() {
			t.outputTokens = int(v.Int())
		}
		finish := mapAnthropicStopReason(gjson.Get(payload, "delta.stop_reason").String())
		out := t.chunk(map[string]any{}, finish)
		out = append(out, encodeSSEData([]byte(doneMarker))...)
		t.done = true
		return out
	case "message_stop":
		if !t.done {
			t.done = true
			return encodeSSEData([]byte(doneMarker))
		}
	}
	return nil
}

func (t *openAIClientStream) textDelta(text string) map[string]any {
	delta := map[string]any{"content": text}
	if !t.sentRole {
		delta["role"] = "assistant"
		t.sentRole = true
	}
	return delta
}

func (t *openAIClientStream) chunk(delta map[string]any, finishReason any) []byte {
	id := t.responseID
	if id == "" {
		id = newHexID("chatcmpl-")
	}
	return encodeSSEData(mustJSON(map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   t.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	}))
}
