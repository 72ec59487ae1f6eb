package translate

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func decodeEvents(t *testing.T, raw []byte) []string {
	t.Helper()
	var dec sseDecoder
	events := dec.Feed(raw)
	events = append(events, dec.Flush()...)
	return events
}

func TestSSEDecoderSplitChunks(t *testing.T) {
	var dec sseDecoder

	events := dec.Feed([]byte("data: {\"a\":"))
	if len(events) != 0 {
		t.Fatalf("partial event must not complete: %v", events)
	}
	events = dec.Feed([]byte("1}\n\ndata: two\n\n"))
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %v", len(events), events)
	}
	if events[0] != `{"a":1}` || events[1] != "two" {
		t.Errorf("events = %v", events)
	}
}

func TestSSEDecoderIgnoresNonDataFields(t *testing.T) {
	var dec sseDecoder
	events := dec.Feed([]byte("event: message_start\nid: 7\ndata: payload\n\n"))
	if len(events) != 1 || events[0] != "payload" {
		t.Errorf("events = %v", events)
	}
}

func TestSSEDecoderCRLFAndFlush(t *testing.T) {
	var dec sseDecoder
	events := dec.Feed([]byte("data: one\r\n\r\ndata: tail"))
	if len(events) != 1 || events[0] != "one" {
		t.Fatalf("events = %v", events)
	}
	flushed := dec.Flush()
	if len(flushed) != 1 || flushed[0] != "tail" {
		t.Errorf("flush = %v", flushed)
	}
}

func TestPassthroughStreamScansOpenAIUsage(t *testing.T) {
	tr, err := NewStreamTranslator("openai", "openai", "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	in := []byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n" +
		"data: {\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":17,\"total_tokens\":20}}\n\n" +
		"data: [DONE]\n\n")
	out := tr.Feed(in)
	if string(out) != string(in) {
		t.Error("passthrough must forward bytes unchanged")
	}
	tr.Finish()
	if tr.OutputTokens() != 17 {
		t.Errorf("output tokens = %d, want 17", tr.OutputTokens())
	}
}

func TestPassthroughStreamScansAnthropicUsage(t *testing.T) {
	tr, err := NewStreamTranslator("anthropic", "anthropic", "claude")
	if err != nil {
		t.Fatal(err)
	}
	tr.Feed([]byte("data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":42}}\n\n"))
	tr.Finish()
	if tr.OutputTokens() != 42 {
		t.Errorf("output tokens = %d, want 42", tr.OutputTokens())
	}
}

func TestAnthropicClientStream(t *testing.T) {
	// OpenAI provider stream consumed by an Anthropic-protocol client.
	tr, err := NewStreamTranslator("anthropic", "openai", "claude-sonnet")
	if err != nil {
		t.Fatal(err)
	}

	var out []byte
	out = append(out, tr.Feed([]byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"},\"finish_reason\":null}]}\n\n"))...)
	out = append(out, tr.Feed([]byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":null}]}\n\n"))...)
	out = append(out, tr.Feed([]byte("data: {\"usage\":{\"completion_tokens\":2},\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"))...)
	out = append(out, tr.Feed([]byte("data: [DONE]\n\n"))...)
	out = append(out, tr.Finish()...)

	events := decodeEvents(t, out)
	var types []string
	for _, e := range events {
		types = append(types, gjson.Get(e, "type").String())
	}
	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}
	if got := gjson.Get(events[2], "delta.text").String(); got != "Hel" {
		t.Errorf("first delta = %q", got)
	}
	if got := gjson.Get(events[5], "delta.stop_reason").String(); got != "end_turn" {
		t.Errorf("stop_reason = %q, want end_turn", got)
	}
	if got := gjson.Get(events[5], "usage.output_tokens").Int(); got != 2 {
		t.Errorf("message_delta usage = %d, want 2", got)
	}
	if tr.OutputTokens() != 2 {
		t.Errorf("output tokens = %d, want 2", tr.OutputTokens())
	}
	if got := gjson.Get(events[0], "message.model").String(); got != "claude-sonnet" {
		t.Errorf("message_start model = %q", got)
	}
}

func TestAnthropicClientStreamToolDeltas(t *testing.T) {
	tr, err := NewStreamTranslator("anthropic", "openai", "claude")
	if err != nil {
		t.Fatal(err)
	}
	out := tr.Feed([]byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"{\\\"a\\\":\"}}]},\"finish_reason\":null}]}\n\n"))
	events := decodeEvents(t, out)
	last := events[len(events)-1]
	if gjson.Get(last, "delta.type").String() != "input_json_delta" {
		t.Fatalf("expected input_json_delta, got %s", last)
	}
	if gjson.Get(last, "delta.partial_json").String() != `{"a":` {
		t.Errorf("partial_json = %q", gjson.Get(last, "delta.partial_json").String())
	}
}

func TestAnthropicClientStreamEmptyUpstream(t *testing.T) {
	tr, err := NewStreamTranslator("anthropic", "openai", "claude")
	if err != nil {
		t.Fatal(err)
	}
	out := tr.Finish()
	events := decodeEvents(t, out)
	if len(events) != 1 || gjson.Get(events[0], "type").String() != "message_stop" {
		t.Errorf("empty upstream still closes with message_stop, got %v", events)
	}
}

func TestOpenAIClientStream(t *testing.T) {
	// Anthropic provider stream consumed by an OpenAI-protocol client.
	tr, err := NewStreamTranslator("openai", "anthropic", "gpt-4")
	if err != nil {
		t.Fatal(err)
	}

	var out []byte
	out = append(out, tr.Feed([]byte("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_abc\",\"usage\":{\"input_tokens\":10,\"output_tokens\":0}}}\n\n"))...)
	out = append(out, tr.Feed([]byte("event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n"))...)
	out = append(out, tr.Feed([]byte("data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n"))...)
	out = append(out, tr.Feed([]byte("data: {\"type\":\"content_block_stop\",\"index\":0}\n\n"))...)
	out = append(out, tr.Feed([]byte("data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"max_tokens\"},\"usage\":{\"output_tokens\":5}}\n\n"))...)
	out = append(out, tr.Feed([]byte("data: {\"type\":\"message_stop\"}\n\n"))...)
	out = append(out, tr.Finish()...)

	text := string(out)
	if !strings.HasSuffix(strings.TrimSpace(text), "data: [DONE]") {
		t.Errorf("stream must end with [DONE]: %q", text)
	}
	if strings.Count(text, "[DONE]") != 1 {
		t.Errorf("[DONE] emitted more than once: %q", text)
	}

	events := decodeEvents(t, out)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (content, finish, DONE): %v", len(events), events)
	}
	first := events[0]
	if gjson.Get(first, "id").String() != "msg_abc" {
		t.Errorf("chunk id should reuse message id, got %q", gjson.Get(first, "id").String())
	}
	if gjson.Get(first, "choices.0.delta.role").String() != "assistant" {
		t.Error("first chunk must carry the assistant role")
	}
	if gjson.Get(first, "choices.0.delta.content").String() != "Hi" {
		t.Errorf("content = %q", gjson.Get(first, "choices.0.delta.content").String())
	}
	finish := events[1]
	if gjson.Get(finish, "choices.0.finish_reason").String() != "length" {
		t.Errorf("finish_reason = %q, want length", gjson.Get(finish, "choices.0.finish_reason").String())
	}
	if events[2] != doneMarker {
		t.Errorf("terminator = %q", events[2])
	}
	if tr.OutputTokens() != 5 {
		t.Errorf("output tokens = %d, want 5", tr.OutputTokens())
	}
}

func TestOpenAIClientStreamSynthesizesDone(t *testing.T) {
	tr, err := NewStreamTranslator("openai", "anthropic", "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	var out []byte
	out = append(out, tr.Feed([]byte("data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"x\"}}\n\n"))...)
	// Upstream dies without message_stop.
	out = append(out, tr.Finish()...)

	events := decodeEvents(t, out)
	if events[len(events)-1] != doneMarker {
		t.Errorf("missing terminator must be synthesized, got %v", events)
	}
}

func TestOpenAIClientStreamSkipsMalformedPayloads(t *testing.T) {
	tr, err := NewStreamTranslator("openai", "anthropic", "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	out := tr.Feed([]byte("data: {broken json\n\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"ok\"}}\n\n"))
	events := decodeEvents(t, out)
	if len(events) != 1 {
		t.Fatalf("malformed payload must be skipped, got %v", events)
	}
	if gjson.Get(events[0], "choices.0.delta.content").String() != "ok" {
		t.Errorf("surviving event = %s", events[0])
	}
}

func TestOpenAIClientStreamToolDeltas(t *testing.T) {
	tr, err := NewStreamTranslator("openai", "anthropic", "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	out := tr.Feed([]byte("data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"q\\\":\"}}\n\n"))
	events := decodeEvents(t, out)
	if len(events) != 1 {
		t.Fatalf("events = %v", events)
	}
	if got := gjson.Get(events[0], "choices.0.delta.tool_calls.0.function.arguments").String(); got != `{"q":` {
		t.Errorf("arguments = %q", got)
	}
}

func TestNewStreamTranslatorRejectsUnknownProtocol(t *testing.T) {
	if _, err := NewStreamTranslator("openai", "gemini", "m"); err == nil {
		t.Error("unknown provider protocol must be rejected")
	}
}
