// Package translate converts requests, responses, and SSE streams between the
// OpenAI and Anthropic wire protocols.
package translate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
)

const (
	ProtocolOpenAI    = "openai"
	ProtocolAnthropic = "anthropic"

	openAIChatPath   = "/v1/chat/completions"
	anthropicMsgPath = "/v1/messages"
	defaultMaxTokens = 1024
)

var (
	ErrUnsupportedProtocol   = errors.New("unsupported protocol")
	ErrUnsupportedConversion = errors.New("unsupported protocol conversion")
	ErrInvalidRequest        = errors.New("invalid request body")
)

// NormalizeProtocol lowercases and validates a protocol name. Empty means
// OpenAI.
func NormalizeProtocol(protocol string) (string, error) {
	p := strings.TrimSpace(strings.ToLower(protocol))
	if p == "" {
		return ProtocolOpenAI, nil
	}
	if p != ProtocolOpenAI && p != ProtocolAnthropic {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocol)
	}
	return p, nil
}

// mapAnthropicStopReason translates an Anthropic stop_reason to an OpenAI
// finish_reason. Unknown and empty reasons become "stop".
func mapAnthropicStopReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// mapOpenAIFinishReason translates an OpenAI finish_reason to an Anthropic
// stop_reason. Unknown and empty reasons become "end_turn".
func mapOpenAIFinishReason(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// ConvertRequest rewrites a client request body for the provider protocol and
// returns the provider-side path with the new body.
//
// Identical protocols keep the path and only swap in the target model. Only
// the chat/messages endpoints convert across protocols; anything else fails
// with ErrUnsupportedConversion.
func ConvertRequest(requestProtocol, providerProtocol, path string, body []byte, targetModel string) (string, []byte, error) {
	reqProto, err := NormalizeProtocol(requestProtocol)
	if err != nil {
		return "", nil, err
	}
	provProto, err := NormalizeProtocol(providerProtocol)
	if err != nil {
		return "", nil, err
	}

	if reqProto == provProto {
		newBody, err := sjson.SetBytes(body, "model", targetModel)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return path, newBody, nil
	}

	if reqProto == ProtocolOpenAI && provProto == ProtocolAnthropic {
		if path != openAIChatPath {
			return "", nil, fmt.Errorf("%w: OpenAI endpoint %s", ErrUnsupportedConversion, path)
		}
		newBody, err := openAIRequestToAnthropic(body, targetModel)
		if err != nil {
			return "", nil, err
		}
		return anthropicMsgPath, newBody, nil
	}

	if reqProto == ProtocolAnthropic && provProto == ProtocolOpenAI {
		if path != anthropicMsgPath {
			return "", nil, fmt.Errorf("%w: Anthropic endpoint %s", ErrUnsupportedConversion, path)
		}
		newBody, err := anthropicRequestToOpenAI(body, targetModel)
		if err != nil {
			return "", nil, err
		}
		return openAIChatPath, newBody, nil
	}

	return "", nil, fmt.Errorf("%w: %s -> %s", ErrUnsupportedConversion, reqProto, provProto)
}

// ConvertResponse rewrites a buffered provider response body into the client
// protocol. Identical protocols pass through untouched.
func ConvertResponse(requestProtocol, providerProtocol string, body []byte, model string) ([]byte, error) {
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
		return body, nil
	case reqProto == ProtocolAnthropic && provProto == ProtocolOpenAI:
		return openAIResponseToAnthropic(body, model)
	case reqProto == ProtocolOpenAI && provProto == ProtocolAnthropic:
		return anthropicResponseToOpenAI(body, model)
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupportedConversion, provProto, reqProto)
}
