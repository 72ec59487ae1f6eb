package rules

import "strings"

// TokenUsage carries the token counts visible to rule evaluation. Output
// tokens are normally still zero at evaluation time.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// Context is the addressable snapshot of a request that rules evaluate
// against. Header keys are matched case-insensitively.
type Context struct {
	Model   string
	Body    Value
	Usage   TokenUsage
	headers map[string]string
}

// NewContext builds a Context. The header map is copied with lowercased keys.
func NewContext(model string, headers map[string]string, body Value, usage TokenUsage) *Context {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[strings.ToLower(k)] = v
	}
	return &Context{Model: model, Body: body, Usage: usage, headers: h}
}

// Get resolves a dotted field path:
//
//	model                      -> requested model name
//	headers.<name>             -> header value (case-insensitive)
//	body.<path>                -> request body, segments may be key or key[idx]
//	token_usage.input_tokens   -> usage counters (also output_tokens, total_tokens)
//
// Unresolvable paths return Absent.
func (c *Context) Get(path string) Value {
	if path == "" {
		return Absent()
	}
	parts := strings.Split(path, ".")
	switch strings.ToLower(parts[0]) {
	case "model":
		return Str(c.Model)
	case "headers":
		if len(parts) != 2 {
			return Absent()
		}
		v, ok := c.headers[strings.ToLower(parts[1])]
		if !ok {
			return Absent()
		}
		return Str(v)
	case "body":
		return c.Body.Path(parts[1:]...)
	case "token_usage":
		if len(parts) != 2 {
			return Absent()
		}
		switch parts[1] {
		case "input_tokens":
			return Num(float64(c.Usage.InputTokens))
		case "output_tokens":
			return Num(float64(c.Usage.OutputTokens))
		case "total_tokens":
			return Num(float64(c.Usage.Total()))
		}
	}
	return Absent()
}
