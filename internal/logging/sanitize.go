package logging

import "strings"

// sanitizedHeaders are the header names whose values are masked before
// persistence. Matching is case-insensitive.
var sanitizedHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"api-key":       true,
}

// SanitizeAuthorization masks a credential value, keeping enough of it
// to identify the key. A "Bearer " prefix is preserved as-is. Tokens of
// 8 characters or fewer become "***"; longer tokens keep the first 4
// and last 2 characters: "Bearer sk-1***...***ef".
func SanitizeAuthorization(value string) string {
	if value == "" {
		return value
	}
	prefix := ""
	token := value
	if len(value) >= 7 && strings.EqualFold(value[:7], "bearer ") {
		prefix = "Bearer "
		token = value[7:]
	}
	if len(token) <= 8 {
		return prefix + "***"
	}
	return prefix + token[:4] + "***...***" + token[len(token)-2:]
}

// SanitizeHeaders returns a copy of headers with credential values
// masked. The input map is never modified.
func SanitizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if sanitizedHeaders[strings.ToLower(k)] {
			out[k] = SanitizeAuthorization(v)
		} else {
			out[k] = v
		}
	}
	return out
}

// SanitizeAPIKeyDisplay masks a raw API key for list views.
func SanitizeAPIKeyDisplay(key string) string {
	return SanitizeAuthorization(key)
}
