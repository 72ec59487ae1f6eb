package proxy

import "net/http"

// Error codes surfaced to clients. Each maps to a fixed HTTP status;
// upstream_rejected passes the provider's own 4xx through instead.
const (
	CodeInvalidAPIKey         = "invalid_api_key"
	CodeAPIKeyDisabled        = "api_key_disabled"
	CodeMissingModel          = "missing_model"
	CodeModelNotFound         = "model_not_found"
	CodeMappingNotFound       = "mapping_not_found"
	CodeModelDisabled         = "model_disabled"
	CodeNoAvailableProvider   = "no_available_provider"
	CodeUnsupportedConversion = "unsupported_protocol_conversion"
	CodeUpstreamError         = "upstream_error"
	CodeClientCancelled       = "client_cancelled"
)

var codeStatus = map[string]int{
	CodeInvalidAPIKey:         http.StatusUnauthorized,
	CodeAPIKeyDisabled:        http.StatusUnauthorized,
	CodeMissingModel:          http.StatusBadRequest,
	CodeModelNotFound:         http.StatusNotFound,
	CodeMappingNotFound:       http.StatusNotFound,
	CodeModelDisabled:         http.StatusServiceUnavailable,
	CodeNoAvailableProvider:   http.StatusServiceUnavailable,
	CodeUnsupportedConversion: http.StatusBadRequest,
	CodeUpstreamError:         http.StatusBadGateway,
	// 499 mirrors the de-facto nginx status for a client that went away.
	CodeClientCancelled: 499,
}

// ServiceError is the single error shape the request boundary turns into
// an HTTP response.
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	TraceID string `json:"-"`
}

func (e *ServiceError) Error() string {
	return e.Code + ": " + e.Message
}

func newServiceError(code, message string) *ServiceError {
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &ServiceError{Code: code, Message: message, Status: status}
}
