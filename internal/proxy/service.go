// Package proxy orchestrates one request lifecycle: routing, translation,
// forwarding with retry, token accounting, and request logging.
package proxy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/logging"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/rules"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/internal/tokenizer"
	"github.com/modelrelay/modelrelay/internal/translate"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// Forwarder issues one upstream attempt. Satisfied by *upstream.Client.
type Forwarder interface {
	Forward(ctx context.Context, target upstream.Target, path, method string, headers http.Header, body []byte, stream bool) *upstream.Response
}

// Config carries the retry knobs for the orchestrator.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Service routes a client request to a provider and back.
type Service struct {
	store     store.Store
	forwarder Forwarder
	tokens    *tokenizer.Accountant
	metrics   *metrics.Registry
	logger    *slog.Logger
	cfg       Config

	// Strategy state is per-model and must survive across requests, so
	// both strategies live for the process lifetime.
	roundRobin *router.RoundRobinStrategy
	priority   *router.PriorityStrategy

	events *events.Bus
}

// SetEventBus enables publishing one event per completed request.
func (s *Service) SetEventBus(bus *events.Bus) { s.events = bus }

func NewService(st store.Store, fw Forwarder, tok *tokenizer.Accountant, m *metrics.Registry, logger *slog.Logger, cfg Config) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      st,
		forwarder:  fw,
		tokens:     tok,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
		roundRobin: router.NewRoundRobinStrategy(),
		priority:   router.NewPriorityStrategy(),
	}
}

// Request is one inbound client request, already authenticated.
type Request struct {
	Protocol string // client wire protocol: "openai" or "anthropic"
	Path     string
	Headers  http.Header
	Body     []byte
	APIKey   *store.APIKeyRecord
}

// Result is a completed (or streaming) proxied response. For streaming
// responses the caller copies Stream through Translator and must call
// FinishStream exactly once afterwards.
type Result struct {
	TraceID      string
	Status       int
	ContentType  string
	Body         []byte
	Stream       io.ReadCloser
	Translator   translate.StreamTranslator
	RetryCount   int
	TargetModel  string
	ProviderName string

	finish func(streamErr error)
}

// Streaming reports whether the caller must run the stream copy loop.
func (r *Result) Streaming() bool { return r.Stream != nil }

// FinishStream persists the log record once the streamed body has been
// fully copied (or the copy failed).
func (r *Result) FinishStream(streamErr error) {
	if r.finish != nil {
		r.finish(streamErr)
		r.finish = nil
	}
}

// Handle runs the full request lifecycle. Every path, including early
// failures, leaves a request log record behind.
func (s *Service) Handle(ctx context.Context, req *Request) (*Result, *ServiceError) {
	traceID := newTraceID()
	streamReq := gjson.GetBytes(req.Body, "stream").Bool()

	rec := &store.RequestLog{
		TraceID:        traceID,
		Protocol:       req.Protocol,
		Stream:         streamReq,
		RequestHeaders: sanitizedHeaderJSON(req.Headers),
		RequestBody:    string(req.Body),
	}
	if req.APIKey != nil {
		keyID := req.APIKey.ID
		rec.APIKeyID = &keyID
		rec.APIKeyName = req.APIKey.Name
	}

	model := gjson.GetBytes(req.Body, "model").String()
	if model == "" {
		return nil, s.fail(ctx, rec, CodeMissingModel, "request body has no model field")
	}
	rec.RequestedModel = model

	mapping, err := s.store.GetMappingByModel(ctx, model)
	if err != nil {
		return nil, s.fail(ctx, rec, CodeUpstreamError, "load model mapping: "+err.Error())
	}
	if mapping == nil {
		return nil, s.fail(ctx, rec, CodeModelNotFound, "no mapping for model "+strconv.Quote(model))
	}
	if !mapping.Active {
		return nil, s.fail(ctx, rec, CodeModelDisabled, "model "+strconv.Quote(model)+" is disabled")
	}

	bindings, err := s.store.ListBindings(ctx, mapping.ID)
	if err != nil {
		return nil, s.fail(ctx, rec, CodeUpstreamError, "load bindings: "+err.Error())
	}
	providers, err := s.providersByID(ctx)
	if err != nil {
		return nil, s.fail(ctx, rec, CodeUpstreamError, "load providers: "+err.Error())
	}

	rec.InputTokens = s.tokens.CountInput(req.Protocol, req.Body, model)

	ruleCtx := rules.NewContext(model, headerMap(req.Headers), rules.FromJSON(req.Body),
		rules.TokenUsage{InputTokens: rec.InputTokens})
	candidates := router.SelectCandidates(mapping, bindings, providers, ruleCtx)
	if len(candidates) == 0 {
		return nil, s.fail(ctx, rec, CodeNoAvailableProvider, "no provider available for model "+strconv.Quote(model))
	}

	handler := router.NewRetryHandler(s.strategyFor(mapping.Strategy), s.cfg.MaxAttempts, s.cfg.RetryDelay)
	forward := func(ctx context.Context, c *router.Candidate) *upstream.Response {
		path, body, convErr := translate.ConvertRequest(req.Protocol, c.Protocol, req.Path, req.Body, c.TargetModel)
		if convErr != nil {
			return upstream.NewSyntheticResponse(http.StatusBadRequest, nil, convErr)
		}
		target := upstream.Target{BaseURL: c.BaseURL, Protocol: c.Protocol, APIKey: c.APIKey}
		return s.forwarder.Forward(ctx, target, path, http.MethodPost, req.Headers, body, streamReq)
	}

	result := handler.Execute(ctx, candidates, model, forward)
	rec.RetryCount = result.RetryCount
	if c := result.Provider; c != nil {
		providerID := c.ProviderID
		rec.ProviderID = &providerID
		rec.ProviderName = c.ProviderName
		rec.TargetModel = c.TargetModel
	}

	if result.Cancelled {
		return nil, s.fail(ctx, rec, CodeClientCancelled, "client disconnected before completion")
	}

	resp := result.Response
	if !result.Success {
		if resp == nil {
			return nil, s.fail(ctx, rec, CodeNoAvailableProvider, "no provider could be attempted")
		}
		if resp.Err != nil && (errors.Is(resp.Err, translate.ErrUnsupportedConversion) ||
			errors.Is(resp.Err, translate.ErrUnsupportedProtocol) ||
			errors.Is(resp.Err, translate.ErrInvalidRequest)) {
			return nil, s.fail(ctx, rec, CodeUnsupportedConversion, resp.Err.Error())
		}
		rec.ResponseBody = string(resp.Body)
		recordTiming(rec, resp)
		if resp.Transient() {
			return nil, s.fail(ctx, rec, CodeUpstreamError,
				fmt.Sprintf("all providers exhausted; last upstream status %d", resp.Status))
		}
		// A provider-level 4xx propagates untouched.
		rec.StatusCode = resp.Status
		rec.Error = "upstream_rejected"
		s.persist(ctx, rec)
		s.countRequest(rec)
		return &Result{
			TraceID:      traceID,
			Status:       resp.Status,
			ContentType:  resp.Headers.Get("Content-Type"),
			Body:         resp.Body,
			RetryCount:   result.RetryCount,
			TargetModel:  rec.TargetModel,
			ProviderName: rec.ProviderName,
		}, nil
	}

	c := result.Provider
	if streamReq && resp.Stream != nil {
		return s.finishStreaming(ctx, rec, req, c, resp, result)
	}
	return s.finishBuffered(ctx, rec, req, c, resp, result)
}

func (s *Service) finishBuffered(ctx context.Context, rec *store.RequestLog, req *Request, c *router.Candidate, resp *upstream.Response, result *router.RetryResult) (*Result, *ServiceError) {
	if harvested := s.tokens.HarvestInput(c.Protocol, resp.Body); harvested > 0 {
		rec.InputTokens = harvested
	}
	rec.OutputTokens = s.tokens.HarvestOutput(c.Protocol, resp.Body)

	body, err := translate.ConvertResponse(req.Protocol, c.Protocol, resp.Body, rec.RequestedModel)
	if err != nil {
		return nil, s.fail(ctx, rec, CodeUpstreamError, "translate response: "+err.Error())
	}

	rec.StatusCode = resp.Status
	rec.ResponseBody = string(body)
	recordTiming(rec, resp)
	s.persist(ctx, rec)
	s.countRequest(rec)

	return &Result{
		TraceID:      rec.TraceID,
		Status:       resp.Status,
		ContentType:  "application/json",
		Body:         body,
		RetryCount:   result.RetryCount,
		TargetModel:  c.TargetModel,
		ProviderName: c.ProviderName,
	}, nil
}

func (s *Service) finishStreaming(ctx context.Context, rec *store.RequestLog, req *Request, c *router.Candidate, resp *upstream.Response, result *router.RetryResult) (*Result, *ServiceError) {
	translator, err := translate.NewStreamTranslator(req.Protocol, c.Protocol, rec.RequestedModel)
	if err != nil {
		_ = resp.Stream.Close()
		return nil, s.fail(ctx, rec, CodeUnsupportedConversion, err.Error())
	}

	res := &Result{
		TraceID:      rec.TraceID,
		Status:       resp.Status,
		ContentType:  "text/event-stream",
		Stream:       resp.Stream,
		Translator:   translator,
		RetryCount:   result.RetryCount,
		TargetModel:  c.TargetModel,
		ProviderName: c.ProviderName,
	}
	res.finish = func(streamErr error) {
		rec.StatusCode = resp.Status
		rec.OutputTokens = translator.OutputTokens()
		recordTiming(rec, resp)
		if streamErr != nil {
			if ctx.Err() != nil {
				rec.Error = CodeClientCancelled
			} else {
				rec.Error = "stream_interrupted: " + streamErr.Error()
			}
		}
		s.persist(ctx, rec)
		s.countRequest(rec)
	}
	return res, nil
}

// fail records a terminal failure and converts it into a ServiceError.
func (s *Service) fail(ctx context.Context, rec *store.RequestLog, code, message string) *ServiceError {
	serr := newServiceError(code, message)
	serr.TraceID = rec.TraceID
	rec.StatusCode = serr.Status
	rec.Error = code
	s.persist(ctx, rec)
	s.countRequest(rec)
	return serr
}

// persist appends the log record even when the request context is gone.
func (s *Service) persist(ctx context.Context, rec *store.RequestLog) {
	if err := s.store.AppendLog(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("append request log", slog.String("trace_id", rec.TraceID), slog.String("error", err.Error()))
	}
	s.publishEvent(rec)
}

func (s *Service) publishEvent(rec *store.RequestLog) {
	if s.events == nil {
		return
	}
	e := events.Event{
		Type:           events.EventRequestSuccess,
		TraceID:        rec.TraceID,
		RequestedModel: rec.RequestedModel,
		TargetModel:    rec.TargetModel,
		Provider:       rec.ProviderName,
		Protocol:       rec.Protocol,
		StatusCode:     rec.StatusCode,
		RetryCount:     rec.RetryCount,
		InputTokens:    rec.InputTokens,
		OutputTokens:   rec.OutputTokens,
		Stream:         rec.Stream,
		Error:          rec.Error,
	}
	if rec.TotalMs != nil {
		e.TotalMs = *rec.TotalMs
	}
	if rec.Error != "" || rec.StatusCode < 200 || rec.StatusCode >= 400 {
		e.Type = events.EventRequestError
	}
	s.events.Publish(e)
}

func (s *Service) countRequest(rec *store.RequestLog) {
	if s.metrics == nil {
		return
	}
	provider := rec.ProviderName
	if provider == "" {
		provider = "none"
	}
	s.metrics.RequestsTotal.WithLabelValues(rec.RequestedModel, provider, strconv.Itoa(rec.StatusCode)).Inc()
	if rec.RetryCount > 0 {
		s.metrics.RetriesTotal.WithLabelValues(rec.RequestedModel, provider).Add(float64(rec.RetryCount))
	}
	if rec.TotalMs != nil {
		s.metrics.RequestLatency.WithLabelValues(rec.RequestedModel, provider).Observe(float64(*rec.TotalMs))
	}
	if rec.FirstByteMs != nil {
		s.metrics.TTFB.WithLabelValues(rec.RequestedModel, provider).Observe(float64(*rec.FirstByteMs))
	}
	if rec.InputTokens > 0 {
		s.metrics.TokensTotal.WithLabelValues(rec.RequestedModel, provider, "input").Add(float64(rec.InputTokens))
	}
	if rec.OutputTokens > 0 {
		s.metrics.TokensTotal.WithLabelValues(rec.RequestedModel, provider, "output").Add(float64(rec.OutputTokens))
	}
}

func (s *Service) strategyFor(name string) router.Strategy {
	if name == "priority" {
		return s.priority
	}
	return s.roundRobin
}

// ResetStrategies discards per-model rotation state.
func (s *Service) ResetStrategies() {
	s.roundRobin.Reset()
	s.priority.Reset()
}

func (s *Service) providersByID(ctx context.Context) (map[int64]router.Provider, error) {
	list, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[int64]router.Provider, len(list))
	for _, p := range list {
		m[p.ID] = p
	}
	return m, nil
}

func newTraceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func headerMap(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			m[k] = vs[0]
		}
	}
	return m
}

func sanitizedHeaderJSON(h http.Header) string {
	b, err := json.Marshal(logging.SanitizeHeaders(headerMap(h)))
	if err != nil {
		return "{}"
	}
	return string(b)
}

func recordTiming(rec *store.RequestLog, resp *upstream.Response) {
	ttfb := resp.TTFBMs()
	total := resp.TotalMs()
	if ttfb > 0 || total > 0 {
		rec.FirstByteMs = &ttfb
		rec.TotalMs = &total
	}
}
