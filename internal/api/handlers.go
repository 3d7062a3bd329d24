package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"agent-js-sandbox/internal/cache"
	"agent-js-sandbox/internal/monitor"
	"agent-js-sandbox/internal/sandbox"
	"agent-js-sandbox/internal/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ExecutionStore reads the audit trail.
type ExecutionStore interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	Healthy(ctx context.Context) bool
}

// AuditLogger accepts execution records for asynchronous persistence.
type AuditLogger interface {
	Log(exec *storage.Execution)
}

// Deps are the optional collaborators of Handlers. Nil fields disable the
// feature they back.
type Deps struct {
	Store   ExecutionStore
	Audit   AuditLogger
	Cache   cache.Cache
	Metrics *monitor.Metrics
	Tracer  *monitor.Tracer
}

// HandlerOptions mirror the sandbox defaults so cache keys and audit records
// carry the limits a request actually ran with.
type HandlerOptions struct {
	DefaultTimeout  time.Duration
	DefaultMemoryMB uint
	BlockCritical   bool
}

type Handlers struct {
	backend  sandbox.Backend
	store    ExecutionStore
	audit    AuditLogger
	cache    cache.Cache
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	detector *monitor.EscapeDetector
	opts     HandlerOptions
}

func NewHandlers(backend sandbox.Backend, deps Deps, opts HandlerOptions) *Handlers {
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = monitor.NewTracer()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = sandbox.DefaultTimeout
	}
	if opts.DefaultMemoryMB == 0 {
		opts.DefaultMemoryMB = sandbox.DefaultMemoryLimitMB
	}
	return &Handlers{
		backend:  backend,
		store:    deps.Store,
		audit:    deps.Audit,
		cache:    deps.Cache,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		detector: monitor.NewEscapeDetector(),
		opts:     opts,
	}
}

// apiError is a request failure with its HTTP status and error code.
type apiError struct {
	status int
	code   string
	msg    string
}

// admission is a request that passed validation and screening.
type admission struct {
	id         string
	req        ExecutionRequest
	limits     sandbox.Config
	codeHash   string
	detections []monitor.Detection
	start      time.Time
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	adm, apiErr := h.admit(r)
	if apiErr != nil {
		writeError(w, apiErr.msg, apiErr.code, apiErr.status, r)
		return
	}
	w.Header().Set("X-Execution-ID", adm.id)

	resp, apiErr := h.execute(r.Context(), r, adm, nil)
	if apiErr != nil {
		writeError(w, apiErr.msg, apiErr.code, apiErr.status, r)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	adm, apiErr := h.admit(r)
	if apiErr != nil {
		writeError(w, apiErr.msg, apiErr.code, apiErr.status, r)
		return
	}

	console := NewSSEWriter(w, "console")
	if console == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Execution-ID", adm.id)
	w.WriteHeader(http.StatusOK)

	startData, _ := json.Marshal(map[string]string{"id": adm.id})
	sendSSEEvent(w, "start", string(startData))

	resp, apiErr := h.execute(r.Context(), r, adm, console.Line)
	// A script abandoned at its deadline may still write to the console; the
	// closed writer drops those lines.
	console.Close()

	if apiErr != nil {
		errData, _ := json.Marshal(ErrorResponse{
			Error:     apiErr.msg,
			Code:      apiErr.code,
			RequestID: RequestIDFromContext(r.Context()),
		})
		sendSSEError(w, string(errData))
		return
	}

	doneData, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("exec_id", adm.id).Msg("failed to encode stream result")
		sendSSEError(w, `{"error":"encoding failed","code":"INTERNAL"}`)
		return
	}
	sendSSEDone(w, string(doneData))
}

// admit decodes, validates and screens a request before any isolate work.
func (h *Handlers) admit(r *http.Request) (*admission, *apiError) {
	var req ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, &apiError{http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON: " + err.Error()}
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, &apiError{http.StatusBadRequest, "INVALID_REQUEST", "code is required"}
	}
	if req.Timeout.Duration < 0 {
		return nil, &apiError{http.StatusBadRequest, "INVALID_REQUEST", "timeout must not be negative"}
	}

	adm := &admission{
		id:       uuid.New().String(),
		req:      req,
		codeHash: sandbox.HashCode(req.Code),
		start:    time.Now(),
		limits: sandbox.Config{
			Timeout:       req.Timeout.Duration,
			MemoryLimitMB: req.MemoryMB,
		},
	}
	if adm.limits.Timeout == 0 {
		adm.limits.Timeout = h.opts.DefaultTimeout
	}
	if adm.limits.MemoryLimitMB == 0 {
		adm.limits.MemoryLimitMB = h.opts.DefaultMemoryMB
	}

	h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))

	adm.detections = h.detector.AnalyzeCode(req.Code)
	for _, d := range adm.detections {
		h.metrics.RecordSecurityEvent(d.Pattern)
	}

	if h.opts.BlockCritical && monitor.HasCritical(adm.detections) {
		log.Warn().
			Str("exec_id", adm.id).
			Str("code_hash", adm.codeHash[:16]).
			Int("detections", len(adm.detections)).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("execution blocked by escape detector")
		h.metrics.RecordExecution("blocked", "", 0)
		h.logAudit(r, adm, "blocked", nil, 0, false, adm.detections)
		return nil, &apiError{http.StatusForbidden, "SECURITY_BLOCKED", "code contains a blocked pattern: " + firstCritical(adm.detections)}
	}

	if h.backend == nil {
		return nil, &apiError{http.StatusServiceUnavailable, "RUNNER_UNAVAILABLE", "sandbox backend unavailable"}
	}
	return adm, nil
}

// execute runs an admitted request, answering from the cache when possible.
// onConsole may be nil.
func (h *Handlers) execute(ctx context.Context, r *http.Request, adm *admission, onConsole func(string)) (*ExecutionResponse, *apiError) {
	ctx, span := h.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(adm.id),
		monitor.AttrCodeHash.String(adm.codeHash),
	)
	defer span.End()

	cacheKey := cache.Key(adm.req.Code, adm.limits)
	if res := h.lookupCache(ctx, cacheKey); res != nil {
		for _, line := range res.ConsoleOutput {
			if onConsole != nil {
				onConsole(line)
			}
		}
		duration := time.Since(adm.start)
		h.metrics.RecordExecution(string(res.Status), "", duration.Seconds())
		h.logAudit(r, adm, string(res.Status), res, duration, true, adm.detections)
		span.SetAttributes(monitor.AttrCached.Bool(true), monitor.AttrStatus.String(string(res.Status)))
		return buildResponse(adm.id, res, duration, true, adm.detections), nil
	}

	h.metrics.ActiveExecutions.Inc()
	exec, err := h.backend.Execute(ctx, sandbox.ExecutionRequest{
		ID:            adm.id,
		Code:          adm.req.Code,
		Timeout:       adm.req.Timeout.Duration,
		MemoryLimitMB: adm.req.MemoryMB,
		OnConsole:     onConsole,
	})
	h.metrics.ActiveExecutions.Dec()
	duration := time.Since(adm.start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, h.executionError(r, adm, err, duration)
	}

	res := exec.Result
	outputDets := h.detector.AnalyzeOutput(res.ConsoleOutput)
	for _, d := range outputDets {
		h.metrics.RecordSecurityEvent(d.Pattern)
	}
	detections := append(append([]monitor.Detection(nil), adm.detections...), outputDets...)

	var kind string
	if res.Failure != nil {
		kind = string(res.Failure.Kind)
		if strings.HasPrefix(res.Failure.Message, sandbox.FaultMessagePrefix) {
			h.metrics.IsolateFaults.Inc()
		}
		span.SetAttributes(monitor.AttrErrorKind.String(kind))
	}
	h.metrics.RecordExecution(string(res.Status), kind, duration.Seconds())
	h.metrics.ConsoleLines.Observe(float64(len(res.ConsoleOutput)))
	if res.Stats != nil {
		h.metrics.RecordUsage(res.Stats.CPUTimeMS/1000, res.Stats.MemoryUsedBytes)
	}

	h.storeCache(ctx, cacheKey, res)
	h.logAudit(r, adm, string(res.Status), res, duration, false, detections)

	span.SetAttributes(
		monitor.AttrStatus.String(string(res.Status)),
		monitor.AttrCached.Bool(false),
		monitor.AttrDurationMS.Int64(duration.Milliseconds()),
	)
	return buildResponse(adm.id, res, duration, false, detections), nil
}

func (h *Handlers) executionError(r *http.Request, adm *admission, err error, duration time.Duration) *apiError {
	logger := log.With().
		Str("exec_id", adm.id).
		Str("request_id", RequestIDFromContext(r.Context())).
		Logger()

	switch {
	case sandbox.IsInvalidRequest(err):
		h.metrics.RecordExecution("validation", "", duration.Seconds())
		return &apiError{http.StatusBadRequest, "VALIDATION_ERROR", unwrapMessage(err)}
	case sandbox.IsDisposed(err):
		h.metrics.RecordExecution("killed", "", duration.Seconds())
		h.logAudit(r, adm, "killed", nil, duration, false, adm.detections)
		logger.Info().Msg("execution killed before completion")
		return &apiError{http.StatusConflict, "EXECUTION_KILLED", "execution was killed"}
	case errors.Is(err, sandbox.ErrBackendClosed):
		return &apiError{http.StatusServiceUnavailable, "RUNNER_UNAVAILABLE", "sandbox backend is shutting down"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.metrics.RecordExecution("canceled", "", duration.Seconds())
		logger.Info().Err(err).Msg("execution canceled by client")
		return &apiError{http.StatusRequestTimeout, "CANCELED", "request canceled"}
	}

	if sandbox.IsFaulted(err) {
		h.metrics.IsolateFaults.Inc()
	}
	h.metrics.RecordError("internal")
	h.metrics.RecordExecution("error", "", duration.Seconds())
	h.logAudit(r, adm, "error", nil, duration, false, adm.detections)
	logger.Error().Err(err).Msg("execution failed")
	return &apiError{http.StatusInternalServerError, "EXECUTION_FAILED", "execution failed"}
}

func (h *Handlers) lookupCache(ctx context.Context, key string) *sandbox.Result {
	if h.cache == nil {
		return nil
	}
	res, err := h.cache.Get(ctx, key)
	switch {
	case err == nil:
		h.metrics.RecordCache("hit")
		return res
	case errors.Is(err, cache.ErrMiss):
		h.metrics.RecordCache("miss")
	default:
		h.metrics.RecordCache("error")
		log.Warn().Err(err).Msg("cache lookup failed")
	}
	return nil
}

func (h *Handlers) storeCache(ctx context.Context, key string, res *sandbox.Result) {
	if h.cache == nil || !cache.Cacheable(res) {
		return
	}
	if err := h.cache.Set(ctx, key, res); err != nil {
		log.Warn().Err(err).Msg("cache store failed")
	}
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.store.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("execution lookup failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultListLimit)
	if err != nil || limit < 1 {
		writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	filter := storage.ExecutionFilter{
		Status:    q.Get("status"),
		ErrorKind: q.Get("error_kind"),
		CodeHash:  q.Get("code_hash"),
		Limit:     min(limit, maxListLimit),
		Offset:    offset,
	}

	execs, err := h.store.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("execution list failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}

	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) HandleKillExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.backend == nil {
		writeError(w, "sandbox backend unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	if !h.backend.Kill(id) {
		writeError(w, "no running execution with that ID", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	log.Info().Str("exec_id", id).Str("request_id", RequestIDFromContext(r.Context())).Msg("kill requested for execution")
	writeJSON(w, http.StatusAccepted, KillResponse{Status: "kill_requested", ID: id})
}

func (h *Handlers) logAudit(r *http.Request, adm *admission, status string, res *sandbox.Result, duration time.Duration, cached bool, dets []monitor.Detection) {
	if h.audit == nil {
		return
	}

	completedAt := time.Now()
	rec := &storage.Execution{
		ID:             adm.id,
		CodeHash:       adm.codeHash,
		Status:         status,
		DurationMS:     duration.Milliseconds(),
		TimeoutMS:      adm.limits.Timeout.Milliseconds(),
		MemoryLimitMB:  int(adm.limits.MemoryLimitMB),
		SecurityEvents: len(dets),
		Cached:         cached,
		RequestIP:      r.RemoteAddr,
		APIKeyHash:     hashAPIKey(APIKeyFromContext(r.Context())),
		CreatedAt:      adm.start,
		CompletedAt:    &completedAt,
	}

	if res != nil {
		rec.ConsoleOutput = res.ConsoleOutput
		if res.Returned() {
			v := string(res.ReturnedValue)
			rec.ReturnedValue = &v
		}
		if res.Stats != nil {
			rec.CPUTimeMS = res.Stats.CPUTimeMS
			rec.WallTimeMS = res.Stats.WallTimeMS
			rec.MemoryUsedBytes = int64(res.Stats.MemoryUsedBytes)
		}
		if res.Failure != nil {
			rec.ErrorKind = string(res.Failure.Kind)
			rec.ErrorMessage = res.Failure.Message
		}
	}

	for _, d := range dets {
		rec.Detections = append(rec.Detections, storage.SecurityEventRecord{
			Type:     d.Pattern,
			Severity: d.Severity,
			Detail:   d.Detail,
			Line:     d.Line,
		})
	}

	h.audit.Log(rec)
}

func buildResponse(id string, res *sandbox.Result, duration time.Duration, cached bool, dets []monitor.Detection) *ExecutionResponse {
	console := res.ConsoleOutput
	if console == nil {
		console = []string{}
	}
	resp := &ExecutionResponse{
		ID:            id,
		Status:        res.Status,
		ReturnedValue: res.ReturnedValue,
		ConsoleOutput: console,
		Stats:         res.Stats,
		Error:         res.Failure,
		Duration:      duration.String(),
		Cached:        cached,
	}
	for _, d := range dets {
		resp.SecurityEvents = append(resp.SecurityEvents, SecurityEvent{
			Type:     d.Pattern,
			Severity: d.Severity,
			Detail:   d.Detail,
			Line:     d.Line,
		})
	}
	return resp
}

func firstCritical(dets []monitor.Detection) string {
	for _, d := range dets {
		if d.Critical() {
			return d.Pattern
		}
	}
	return ""
}

// unwrapMessage strips the InfraError operation prefix so clients see only
// the validation reason.
func unwrapMessage(err error) string {
	var infra *sandbox.InfraError
	if errors.As(err, &infra) {
		return infra.Err.Error()
	}
	return err.Error()
}

func hashAPIKey(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
