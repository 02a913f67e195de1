// Package api 运维 HTTP 接口：触发、查询、强制停止与重放 saga
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pen/orchestrator/internal/saga"
	apperrors "github.com/pen/orchestrator/pkg/errors"
	"github.com/pen/orchestrator/pkg/logger"
	"github.com/pen/orchestrator/pkg/response"
	"github.com/pen/orchestrator/pkg/tracing"
)

const (
	tokenHeader = "X-Internal-Token"

	defaultMaxBody  = 1 << 20
	defaultMaxBatch = 500
	defaultLimit    = 100
	maxLimit        = 1000
)

type Options struct {
	// Token 为空时不校验 X-Internal-Token
	Token  string
	Logger *logger.Logger
	// WS 挂在 /ws/sagas 上的 websocket 处理器，可为空
	WS       http.Handler
	MaxBody  int64
	MaxBatch int
	Now      func() time.Time
}

type Handler struct {
	engine *saga.Engine
	opts   Options
	log    *logger.Logger
}

func New(engine *saga.Engine, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = defaultMaxBody
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{engine: engine, opts: opts, log: opts.Logger}
}

// Mount 把路由注册到 mux 上，全部经过内部 token 校验
func (h *Handler) Mount(mux *http.ServeMux) {
	auth := h.requireInternalAuth
	mux.HandleFunc("GET /api/v1/workflows", auth(h.listWorkflows))
	mux.HandleFunc("POST /api/v1/workflows/{name}/sagas", auth(h.trigger))
	mux.HandleFunc("POST /api/v1/workflows/{name}/sagas/batch", auth(h.triggerBatch))
	mux.HandleFunc("POST /api/v1/workflows/{name}/force-start", auth(h.forceStart))
	mux.HandleFunc("GET /api/v1/sagas", auth(h.listSagas))
	mux.HandleFunc("GET /api/v1/sagas/{id}", auth(h.getSaga))
	mux.HandleFunc("GET /api/v1/sagas/{id}/events", auth(h.getEvents))
	mux.HandleFunc("POST /api/v1/sagas/{id}/force-stop", auth(h.forceStop))
	mux.HandleFunc("POST /api/v1/sagas/{id}/replay", auth(h.replay))
	if h.opts.WS != nil {
		ws := h.opts.WS
		mux.HandleFunc("GET /ws/sagas", auth(ws.ServeHTTP))
	}
}

// Routes 返回带 request id、panic 恢复与追踪中间件的完整处理器
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Mount(mux)
	return Wrap(mux, h.log)
}

// Wrap 套上公共中间件
func Wrap(next http.Handler, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	return response.RequestIDMiddleware(response.RecoveryMiddleware(log)(tracing.HTTPMiddleware(next)))
}

func (h *Handler) requireInternalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.opts.Token == "" {
			next(w, r)
			return
		}
		token := r.Header.Get(tokenHeader)
		// 浏览器 websocket 无法自定义请求头
		if token == "" && strings.HasPrefix(r.URL.Path, "/ws/") {
			token = r.URL.Query().Get("token")
		}
		if token != h.opts.Token {
			response.WriteErrorCode(w, r, apperrors.CodeUnauthenticated, "unauthorized")
			return
		}
		next(w, r)
	}
}

type workflowResponse struct {
	Name        string               `json:"name"`
	Topic       string               `json:"topic"`
	Transitions []transitionResponse `json:"transitions"`
}

type transitionResponse struct {
	From    saga.EventType    `json:"from"`
	Outcome saga.EventOutcome `json:"outcome"`
	Next    saga.EventType    `json:"next"`
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs := h.engine.Registry().Workflows()
	out := make([]workflowResponse, 0, len(wfs))
	for _, wf := range wfs {
		item := workflowResponse{Name: wf.Name(), Topic: wf.Topic()}
		for _, t := range wf.Transitions() {
			item.Transitions = append(item.Transitions, transitionResponse{From: t.From, Outcome: t.Outcome, Next: t.Next})
		}
		out = append(out, item)
	}
	response.WriteJSON(w, http.StatusOK, out)
}

type triggerResponse struct {
	SagaID string      `json:"sagaId"`
	Status saga.Status `json:"status"`
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if !h.decodeJSON(w, r, &payload) {
		return
	}
	s, err := h.engine.Trigger(r.Context(), r.PathValue("name"), string(payload), createdBy(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, triggerResponse{SagaID: s.SagaID, Status: s.Status})
}

func (h *Handler) forceStart(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if !h.decodeJSON(w, r, &payload) {
		return
	}
	s, err := h.engine.ForceStart(r.Context(), r.PathValue("name"), string(payload), createdBy(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, triggerResponse{SagaID: s.SagaID, Status: s.Status})
}

type batchItem struct {
	Index  int              `json:"index"`
	SagaID string           `json:"sagaId,omitempty"`
	Error  *apperrors.Error `json:"error,omitempty"`
}

func (h *Handler) triggerBatch(w http.ResponseWriter, r *http.Request) {
	var items []json.RawMessage
	if !h.decodeJSON(w, r, &items) {
		return
	}
	if len(items) == 0 {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidRequest, "empty batch")
		return
	}
	if len(items) > h.opts.MaxBatch {
		response.WriteError(w, r, apperrors.Newf(apperrors.CodeInvalidRequest, "batch exceeds %d items", h.opts.MaxBatch))
		return
	}
	name := r.PathValue("name")
	if _, err := h.engine.Registry().Get(name); err != nil {
		h.writeError(w, r, err)
		return
	}

	payloads := make([]string, len(items))
	for i, it := range items {
		payloads[i] = string(it)
	}
	results := h.engine.TriggerBatch(r.Context(), name, payloads, createdBy(r))
	out := make([]batchItem, len(results))
	for i, res := range results {
		out[i] = batchItem{Index: res.Index}
		if res.Err != nil {
			out[i].Error = toAppError(res.Err)
			continue
		}
		out[i].SagaID = res.Saga.SagaID
	}
	response.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) listSagas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := saga.ListFilter{Workflow: strings.TrimSpace(q.Get("workflow")), Limit: defaultLimit}
	for _, raw := range q["status"] {
		for _, st := range strings.Split(raw, ",") {
			st = strings.ToUpper(strings.TrimSpace(st))
			if st == "" {
				continue
			}
			status, ok := parseStatus(st)
			if !ok {
				response.WriteError(w, r, apperrors.Newf(apperrors.CodeInvalidParam, "unknown status %q", st))
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if v := q.Get("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "invalid olderThan")
			return
		}
		f.CreatedBefore = h.opts.Now().Add(-d)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "invalid limit")
			return
		}
		f.Limit = min(n, maxLimit)
	}

	sagas, err := h.engine.Store().ListSagas(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sagas == nil {
		sagas = []*saga.Saga{}
	}
	response.WriteJSON(w, http.StatusOK, sagas)
}

func (h *Handler) getSaga(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Store().GetSaga(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, s)
}

func (h *Handler) getEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.engine.Store().GetSaga(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.engine.Store().FindEvents(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*saga.SagaEvent{}
	}
	response.WriteJSON(w, http.StatusOK, events)
}

func (h *Handler) forceStop(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.ForceStop(r.Context(), r.PathValue("id"), createdBy(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, s)
}

type replayResponse struct {
	SagaID string      `json:"sagaId"`
	Result saga.Result `json:"result"`
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := h.engine.Replay(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, replayResponse{SagaID: id, Result: result})
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.WriteErrorCode(w, r, apperrors.CodeRequestTooLarge, "request body too large")
			return false
		}
		response.WriteErrorCode(w, r, apperrors.CodeInvalidRequest, "invalid request")
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := toAppError(err)
	if appErr.Code == apperrors.CodeInternal {
		h.log.WithContext(r.Context()).WithError(err).Errorf("admin request failed", logger.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		appErr = apperrors.New(apperrors.CodeInternal, "internal error")
	}
	response.WriteError(w, r, appErr)
}

// toAppError 把 saga 包的哨兵错误映射为接口错误码
func toAppError(err error) *apperrors.Error {
	switch {
	case errors.Is(err, saga.ErrSagaConflict):
		return apperrors.New(apperrors.CodeSagaConflict, err.Error())
	case errors.Is(err, saga.ErrSagaNotFound):
		return apperrors.New(apperrors.CodeSagaNotFound, err.Error())
	case errors.Is(err, saga.ErrUnknownWorkflow):
		return apperrors.New(apperrors.CodeWorkflowNotFound, err.Error())
	case errors.Is(err, saga.ErrCorrelationKey), errors.Is(err, saga.ErrPayloadDecode):
		return apperrors.New(apperrors.CodeInvalidPayload, err.Error())
	case errors.Is(err, saga.ErrSagaAlreadyCompleted):
		return apperrors.New(apperrors.CodeSagaAlreadyCompleted, err.Error())
	case errors.Is(err, saga.ErrSagaForceStopped):
		return apperrors.New(apperrors.CodeSagaForceStopped, err.Error())
	}
	return apperrors.From(err)
}

func createdBy(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("createdBy"))
}

func parseStatus(s string) (saga.Status, bool) {
	switch st := saga.Status(s); st {
	case saga.StatusStarted, saga.StatusInProgress, saga.StatusCompleted, saga.StatusForceStopped:
		return st, true
	}
	return "", false
}
