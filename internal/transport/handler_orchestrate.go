package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tarebo/maestro/internal/definition"
	"github.com/tarebo/maestro/internal/engine"
	"github.com/tarebo/maestro/internal/observability"
	"github.com/tarebo/maestro/internal/store"
	"github.com/tarebo/maestro/model"
)

func handleOrchestrateSubmit(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var input model.OrchestrateInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		idempotencyKey := r.Header.Get("Idempotency-Key")

		observability.RequestLogger(r.Context(), zap.NewNop()).Debug("submission received",
			zap.String("workflow_type", input.Type),
			zap.Any("payload", observability.RedactBody(input.Payload, nil)),
		)

		req, err := eng.Submit(r.Context(), rctx, input, idempotencyKey)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, orchestrateResult(req))
	}
}

func handleOrchestrateGet(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		requestID := chi.URLParam(r, "requestId")

		req, err := eng.Get(r.Context(), rctx, requestID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleOrchestrateList(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		filters := store.RequestFilters{
			Status:       model.RequestStatus(r.URL.Query().Get("status")),
			WorkflowType: r.URL.Query().Get("type"),
			Limit:        queryInt(r, "limit", 50),
			Offset:       queryInt(r, "offset", 0),
		}

		reqs, err := eng.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		summaries := make([]model.RequestSummary, 0, len(reqs))
		for _, req := range reqs {
			summaries = append(summaries, requestSummary(req))
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   summaries,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleOrchestrateCancel(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		requestID := chi.URLParam(r, "requestId")

		req, err := eng.Cancel(r.Context(), rctx, requestID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, orchestrateResult(req))
	}
}

// handleOrchestrateEvents streams request progress as server-sent events.
// The stream ends after a terminal event, when the client disconnects, or
// when the engine shuts down.
func handleOrchestrateEvents(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		requestID := chi.URLParam(r, "requestId")

		// Ownership check before subscribing.
		req, err := eng.Get(r.Context(), rctx, requestID)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, r, model.NewInternalError())
			return
		}

		events, cancel := eng.Watch(requestID)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		// Snapshot first so subscribers never start blind.
		writeSSE(w, model.RequestEvent{
			RequestID: req.ID,
			Status:    req.Status,
			Message:   "snapshot",
			Timestamp: req.UpdatedAt,
		})
		flusher.Flush()

		if req.Status.Terminal() {
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				writeSSE(w, ev)
				flusher.Flush()
			}
		}
	}
}

func handleWorkflowTypes(defs *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		types := defs.AllWorkflowTypes()
		out := make([]model.WorkflowTypeDescriptor, 0, len(types))
		for _, t := range types {
			out = append(out, model.WorkflowTypeDescriptor{
				Type:        t.Type,
				Description: t.Description,
				Steps:       t.Steps,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

func handleWorkerTypes(defs *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		types := defs.AllWorkerTypes()
		out := make([]model.WorkerTypeDescriptor, 0, len(types))
		for _, t := range types {
			out = append(out, model.WorkerTypeDescriptor{
				Type:        t.Type,
				Description: t.Description,
				Deployment:  t.Deployment,
				GPU:         t.GPU,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

// --- helpers ---

func orchestrateResult(req model.Request) model.OrchestrateResult {
	return model.OrchestrateResult{
		RequestID: req.ID,
		Status:    req.Status,
		Data:      req.Result,
		Error:     req.Error,
	}
}

func requestSummary(req model.Request) model.RequestSummary {
	return model.RequestSummary{
		ID:           req.ID,
		WorkflowType: req.WorkflowType,
		Status:       req.Status,
		CreatedAt:    req.CreatedAt,
		UpdatedAt:    req.UpdatedAt,
		CompletedAt:  req.CompletedAt,
		Error:        req.Error,
	}
}

func writeSSE(w http.ResponseWriter, ev model.RequestEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
