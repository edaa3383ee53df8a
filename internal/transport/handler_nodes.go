package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tarebo/maestro/internal/definition"
	"github.com/tarebo/maestro/internal/nodes"
	"github.com/tarebo/maestro/internal/observability"
	"github.com/tarebo/maestro/model"
)

// nodeHandlers groups the operator surface over the node lifecycle manager.
// Routes are only mounted when node management is enabled.
type nodeHandlers struct {
	manager *nodes.Manager
	defs    *definition.Registry
	metrics *observability.Metrics
}

func (h *nodeHandlers) record(op string, err error) {
	if h.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	h.metrics.RecordNodeOperation(op, outcome)
}

func (h *nodeHandlers) scaleDeployment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var input model.ScaleInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
		return
	}
	if input.Replicas < 0 {
		WriteValidationError(w, r, []model.FieldError{
			{Field: "replicas", Code: "NEGATIVE", Message: "Replicas must not be negative"},
		})
		return
	}

	err := h.manager.ScaleDeployment(r.Context(), name, input.Replicas)
	h.record("scale_deployment", err)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"name": name, "replicas": input.Replicas})
}

func (h *nodeHandlers) restartDeployment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := h.manager.RestartDeployment(r.Context(), name)
	h.record("restart_deployment", err)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"name": name, "status": "restarting"})
}

func (h *nodeHandlers) startNode(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return
	}

	var input model.StartNodeInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
		return
	}
	if input.WorkerType == "" {
		WriteValidationError(w, r, []model.FieldError{
			{Field: "workerType", Code: "REQUIRED", Message: "Worker type is required"},
		})
		return
	}

	def, ok := h.defs.WorkerType(input.WorkerType)
	if !ok {
		WriteValidationError(w, r, []model.FieldError{
			{Field: "workerType", Code: "UNKNOWN", Message: "Unknown worker type " + input.WorkerType},
		})
		return
	}
	if def.Image == "" {
		WriteValidationError(w, r, []model.FieldError{
			{Field: "workerType", Code: "NO_IMAGE", Message: "Worker type " + input.WorkerType + " has no node image"},
		})
		return
	}

	spec := nodes.NodeSpec{
		UserID:   input.UserID,
		NodeType: input.WorkerType,
		Image:    def.Image,
		CPU:      firstNonEmpty(input.CPU, def.CPU, "500m"),
		Memory:   firstNonEmpty(input.Memory, def.Memory, "512Mi"),
		GPU:      input.GPU || def.GPU,
		Env:      input.Env,
	}
	if spec.UserID == "" {
		spec.UserID = rctx.SubjectID
	}

	name, err := h.manager.StartWorkerNode(r.Context(), spec)
	h.record("start_node", err)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (h *nodeHandlers) stopNode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := h.manager.StopWorkerNode(r.Context(), name)
	h.record("stop_node", err)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *nodeHandlers) nodeReady(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	ready, err := h.manager.IsWorkerNodeReady(r.Context(), name)
	h.record("node_ready", err)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"name": name, "ready": ready})
}

func (h *nodeHandlers) nodeLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var tail int64
	if s := r.URL.Query().Get("tail"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			WriteValidationError(w, r, []model.FieldError{
				{Field: "tail", Code: "INVALID", Message: "Tail must be a non-negative integer"},
			})
			return
		}
		tail = v
	}

	logs, err := h.manager.PodLogs(r.Context(), name, tail)
	h.record("node_logs", err)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(logs))
}

func (h *nodeHandlers) nodeExec(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var input model.ExecInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
		return
	}
	if len(input.Command) == 0 {
		WriteValidationError(w, r, []model.FieldError{
			{Field: "command", Code: "REQUIRED", Message: "Command is required"},
		})
		return
	}

	stdout, stderr, err := h.manager.ExecCommand(r.Context(), name, input.Container, input.Command)
	h.record("node_exec", err)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, model.ExecResult{Stdout: stdout, Stderr: stderr})
}

func (h *nodeHandlers) listNodes(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = rctx.SubjectID
	}

	list, err := h.manager.UserWorkerNodes(r.Context(), userID)
	h.record("list_nodes", err)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	out := make([]model.NodeDescriptor, 0, len(list))
	for _, n := range list {
		out = append(out, model.NodeDescriptor{
			Name:       n.Name,
			WorkerType: n.WorkerType,
			UserID:     n.UserID,
			Phase:      n.Phase,
			Ready:      n.Ready,
			CreatedAt:  n.CreatedAt,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": out})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
