package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tarebo/maestro/internal/workers"
	"github.com/tarebo/maestro/model"
)

func handleWorkersList(reg *workers.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, workerDescriptors(reg.List()))
	}
}

// handleWorkerRegister registers a worker directly through the API and
// answers with the updated worker list, matching the read endpoint's shape.
func handleWorkerRegister(reg *workers.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var input model.RegisterWorkerInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if input.Type == "" {
			WriteValidationError(w, r, []model.FieldError{
				{Field: "type", Code: "REQUIRED", Message: "Worker type is required"},
			})
			return
		}

		reg.Register(model.Worker{
			ID:      input.ID,
			Type:    input.Type,
			Name:    input.Name,
			OwnerID: rctx.SubjectID,
		})
		WriteJSON(w, http.StatusCreated, workerDescriptors(reg.List()))
	}
}

func handleWorkerDeregister(reg *workers.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Deregister(chi.URLParam(r, "workerId")); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleWorkerHealth(reg *workers.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := reg.CheckWorkerHealth(chi.URLParam(r, "workerId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func workerDescriptors(list []model.Worker) []model.WorkerDescriptor {
	out := make([]model.WorkerDescriptor, 0, len(list))
	for _, wk := range list {
		out = append(out, model.WorkerDescriptor{
			ID:     wk.ID,
			Type:   wk.Type,
			Name:   wk.Name,
			Status: wk.Health,
		})
	}
	return out
}
