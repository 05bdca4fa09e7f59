package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/queuectl/internal/domain"
	"github.com/SirClappington/queuectl/internal/logging"
	"github.com/SirClappington/queuectl/internal/queue"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc *queue.Service
	log *zap.Logger
}

func NewHandler(svc *queue.Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: logging.OrNop(log).Named("api")}
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	req, err := queue.DecodeEnqueueRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, err)
		return
	}
	j, err := h.svc.Enqueue(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	var state *domain.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		st, err := domain.ParseState(raw)
		if err != nil {
			h.writeError(w, err)
			return
		}
		state = &st
	}
	jobs, err := h.svc.List(r.Context(), state)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(jobs))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) DLQList(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.DLQList(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(jobs))
}

func (h *Handler) DLQReplay(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.DLQReplay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func nonNil(jobs []domain.Job) []domain.Job {
	if jobs == nil {
		return []domain.Job{}
	}
	return jobs
}
