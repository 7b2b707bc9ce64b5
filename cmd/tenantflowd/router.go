package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drblury/tenantflow"
)

func newRouter(svc *tenantflow.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", svc.MetricsHandler())
	r.Method(http.MethodGet, "/health", svc.HealthHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/breakers", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, svc.Breakers())
		})
		r.Get("/topics", func(w http.ResponseWriter, r *http.Request) {
			topics, err := svc.ListTopics(r.Context(), r.URL.Query().Get("tenant_id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, topics)
		})
		r.Get("/topics/{topic}", func(w http.ResponseWriter, r *http.Request) {
			info, err := svc.GetTopicInfo(r.Context(), chi.URLParam(r, "topic"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, info)
		})
		r.Get("/groups/{group}/lag", func(w http.ResponseWriter, r *http.Request) {
			lag, err := svc.GetConsumerLag(r.Context(), chi.URLParam(r, "group"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, lag)
		})
		r.Get("/groups/{group}/dlq", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			entries, err := svc.ListDLQ(r.Context(), chi.URLParam(r, "group"), limit)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, entries)
		})
		r.Get("/replays/{id}", func(w http.ResponseWriter, r *http.Request) {
			job, err := svc.GetReplayStatus(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, job)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case tenantflow.IsPermanent(err):
		status = http.StatusBadRequest
	case errors.Is(err, tenantflow.ErrReplayNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tenantflow.ErrBackendUnavailable), errors.Is(err, tenantflow.ErrCircuitOpen), errors.Is(err, tenantflow.ErrTimeout):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
