// CLAUDE:SUMMARY REST surface on chi: watch CRUD, history, saved configurations, stats, sweep trigger.
package vigil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterHTTP mounts the REST API on a chi router.
func (svc *Service) RegisterHTTP(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/watches", svc.handleListWatches)
		r.Post("/watches", svc.handleAddWatch)
		r.Get("/watches/{watchID}", svc.handleGetWatch)
		r.Delete("/watches/{watchID}", svc.handleStopWatch)
		r.Post("/watches/{watchID}/dismiss", svc.handleDismissWatch)

		r.Get("/history", svc.handleHistory)

		r.Get("/configs", svc.handleListConfigs)
		r.Post("/configs", svc.handleSaveConfig)
		r.Post("/configs/{configID}/apply", svc.handleApplyConfig)
		r.Delete("/configs/{configID}", svc.handleDeleteConfig)

		r.Get("/stats", svc.handleStats)
		r.Post("/sweep", svc.handleSweep)
	})
}

func (svc *Service) handleListWatches(w http.ResponseWriter, r *http.Request) {
	watches, err := svc.ListWatches(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, watches)
}

func (svc *Service) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	var req AddWatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	watch, err := svc.AddWatch(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, watch)
}

func (svc *Service) handleGetWatch(w http.ResponseWriter, r *http.Request) {
	watch, err := svc.GetWatch(r.Context(), chi.URLParam(r, "watchID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, watch)
}

func (svc *Service) handleStopWatch(w http.ResponseWriter, r *http.Request) {
	if err := svc.StopWatch(r.Context(), chi.URLParam(r, "watchID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (svc *Service) handleDismissWatch(w http.ResponseWriter, r *http.Request) {
	entry, err := svc.DismissWatch(r.Context(), chi.URLParam(r, "watchID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (svc *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := svc.History(r.Context(), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (svc *Service) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := svc.ListSavedConfigs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

func (svc *Service) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string          `json:"name"`
		Entries []WatchTemplate `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c, err := svc.SaveConfiguration(r.Context(), req.Name, req.Entries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (svc *Service) handleApplyConfig(w http.ResponseWriter, r *http.Request) {
	results, err := svc.ApplySavedConfig(r.Context(), chi.URLParam(r, "configID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (svc *Service) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := svc.DeleteSavedConfig(r.Context(), chi.URLParam(r, "configID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (svc *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (svc *Service) handleSweep(w http.ResponseWriter, r *http.Request) {
	forced, removed := svc.SweepNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"forced": forced, "removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrWatchNotFound), errors.Is(err, ErrConfigNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ErrQuotaExceeded):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
