package main

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/treeline-dev/treeline/internal/concurrency"
	"github.com/treeline-dev/treeline/internal/update"
)

// newAPIHandler serves the local status API. It binds to loopback only:
// the audience is on-device tooling and health checks, not the network.
func newAPIHandler(client *update.Client, state *concurrency.StateContainer[*agentState]) http.Handler {
	router := httprouter.New()

	router.GET("/status", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		current := state.Get()
		if current == nil {
			http.Error(w, "no update pass has completed yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(current)
	})

	router.GET("/current", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		t := client.GetCurrent()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"name":    t.Name,
			"version": t.Version(),
			"sha256":  t.Sha256,
		})
	})

	router.GET("/pending", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		t := client.GetPendingTarget()
		if t.IsUnknown() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"name":    t.Name,
			"version": t.Version(),
			"sha256":  t.Sha256,
		})
	})

	return router
}
