// Package api implements the metadata HTTP surface: a thin
// request/response view over the Document Store and Engine.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter registers the metadata API's routes against h.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	docs := r.PathPrefix("/api").Subrouter()
	docs.HandleFunc("/documents", h.CreateDocument).Methods("POST")
	docs.HandleFunc("/documents/{id}", h.GetDocument).Methods("GET")
	docs.HandleFunc("/documents/{id}/stats", h.GetStats).Methods("GET")
	docs.HandleFunc("/documents/{id}/audit", h.GetAudit).Methods("GET")

	docs.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	return r
}
