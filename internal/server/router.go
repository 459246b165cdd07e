package server

import (
	"net/http"
)

// Handler returns an http.Handler implementing the file API.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpload(w, r)
	})
	api.HandleFunc("GET /files", func(w http.ResponseWriter, r *http.Request) {
		s.handleList(w, r)
	})
	api.HandleFunc("GET /files/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		s.handleDownload(w, r, name)
	})
	api.HandleFunc("DELETE /files/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		s.handleDelete(w, r, name)
	})

	mux := http.NewServeMux()

	// Operational endpoints stay reachable without credentials.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.Handle("/", s.RequireAuthentication(api))

	// Add middleware
	handler := s.SlashFix(mux)
	handler = s.LogRequest(handler)
	handler = s.Recoverer(handler)
	return handler
}
