package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/eteran/filebox/internal/files"
	"github.com/eteran/filebox/internal/metrics"
	"github.com/eteran/filebox/pkg/auth"
)

// Config holds the collaborators of a Server.
type Config struct {
	Files          *files.Service
	Auth           auth.AuthEngine
	Metrics        *metrics.Metrics
	MaxUploadBytes int64
}

// Server exposes the file service over HTTP.
type Server struct {
	files          *files.Service
	auth           auth.AuthEngine
	metrics        *metrics.Metrics
	maxUploadBytes int64
}

// NewServer returns a Server. A nil Auth allows anonymous access.
func NewServer(cfg Config) *Server {
	if cfg.Auth == nil {
		cfg.Auth = auth.AnonymousAuthEngine{}
	}
	return &Server{
		files:          cfg.Files,
		auth:           cfg.Auth,
		metrics:        cfg.Metrics,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
}

type uploadResponse struct {
	Message  string `json:"message"`
	BlobName string `json:"blobName"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

type deleteResponse struct {
	Message  string `json:"message"`
	BlobName string `json:"blobName"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "err", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeError maps a files error to its status code and logs it.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	message := files.MessageOf(err)

	switch files.KindOf(err) {
	case files.KindBadRequest:
		slog.Warn("Rejected request", "path", r.URL.Path, "err", err)
		writeJSONError(w, http.StatusBadRequest, message)
	case files.KindNotFound:
		writeJSONError(w, http.StatusNotFound, message)
	default:
		slog.Error("Request failed", "path", r.URL.Path, "err", err)
		writeJSONError(w, http.StatusInternalServerError, message)
	}
}

// contentDisposition formats an attachment disposition for name, quoting it
// only when it is not a plain token.
func contentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}

	var req files.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusBadRequest, "Request body too large")
			return
		}
		slog.Warn("Invalid upload body", "err", err)
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := s.files.Upload(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		Message:  "File uploaded successfully",
		BlobName: res.Key,
		URL:      res.URL,
		Size:     res.Size,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()

	data, info, err := s.files.Download(ctx, name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", contentDisposition(name))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		slog.Warn("Failed to write file to client", "key", name, "err", err)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()

	if err := s.files.Delete(ctx, name); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, deleteResponse{
		Message:  "File deleted successfully",
		BlobName: name,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	listing, err := s.files.List(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
