// Package api exposes the builder over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vyvo/contractbuild/backend/pkg/builder"
	"github.com/vyvo/contractbuild/backend/pkg/filestore"
)

// Builder runs a build for a project.
type Builder interface {
	Build(ctx context.Context, projectID string) (builder.Report, error)
}

// Catalog is the project and file metadata exposed alongside builds.
type Catalog interface {
	ListProjects(ctx context.Context) ([]filestore.Project, error)
	GetProject(ctx context.Context, id string) (filestore.Project, error)
	CreateProject(ctx context.Context, project filestore.NewProject) (filestore.Project, error)
	ListFiles(ctx context.Context) ([]filestore.File, error)
	GetFile(ctx context.Context, id string) (filestore.File, error)
	CreateFile(ctx context.Context, file filestore.NewFile) (filestore.File, error)
}

// BuildRequest is the body of a build request. No fields are honoured.
type BuildRequest struct{}

// BuildIDHeader carries the id under which a build was recorded.
const BuildIDHeader = "X-Build-ID"

type Server struct {
	builds  Builder
	history *builder.History
	catalog Catalog
}

func NewServer(builds Builder, history *builder.History, catalog Catalog) *Server {
	return &Server{builds: builds, history: history, catalog: catalog}
}

// Routes returns the service router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(traceContext)

	r.Get("/healthz", healthzHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/builds", s.handleListBuilds)
		r.Route("/builds/{buildID}", func(r chi.Router) {
			r.Get("/", s.handleGetBuild)
			r.Get("/logs", s.handleStreamLogs)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)
			r.Get("/{projectID}", s.handleGetProject)
			r.Post("/{projectID}/build", s.handleBuild)
		})
		r.Route("/files", func(r chi.Router) {
			r.Get("/", s.handleListFiles)
			r.Post("/", s.handleCreateFile)
			r.Get("/{fileID}", s.handleGetFile)
		})
	})
	return r
}

// traceContext continues traces started by the caller.
func traceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := uuid.Parse(projectID); err != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}

	var req BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	report, err := s.builds.Build(r.Context(), projectID)
	if report.ID != "" {
		w.Header().Set(BuildIDHeader, report.ID)
	}
	if err != nil {
		status, message := buildErrorResponse(err)
		log.Printf("build for project %s failed: %v", projectID, err)
		http.Error(w, message, status)
		return
	}
	respondJSON(w, report.Result, http.StatusOK)
}

func buildErrorResponse(err error) (int, string) {
	var buildErr *builder.Error
	if !errors.As(err, &buildErr) {
		return http.StatusInternalServerError, fmt.Sprintf("Build failed: %v", err)
	}
	switch buildErr.Kind {
	case builder.KindFetch:
		return http.StatusInternalServerError, fmt.Sprintf("Failed to fetch files: %v", buildErr.Err)
	case builder.KindWorkspace:
		return http.StatusInternalServerError, fmt.Sprintf("Failed to prepare workspace: %v", buildErr.Err)
	case builder.KindCancelled:
		return http.StatusServiceUnavailable, fmt.Sprintf("Build cancelled: %v", buildErr.Err)
	default:
		return http.StatusInternalServerError, buildErr.Error()
	}
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	builds, err := s.history.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"builds": builds}, http.StatusOK)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	build, err := s.history.Get(chi.URLParam(r, "buildID"))
	if err != nil {
		respondHistoryError(w, err)
		return
	}
	respondJSON(w, map[string]any{"build": build}, http.StatusOK)
}

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	ch, err := s.history.Subscribe(chi.URLParam(r, "buildID"))
	if err != nil {
		respondHistoryError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	done := r.Context().Done()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "data: %s\n\n", "[stream closed]")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.catalog.ListProjects(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, projects, http.StatusOK)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var payload filestore.NewProject
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	project, err := s.catalog.CreateProject(r.Context(), payload)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, project, http.StatusCreated)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.catalog.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, project, http.StatusOK)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.catalog.ListFiles(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, files, http.StatusOK)
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var payload filestore.NewFile
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.ProjectID == "" || payload.Path == "" {
		respondError(w, http.StatusBadRequest, "project_id and path are required")
		return
	}
	file, err := s.catalog.CreateFile(r.Context(), payload)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, file, http.StatusCreated)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	file, err := s.catalog.GetFile(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, file, http.StatusOK)
}

func respondHistoryError(w http.ResponseWriter, err error) {
	if errors.Is(err, builder.ErrBuildNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Printf("build history error: %v", err)
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, filestore.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	var statusErr *filestore.StatusError
	if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 600 {
		respondError(w, statusErr.Code, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
