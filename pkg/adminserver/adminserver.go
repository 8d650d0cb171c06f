// Package adminserver provides the HTTP admin API: health, metrics, jobs,
// schedules and artifact downloads.
package adminserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDBGuard/pkg/artifact"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
	"github.com/supporttools/GoDBGuard/pkg/ledger"
	"github.com/supporttools/GoDBGuard/pkg/scheduler"
	"github.com/supporttools/GoDBGuard/pkg/storage"
)

// Schedules is the scheduler surface the API drives
type Schedules interface {
	Register(ctx context.Context, def *ledger.ScheduleDefinition) error
	Unregister(ctx context.Context, ref string) error
	RunNow(ctx context.Context, ref string) error
	NextFires() map[string]time.Time
}

// Server represents the admin HTTP server
type Server struct {
	httpServer    *http.Server
	ledger        ledger.Ledger
	store         storage.ArtifactStore
	schedules     Schedules
	port          string
	presignExpiry time.Duration
	log           *logrus.Entry
}

// NewServer creates a new admin server instance. schedules may be nil, in
// which case schedule mutations are unavailable.
func NewServer(l ledger.Ledger, store storage.ArtifactStore, schedules Schedules, port string, presignExpiry time.Duration, log *logrus.Entry) *Server {
	s := &Server{
		ledger:        l,
		store:         store,
		schedules:     schedules,
		port:          port,
		presignExpiry: presignExpiry,
		log:           log,
	}
	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}
	return s
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.logRequestMiddleware(mux)
}

// ListenAndServe serves the API until Stop is called
func (s *Server) ListenAndServe() error {
	s.log.Infof("Admin server running on port %s", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server. A server stopped before
// ListenAndServe never starts.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthCheckHandler)

	mux.HandleFunc("/api/jobs", s.jobsHandler)

	mux.HandleFunc("/api/schedules", s.schedulesHandler)
	mux.HandleFunc("/api/schedules/delete", s.deleteScheduleHandler)
	mux.HandleFunc("/api/schedules/run", s.runScheduleHandler)

	mux.HandleFunc("/api/artifacts", s.artifactsHandler)
	mux.HandleFunc("/api/artifacts/download", s.downloadArtifactHandler)
}

// healthCheckHandler returns a simple health status
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"time":    time.Now().Format(time.RFC3339),
		"storage": s.store.Name(),
	})
}

// jobsHandler lists jobs, or returns one with ?id=
func (s *Server) jobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	if id := q.Get("id"); id != "" {
		job, err := s.ledger.GetJob(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, job)
		return
	}

	filter := ledger.JobFilter{TargetKey: q.Get("target"), ScheduleID: q.Get("schedule")}
	if status := q.Get("status"); status != "" {
		st, err := ledger.ParseStatus(status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Status = st
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	jobs, err := s.ledger.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

type scheduleView struct {
	*ledger.ScheduleDefinition
	NextFire *time.Time `json:"nextFire,omitempty"`
}

// scheduleRequest is the body of POST /api/schedules
type scheduleRequest struct {
	Name          string `json:"name"`
	Engine        string `json:"engine"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Database      string `json:"database"`
	CredentialRef string `json:"credentialRef"`
	Cron          string `json:"cron"`
	Retention     int    `json:"retention"`
	Enabled       *bool  `json:"enabled"`
}

// schedulesHandler lists schedules (GET) or registers one (POST)
func (s *Server) schedulesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		defs, err := s.ledger.ListSchedules(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		var fires map[string]time.Time
		if s.schedules != nil {
			fires = s.schedules.NextFires()
		}
		views := make([]scheduleView, len(defs))
		for i, def := range defs {
			views[i] = scheduleView{ScheduleDefinition: def}
			if next, ok := fires[def.ID]; ok {
				views[i].NextFire = &next
			}
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"schedules": views,
			"count":     len(views),
		})

	case http.MethodPost:
		if s.schedules == nil {
			http.Error(w, "Scheduler not configured", http.StatusServiceUnavailable)
			return
		}
		var req scheduleRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		engine, err := common.ParseEngineKind(req.Engine)
		if err != nil {
			s.writeError(w, err)
			return
		}
		def := &ledger.ScheduleDefinition{
			Name: req.Name,
			Target: common.DatabaseTarget{
				Engine:        engine,
				Host:          req.Host,
				Port:          req.Port,
				Database:      req.Database,
				CredentialRef: req.CredentialRef,
			},
			Cron:      req.Cron,
			Retention: req.Retention,
			Enabled:   req.Enabled == nil || *req.Enabled,
		}
		if err := scheduler.Validate(def); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.schedules.Register(r.Context(), def); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, def)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// deleteScheduleHandler removes a schedule by ID or name
func (s *Server) deleteScheduleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing required parameter: id", http.StatusBadRequest)
		return
	}
	if s.schedules == nil {
		http.Error(w, "Scheduler not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.schedules.Unregister(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// runScheduleHandler fires a schedule immediately
func (s *Server) runScheduleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing required parameter: id", http.StatusBadRequest)
		return
	}
	if s.schedules == nil {
		http.Error(w, "Scheduler not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.schedules.RunNow(r.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.writeError(w, err)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": fmt.Sprintf("Backup for schedule %s initiated", id),
	})
}

// artifactsHandler lists artifacts, optionally for one target key
func (s *Server) artifactsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list, err := s.store.List(r.Context(), r.URL.Query().Get("target"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"artifacts": list,
		"count":     len(list),
		"storage":   s.store.Name(),
	})
}

// downloadArtifactHandler hands out a presigned URL when the store supports
// it and streams the artifact otherwise
func (s *Server) downloadArtifactHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing required parameter: id", http.StatusBadRequest)
		return
	}

	a, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !a.Finalized {
		s.writeError(w, fault.New(fault.ArtifactNotFinalized, "download", "artifact %s is not finalized", id))
		return
	}
	filename := a.ID + artifact.FileExt

	if presigner, ok := s.store.(storage.Presigner); ok {
		url, err := presigner.PresignURL(r.Context(), a.ID, s.presignExpiry)
		if err != nil {
			s.log.Errorf("Error generating presigned URL: %v", err)
			http.Error(w, "Failed to generate download link", http.StatusInternalServerError)
			return
		}
		if r.URL.Query().Get("redirect") == "true" {
			http.Redirect(w, r, url, http.StatusFound)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":           a.ID,
			"download_url": url,
			"expires_in":   s.presignExpiry.String(),
			"filename":     filename,
			"size":         a.Size,
			"checksum":     a.Checksum,
		})
		return
	}

	src, err := s.store.OpenSource(r.Context(), a.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer src.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.Header().Set("X-Checksum-Sha256", a.Checksum)
	if _, err := io.Copy(w, src); err != nil {
		s.log.Warnf("Download of %s interrupted: %v", a.ID, err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("Error encoding response: %v", err)
	}
}

// writeError maps an error to an HTTP status
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicateName):
		status = http.StatusConflict
	default:
		var fe *fault.Error
		if errors.As(err, &fe) {
			switch fe.Kind {
			case fault.ArtifactNotFound:
				status = http.StatusNotFound
			case fault.ArtifactNotFinalized, fault.TargetBusy:
				status = http.StatusConflict
			case fault.InvalidCronExpression, fault.UnsupportedEngine:
				status = http.StatusBadRequest
			}
		}
	}
	if status == http.StatusInternalServerError {
		s.log.Errorf("Request failed: %v", err)
	}
	http.Error(w, err.Error(), status)
}

// logRequestMiddleware logs HTTP requests
func (s *Server) logRequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debugf("HTTP %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
