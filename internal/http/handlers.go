package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/coride/internal/ingest"
	"github.com/example/coride/internal/models"
	"github.com/example/coride/internal/storage"
)

const maxBodyBytes = 1 << 20

type Searcher interface {
	Search(ctx context.Context, req models.SearchRequest) (models.SearchResult, error)
}

type Fleet interface {
	Apply(u models.DriverUpdate) (bool, error)
	Remove(id string) bool
}

type Clusters interface {
	Get(id string) (models.Cluster, bool)
}

// Options are the server's collaborators. Results, Clusters and Publisher
// may be nil.
type Options struct {
	Searcher  Searcher
	Results   storage.SearchStore
	Fleet     Fleet
	Clusters  Clusters
	Publisher ingest.Publisher
}

type Server struct {
	searcher  Searcher
	results   storage.SearchStore
	fleet     Fleet
	clusters  Clusters
	publisher ingest.Publisher
	logger    *slog.Logger
	now       func() time.Time
	mux       *mux.Router
	handler   http.Handler
}

func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		searcher:  opts.Searcher,
		results:   opts.Results,
		fleet:     opts.Fleet,
		clusters:  opts.Clusters,
		publisher: opts.Publisher,
		logger:    logger,
		now:       time.Now,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	s.handler = corsMiddleware(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/v1/search", s.handleSearch).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/search", s.handleSearch).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/search/ws", s.handleSearchWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/search/{search_id}", s.handleGetSearch).Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/clusters/{cluster_id}", s.handleGetCluster).Methods(http.MethodGet)
	s.mux.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/internal/drivers", s.handleDriverUpdate).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/drivers/{driver_id}", s.handleDriverDelete).Methods(http.MethodDelete)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	res, err := s.searcher.Search(r.Context(), req)
	if err != nil {
		s.writeSearchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeSearchError maps a search failure to a status code. Internal details
// are logged, never returned.
func (s *Server) writeSearchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case models.IsInvalidRequest(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away; nobody to answer
		s.logger.Debug("search abandoned", "request_id", requestIDFromContext(r.Context()))
	default:
		s.logger.Error("search failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["search_id"]
	if s.results == nil {
		writeError(w, http.StatusNotFound, "search not found")
		return
	}
	res, err := s.results.GetSearch(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "search not found")
		return
	}
	if err != nil {
		s.logger.Error("search lookup failed", "search_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["cluster_id"]
	if s.clusters == nil {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	c, ok := s.clusters.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// driverUpdateBody treats a missing "online" as true: posting a driver
// record means the driver is available.
type driverUpdateBody struct {
	models.DriverUpdate
	Online *bool `json:"online"`
}

func (s *Server) handleDriverUpdate(w http.ResponseWriter, r *http.Request) {
	var body driverUpdateBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	u := body.DriverUpdate
	u.Online = body.Online == nil || *body.Online
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = s.now()
	}

	if _, err := s.fleet.Apply(u); err != nil {
		if models.IsInvalidRequest(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("driver update failed", "driver_id", u.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.publish(r.Context(), u)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	if !s.fleet.Remove(id) {
		writeError(w, http.StatusNotFound, "driver not found")
		return
	}
	s.publish(r.Context(), models.DriverUpdate{Driver: models.Driver{ID: id, UpdatedAt: s.now()}})
	w.WriteHeader(http.StatusNoContent)
}

// publish forwards an already-applied update to the feed so other
// instances converge. Failures are logged; local state is authoritative.
func (s *Server) publish(ctx context.Context, u models.DriverUpdate) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishUpdate(ctx, u); err != nil {
		s.logger.Warn("publish driver update failed", "driver_id", u.ID, "error", err)
	}
}

type errorBody struct {
	ErrorMessage string `json:"error_message"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{ErrorMessage: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
