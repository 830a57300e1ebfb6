// ABOUTME: Read-only HTTP status server for a running sync client
// ABOUTME: Serves the live collections as JSON and the Prometheus metrics endpoint
package web

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	json "github.com/goccy/go-json"
	"github.com/harperreed/fieldsync/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is the read side of a sync client.
type Source interface {
	ID() string
	ActiveOperation() models.OperationID
	Assignments(op models.OperationID) []models.AssignedLocation
	MemberLocations() []models.MemberLocation
	Messages() []models.ChatMessage
	Targets(op models.OperationID) []models.Target
	StagingPoints(op models.OperationID) []models.StagingPoint
	Members(op models.OperationID) []models.MemberSummary
}

// Status summarizes the client's observable state.
type Status struct {
	Client          string             `json:"client"`
	Operation       models.OperationID `json:"operation"`
	Assignments     int                `json:"assignments"`
	MemberLocations int                `json:"member_locations"`
	ActiveMembers   int                `json:"active_members"`
	Messages        int                `json:"messages"`
	Targets         int                `json:"targets"`
	StagingPoints   int                `json:"staging_points"`
	Members         int                `json:"members"`
}

type Server struct {
	source   Source
	gatherer prometheus.Gatherer
	logger   *log.Logger
	mux      *http.ServeMux
}

// NewServer builds the routes. A nil gatherer serves the default registry.
func NewServer(source Source, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		source:   source,
		gatherer: gatherer,
		logger:   logger.WithPrefix("web"),
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /assignments", s.handleAssignments)
	s.mux.HandleFunc("GET /locations", s.handleLocations)
	s.mux.HandleFunc("GET /messages", s.handleMessages)
	s.mux.HandleFunc("GET /operations/{id}/cache", s.handleCache)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Start listens on addr until the server fails.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("status server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve status: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "err", err)
	}
}

// operation reads ?operation=, defaulting to the active one.
func (s *Server) operation(r *http.Request) models.OperationID {
	if op := r.URL.Query().Get("operation"); op != "" {
		return models.OperationID(op)
	}
	return s.source.ActiveOperation()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	op := s.source.ActiveOperation()
	locations := s.source.MemberLocations()
	active := 0
	for _, m := range locations {
		if m.IsActive {
			active++
		}
	}
	s.writeJSON(w, Status{
		Client:          s.source.ID(),
		Operation:       op,
		Assignments:     len(s.source.Assignments(op)),
		MemberLocations: len(locations),
		ActiveMembers:   active,
		Messages:        len(s.source.Messages()),
		Targets:         len(s.source.Targets(op)),
		StagingPoints:   len(s.source.StagingPoints(op)),
		Members:         len(s.source.Members(op)),
	})
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	items := s.source.Assignments(s.operation(r))
	if status := r.URL.Query().Get("status"); status != "" {
		st, err := models.ParseAssignmentStatus(status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filtered := items[:0]
		for _, a := range items {
			if a.Status == st {
				filtered = append(filtered, a)
			}
		}
		items = filtered
	}
	s.writeJSON(w, orEmpty(items))
}

func (s *Server) handleLocations(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, orEmpty(s.source.MemberLocations()))
}

func (s *Server) handleMessages(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, orEmpty(s.source.Messages()))
}

type cacheView struct {
	Operation     models.OperationID        `json:"operation"`
	Targets       []models.Target           `json:"targets"`
	StagingPoints []models.StagingPoint     `json:"staging_points"`
	Members       []models.MemberSummary    `json:"members"`
	Assignments   []models.AssignedLocation `json:"assignments"`
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	op := models.OperationID(r.PathValue("id"))
	s.writeJSON(w, cacheView{
		Operation:     op,
		Targets:       orEmpty(s.source.Targets(op)),
		StagingPoints: orEmpty(s.source.StagingPoints(op)),
		Members:       orEmpty(s.source.Members(op)),
		Assignments:   orEmpty(s.source.Assignments(op)),
	})
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
