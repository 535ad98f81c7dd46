// Package api exposes the administrative HTTP surface and the WebSocket
// progress stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sctennis77/zazzle-agent-sub001/pkg/broadcast"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/monitor"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/schedule"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/store"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/tasks"
)

// ScheduleStore is the schedule configuration surface of the task store.
type ScheduleStore interface {
	GetScheduleConfig(ctx context.Context) (*tasks.ScheduleConfig, error)
	UpsertScheduleConfig(ctx context.Context, enabled bool, intervalHours int) (*tasks.ScheduleConfig, error)
}

// TaskReader looks tasks up for the admin endpoints.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*tasks.Task, error)
}

// ManualRunner fires an immediate scheduled commission.
type ManualRunner interface {
	RunManual(ctx context.Context) (string, error)
}

// StuckReporter surfaces the stuck-task report.
type StuckReporter interface {
	Report(ctx context.Context) ([]monitor.StuckTask, error)
}

// Server wires the chi router.
type Server struct {
	sched   ScheduleStore
	reader  TaskReader
	runner  ManualRunner
	stuck   StuckReporter
	hub     *broadcast.Hub
	log     zerolog.Logger
	upgrade websocket.Upgrader
}

// New builds the server around its collaborators.
func New(sched ScheduleStore, reader TaskReader, runner ManualRunner,
	stuck StuckReporter, hub *broadcast.Hub, log zerolog.Logger) *Server {
	return &Server{
		sched:  sched,
		reader: reader,
		runner: runner,
		stuck:  stuck,
		hub:    hub,
		log:    log.With().Str("component", "api").Logger(),
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router returns the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/schedule", s.handleGetSchedule)
		r.Put("/schedule", s.handlePutSchedule)
		r.Post("/schedule/trigger", s.handleManualTrigger)
		r.Get("/tasks/stuck", s.handleStuckReport)
		r.Get("/tasks/{id}", s.handleGetTask)
	})

	r.Get("/ws/progress", s.handleProgress)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.sched.GetScheduleConfig(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, &tasks.ScheduleConfig{})
		return
	}
	if err != nil {
		s.serverError(w, err, "read schedule config")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type schedulePayload struct {
	Enabled       bool `json:"enabled"`
	IntervalHours int  `json:"interval_hours"`
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var p schedulePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg, err := s.sched.UpsertScheduleConfig(r.Context(), p.Enabled, p.IntervalHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	taskID, err := s.runner.RunManual(r.Context())
	if errors.Is(err, schedule.ErrBusy) {
		writeError(w, http.StatusConflict, "a scheduled run is already in progress")
		return
	}
	if err != nil {
		s.serverError(w, err, "manual trigger")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.reader.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.serverError(w, err, "read task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStuckReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.stuck.Report(r.Context())
	if err != nil {
		s.serverError(w, err, "stuck report")
		return
	}
	if report == nil {
		report = []monitor.StuckTask{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(report),
		"tasks": report,
	})
}

// wsControl is the shape of client-to-server frames on the progress socket.
type wsControl struct {
	Action string `json:"action"`
	TaskID string `json:"task_id"`
}

// wsListener adapts one WebSocket connection to the hub's Listener. Writes
// are serialized because the hub may fan out from the fabric goroutine while
// the read loop is handling control frames.
type wsListener struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (l *wsListener) ID() string { return l.id }

func (l *wsListener) Send(msg tasks.ProgressMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return l.conn.WriteJSON(msg)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	l := &wsListener{id: "ws_" + uuid.NewString(), conn: conn}
	s.hub.Register(l)
	defer func() {
		s.hub.Unregister(l.ID())
		conn.Close()
	}()

	// Optional initial subscription straight from the query string.
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		s.hub.Subscribe(l.ID(), taskID)
	}

	for {
		var ctl wsControl
		if err := conn.ReadJSON(&ctl); err != nil {
			return
		}
		switch ctl.Action {
		case "subscribe":
			if ctl.TaskID != "" {
				s.hub.Subscribe(l.ID(), ctl.TaskID)
			}
		case "unsubscribe":
			if ctl.TaskID != "" {
				s.hub.Unsubscribe(l.ID(), ctl.TaskID)
			}
		default:
			s.log.Debug().Str("action", ctl.Action).Msg("ignoring unknown control frame")
		}
	}
}

func (s *Server) serverError(w http.ResponseWriter, err error, op string) {
	s.log.Error().Err(err).Str("op", op).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
