// Package api serves the companion's admin HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/cron"
	"github.com/stellarlinkco/companion/internal/logging"
	"github.com/stellarlinkco/companion/internal/scenario"
	"github.com/stellarlinkco/companion/internal/store"
	"github.com/stellarlinkco/companion/internal/sweep"
)

type Store interface {
	Stats(ctx context.Context) (store.Stats, error)
	GetInstance(ctx context.Context, id string) (scenario.Instance, error)
	InstanceLedger(ctx context.Context, instanceID string) ([]store.LedgerEntry, error)
	ClassifiedEvents(ctx context.Context, instanceID string, limit int) ([]store.ClassifiedEvent, error)
}

type Sweeper interface {
	Run(ctx context.Context) (sweep.Report, error)
	LastReport() (sweep.Report, bool)
	Running() bool
}

// LaunchSpec names one scenario to start for one recipient.
type LaunchSpec struct {
	UserID string
	ChatID string
	Type   scenario.Type
	Mode   scenario.DeliveryMode
}

type Launcher interface {
	LaunchScenario(ctx context.Context, spec LaunchSpec) (scenario.Instance, error)
	ScheduleScenario(spec LaunchSpec, at time.Time) (string, error)
}

type Jobs interface {
	ListJobs() []cron.CronJob
}

type Deps struct {
	Store    Store
	Sweeper  Sweeper
	Launcher Launcher
	Jobs     Jobs
	// Sessions reports the number of live in-memory sessions.
	Sessions func() int
}

type Server struct {
	router *chi.Mux
	addr   string
	deps   Deps
	logger *zap.Logger
}

func NewServer(cfg config.APIConfig, deps Deps, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger).Named("api")

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		deps:   deps,
		logger: logger,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(cfg.Token))
		r.Get("/status", s.status)
		r.Post("/sweep", s.runSweep)
		r.Post("/scenarios", s.launchScenario)
		r.Get("/instances/{id}", s.instance)
		r.Get("/jobs", s.jobs)
	})

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Store       store.Stats   `json:"store"`
	Sessions    int           `json:"sessions"`
	SweepActive bool          `json:"sweepActive"`
	LastSweep   *sweep.Report `json:"lastSweep,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	resp := statusResponse{Store: stats}
	if s.deps.Sessions != nil {
		resp.Sessions = s.deps.Sessions()
	}
	if s.deps.Sweeper != nil {
		resp.SweepActive = s.deps.Sweeper.Running()
		if rep, ok := s.deps.Sweeper.LastReport(); ok {
			resp.LastSweep = &rep
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		s.fail(w, r, http.StatusServiceUnavailable, errors.New("sweeper not configured"))
		return
	}
	rep, err := s.deps.Sweeper.Run(r.Context())
	switch {
	case errors.Is(err, sweep.ErrInProgress):
		s.fail(w, r, http.StatusConflict, err)
	case err != nil:
		s.fail(w, r, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

// LaunchRequest is the body of POST /api/v1/scenarios.
type LaunchRequest struct {
	UserID   string     `json:"userId"`
	ChatID   string     `json:"chatId"`
	Scenario string     `json:"scenario"`
	Mode     string     `json:"mode,omitempty"`
	At       *time.Time `json:"at,omitempty"`
}

func (s *Server) launchScenario(w http.ResponseWriter, r *http.Request) {
	if s.deps.Launcher == nil {
		s.fail(w, r, http.StatusServiceUnavailable, errors.New("launcher not configured"))
		return
	}

	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	spec, err := req.spec()
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	if req.At != nil {
		jobID, err := s.deps.Launcher.ScheduleScenario(spec, *req.At)
		if err != nil {
			s.fail(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
		return
	}

	inst, err := s.deps.Launcher.LaunchScenario(r.Context(), spec)
	switch {
	case errors.Is(err, scenario.ErrAlreadyOpen), errors.Is(err, scenario.ErrAlreadyExists):
		s.fail(w, r, http.StatusConflict, err)
	case err != nil:
		s.fail(w, r, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusCreated, newInstanceView(inst))
	}
}

func (req LaunchRequest) spec() (LaunchSpec, error) {
	if req.UserID == "" || req.ChatID == "" {
		return LaunchSpec{}, errors.New("userId and chatId are required")
	}
	typ, err := scenario.ParseType(req.Scenario)
	if err != nil {
		return LaunchSpec{}, err
	}
	mode := scenario.Direct
	if req.Mode != "" {
		if mode, err = scenario.ParseDeliveryMode(req.Mode); err != nil {
			return LaunchSpec{}, err
		}
	}
	return LaunchSpec{UserID: req.UserID, ChatID: req.ChatID, Type: typ, Mode: mode}, nil
}

type instanceView struct {
	ID                string           `json:"id"`
	UserID            string           `json:"userId"`
	ChatID            string           `json:"chatId"`
	Scenario          string           `json:"scenario"`
	State             string           `json:"state"`
	Mode              string           `json:"mode"`
	ThreadID          int64            `json:"threadId,omitempty"`
	Open              bool             `json:"open"`
	StepPointers      map[string]int64 `json:"stepPointers"`
	CompletionFlags   []bool           `json:"completionFlags"`
	LaunchDay         string           `json:"launchDay"`
	CreatedAt         time.Time        `json:"createdAt"`
	LastInteractionAt time.Time        `json:"lastInteractionAt"`
}

func newInstanceView(inst scenario.Instance) instanceView {
	return instanceView{
		ID:                inst.ID,
		UserID:            inst.UserID,
		ChatID:            inst.ChatID,
		Scenario:          string(inst.Type),
		State:             string(inst.State),
		Mode:              string(inst.Mode),
		ThreadID:          inst.ThreadID,
		Open:              inst.Open(),
		StepPointers:      inst.StepPointers,
		CompletionFlags:   inst.CompletionFlags,
		LaunchDay:         inst.LaunchDay,
		CreatedAt:         inst.CreatedAt,
		LastInteractionAt: inst.LastInteractionAt,
	}
}

type ledgerView struct {
	Seq            int64      `json:"seq"`
	MessageID      int64      `json:"messageId"`
	Direction      string     `json:"direction"`
	BotStepKind    string     `json:"botStepKind,omitempty"`
	StateAtArrival string     `json:"stateAtArrival,omitempty"`
	Preview        string     `json:"preview,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ProcessedAt    *time.Time `json:"processedAt,omitempty"`
}

type instanceDetail struct {
	Instance instanceView            `json:"instance"`
	Ledger   []ledgerView            `json:"ledger"`
	Events   []store.ClassifiedEvent `json:"events"`
}

const eventsLimit = 50

func (s *Server) instance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	inst, err := s.deps.Store.GetInstance(ctx, id)
	if errors.Is(err, scenario.ErrNotFound) {
		s.fail(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	entries, err := s.deps.Store.InstanceLedger(ctx, id)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	events, err := s.deps.Store.ClassifiedEvents(ctx, id, eventsLimit)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}

	detail := instanceDetail{
		Instance: newInstanceView(inst),
		Ledger:   make([]ledgerView, 0, len(entries)),
		Events:   events,
	}
	if detail.Events == nil {
		detail.Events = []store.ClassifiedEvent{}
	}
	for _, e := range entries {
		v := ledgerView{
			Seq:            e.Seq,
			MessageID:      e.MessageID,
			Direction:      string(e.Direction),
			BotStepKind:    e.BotStepKind,
			StateAtArrival: string(e.StateAtArrival),
			Preview:        e.PreviewText,
			CreatedAt:      e.CreatedAt,
		}
		if e.Processed() {
			at := e.ProcessedAt
			v.ProcessedAt = &at
		}
		detail.Ledger = append(detail.Ledger, v)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) jobs(w http.ResponseWriter, r *http.Request) {
	jobs := []cron.CronJob{}
	if s.deps.Jobs != nil {
		jobs = append(jobs, s.deps.Jobs.ListJobs()...)
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
