// Package control is the control plane over the session controller: start,
// stop, status and logs. At most one session runs at a time and no operation
// returns an error; outcomes are reported in the response.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pengelbrecht/ledgerloop/internal/ledger"
	"github.com/pengelbrecht/ledgerloop/internal/logging"
	"github.com/pengelbrecht/ledgerloop/internal/session"
)

// Runner runs one session to completion.
type Runner interface {
	Run(ctx context.Context, opts session.Options) session.Result
}

// StartRequest carries the parameters of start.
type StartRequest struct {
	Label    string `json:"label"`
	Priority *int   `json:"priority,omitempty"`
	MaxTasks int    `json:"maxTasks,omitempty"`
	DryRun   bool   `json:"dryRun,omitempty"`
}

// Response is the result of start and stop.
type Response struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// LogsResponse is the result of logs.
type LogsResponse struct {
	Lines   []string `json:"lines"`
	Message string   `json:"message,omitempty"`
}

// Options configures a Service.
type Options struct {
	// LogFile is the session log tailed by Logs.
	LogFile string
	// Signal is everything the runner polls for a stop, such as the token
	// plus the STOP file. It is cleared before each session is launched.
	// Defaults to the stop token.
	Signal session.StopSignal
	Logger *slog.Logger
}

// Service owns the running session. Rejecting a start while one is active
// keeps two controllers off the same ledger.
type Service struct {
	runner  Runner
	stop    *session.StopToken
	signal  session.StopSignal
	logFile string
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	snapshot session.Snapshot
	last     *session.Result

	now func() time.Time
}

// NewService creates a Service. stop must be the signal the runner polls.
// Wire the runner's snapshots to Observe to keep Status live.
func NewService(runner Runner, stop *session.StopToken, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	signal := opts.Signal
	if signal == nil {
		signal = stop
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		runner:  runner,
		stop:    stop,
		signal:  signal,
		logFile: opts.LogFile,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	s.snapshot = session.IdleSnapshot(s.now())
	return s
}

// Start launches a fresh session in the background.
func (s *Service) Start(req StartRequest) Response {
	if req.Label == "" {
		return Response{Message: "label is required"}
	}
	if req.Priority != nil && (*req.Priority < ledger.MinPriority || *req.Priority > ledger.MaxPriority) {
		return Response{Message: fmt.Sprintf("priority must be %d-%d", ledger.MinPriority, ledger.MaxPriority)}
	}
	if req.MaxTasks < 0 {
		return Response{Message: "maxTasks must be >= 0"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return Response{Message: fmt.Sprintf("a session is already running (label %q)", s.snapshot.Label)}
	}
	if s.ctx.Err() != nil {
		return Response{Message: "service is shutting down"}
	}

	// Stale signals are cleared under the lock; the runner never clears them
	// on entry, so a Stop accepted from here on holds.
	s.running = true
	s.done = make(chan struct{})
	s.signal.Clear()
	now := s.now()
	s.snapshot = session.Snapshot{
		Running:    true,
		Status:     session.StatusRunning,
		Label:      req.Label,
		StartedAt:  &now,
		LastUpdate: now,
	}

	opts := session.Options{Label: req.Label, Priority: req.Priority, MaxTasks: req.MaxTasks, DryRun: req.DryRun}
	go s.run(opts, s.done)

	s.logger.Info("session start accepted", "label", req.Label, "dry_run", req.DryRun)
	return Response{Accepted: true, Message: "session started"}
}

func (s *Service) run(opts session.Options, done chan struct{}) {
	defer close(done)
	res := s.runner.Run(s.ctx, opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.snapshot = res.Snapshot
	s.last = &res
}

// Stop asks the running session to finish its current task and end. It does
// not wait.
func (s *Service) Stop() Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return Response{Message: "no session is running"}
	}
	s.stop.Request()
	if s.snapshot.Status == session.StatusRunning {
		s.snapshot.Status = session.StatusStopping
		s.snapshot.LastUpdate = s.now()
	}
	s.logger.Info("stop requested")
	return Response{Accepted: true, Message: "stop requested; the current task will finish first"}
}

// Status returns the latest snapshot.
func (s *Service) Status() session.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Observe records a snapshot published by the running session.
func (s *Service) Observe(snap session.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if snap.Status == session.StatusRunning && s.stop.Requested() {
		snap.Status = session.StatusStopping
	}
	s.snapshot = snap
}

// LastResult returns how the most recent session ended, or nil.
func (s *Service) LastResult() *session.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Logs returns the tail of the session log.
func (s *Service) Logs(lines int) LogsResponse {
	if s.logFile == "" {
		return LogsResponse{Lines: []string{}, Message: "no session log configured"}
	}
	out, err := logging.Tail(s.logFile, lines)
	if err != nil {
		return LogsResponse{Lines: []string{}, Message: err.Error()}
	}
	return LogsResponse{Lines: out}
}

// Wait blocks until no session is running.
func (s *Service) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Shutdown cancels any running session and waits for it, up to ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
