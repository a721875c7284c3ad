package process

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joescharf/devloop/internal/shell"
)

// Kind names a supervised server.
type Kind string

const (
	Dev     Kind = "dev"
	Backend Kind = "backend"
)

// ParseKind accepts "dev", "backend" and "backend_dev".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "frontend":
		return Dev, nil
	case "backend", "backend_dev":
		return Backend, nil
	default:
		return "", fmt.Errorf("unknown server %q (want dev or backend)", s)
	}
}

// Outcome is the result of a start attempt. Only spawn failures are errors.
type Outcome string

const (
	Ready          Outcome = "ready"
	AlreadyRunning Outcome = "already_running"
	TimedOut       Outcome = "timed_out"
	Exited         Outcome = "exited"
)

// OK reports whether the server is answering.
func (o Outcome) OK() bool { return o == Ready || o == AlreadyRunning }

// Log file names written into each server's working directory.
const (
	StdoutLog = "process_out.log"
	StderrLog = "process_err.log"
)

// Server describes how to run one logical server.
type Server struct {
	Kind Kind
	Dir  string
	Port int
	// Command may reference {host} and {port}.
	Command string
	// ForceArgs are appended when a start asks for cache invalidation.
	ForceArgs string
	// RestartGrace is the pause between stop and start on restart.
	RestartGrace time.Duration
}

// CommandLine renders the command for a start.
func (s Server) CommandLine(host string, force bool) string {
	line := strings.NewReplacer("{host}", host, "{port}", strconv.Itoa(s.Port)).Replace(s.Command)
	if force && s.ForceArgs != "" {
		line += " " + s.ForceArgs
	}
	return line
}

// Options tune supervisor timing. Zero values take defaults.
type Options struct {
	Host         string
	StateDir     string
	StartTimeout time.Duration
	PollInterval time.Duration
	PortFreeWait time.Duration
	StopGrace    time.Duration
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.PortFreeWait <= 0 {
		o.PortFreeWait = 5 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 10 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type handle struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
}

// Supervisor owns the dev and backend server processes. One mutex
// serializes every start, stop and restart across both servers.
type Supervisor struct {
	opts    Options
	servers map[Kind]Server
	client  *http.Client
	logger  *slog.Logger

	mu    sync.Mutex
	procs map[Kind]*handle
}

// NewSupervisor builds a supervisor for servers.
func NewSupervisor(opts Options, servers ...Server) *Supervisor {
	opts.defaults()
	s := &Supervisor{
		opts:    opts,
		servers: make(map[Kind]Server, len(servers)),
		client:  &http.Client{Timeout: opts.ProbeTimeout},
		logger:  opts.Logger,
		procs:   make(map[Kind]*handle),
	}
	for _, srv := range servers {
		s.servers[srv.Kind] = srv
	}
	return s
}

// Server returns the configuration for kind.
func (s *Supervisor) Server(kind Kind) (Server, bool) {
	srv, ok := s.servers[kind]
	return srv, ok
}

// Kinds lists the configured servers in stable order.
func (s *Supervisor) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s.servers))
	for k := range s.servers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] > kinds[j] })
	return kinds
}

// Probe reports whether something answers HTTP on port with a status
// below 500.
func (s *Supervisor) Probe(ctx context.Context, port int) bool {
	url := fmt.Sprintf("http://%s/", netAddr(s.opts.Host, port))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

// StartOptions modify a single start.
type StartOptions struct {
	Force   bool
	Timeout time.Duration
}

// Start brings kind up. If its port already answers, nothing is spawned.
// Otherwise any tracked process is terminated, the port is given a bounded
// time to free up, the command is spawned and the port polled until it
// answers or the timeout passes.
func (s *Supervisor) Start(ctx context.Context, kind Kind, opts StartOptions) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx, kind, opts)
}

func (s *Supervisor) startLocked(ctx context.Context, kind Kind, opts StartOptions) (Outcome, error) {
	srv, ok := s.servers[kind]
	if !ok {
		return "", fmt.Errorf("server %s is not configured", kind)
	}

	if s.Probe(ctx, srv.Port) {
		s.logger.Info("server already running", "server", kind, "port", srv.Port)
		return AlreadyRunning, nil
	}

	if s.tracked(kind) {
		s.logger.Info("terminating stale server", "server", kind)
		s.stopLocked(ctx, kind)
		if !s.waitPortFree(ctx, srv.Port) {
			s.logger.Warn("port still busy, starting anyway", "server", kind, "port", srv.Port)
		}
	}

	h, err := s.spawn(srv, opts.Force)
	if err != nil {
		return "", err
	}
	s.procs[kind] = h

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.opts.StartTimeout
	}
	outcome := s.waitReady(ctx, srv.Port, h, timeout)
	switch outcome {
	case Ready:
		s.logger.Info("server ready", "server", kind, "port", srv.Port, "pid", h.pid)
	case Exited:
		s.logger.Warn("server exited before answering", "server", kind, "log", filepath.Join(srv.Dir, StderrLog))
		delete(s.procs, kind)
		if s.opts.StateDir != "" {
			_ = NewPIDFile(s.opts.StateDir, kind).Remove()
		}
	default:
		s.logger.Warn("server did not answer in time", "server", kind, "port", srv.Port, "timeout", timeout)
	}
	return outcome, nil
}

func (s *Supervisor) spawn(srv Server, force bool) (*handle, error) {
	line := srv.CommandLine(s.opts.Host, force)
	cmd := shell.Command(srv.Dir, line)

	stdout, err := os.OpenFile(filepath.Join(srv.Dir, StdoutLog), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s log: %w", srv.Kind, err)
	}
	stderr, err := os.OpenFile(filepath.Join(srv.Dir, StderrLog), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("open %s log: %w", srv.Kind, err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start %s server: %w", srv.Kind, err)
	}

	h := &handle{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		close(h.done)
	}()

	if s.opts.StateDir != "" {
		if err := NewPIDFile(s.opts.StateDir, srv.Kind).WritePID(h.pid); err != nil {
			s.logger.Warn("write pid file", "server", srv.Kind, "error", err)
		}
	}
	s.logger.Info("server spawned", "server", srv.Kind, "pid", h.pid, "cmd", line, "dir", srv.Dir)
	return h, nil
}

func (s *Supervisor) waitReady(ctx context.Context, port int, h *handle, timeout time.Duration) Outcome {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.opts.PollInterval)
	defer tick.Stop()

	for {
		if s.Probe(ctx, port) {
			return Ready
		}
		select {
		case <-h.done:
			if s.Probe(ctx, port) {
				return Ready
			}
			return Exited
		case <-deadline.C:
			return TimedOut
		case <-ctx.Done():
			return TimedOut
		case <-tick.C:
		}
	}
}

func (s *Supervisor) waitPortFree(ctx context.Context, port int) bool {
	deadline := time.Now().Add(s.opts.PortFreeWait)
	for time.Now().Before(deadline) {
		if !s.Probe(ctx, port) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.opts.PollInterval):
		}
	}
	return !s.Probe(ctx, port)
}

// tracked reports whether a process for kind is known, either in memory or
// through a live PID file left by an earlier invocation.
func (s *Supervisor) tracked(kind Kind) bool {
	if _, ok := s.procs[kind]; ok {
		return true
	}
	if s.opts.StateDir == "" {
		return false
	}
	_, alive := NewPIDFile(s.opts.StateDir, kind).IsRunning()
	return alive
}

// Stop terminates kind's process group: SIGTERM, a bounded wait, then
// SIGKILL. The handle is cleared whatever happens.
func (s *Supervisor) Stop(ctx context.Context, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[kind]; !ok {
		return fmt.Errorf("server %s is not configured", kind)
	}
	s.stopLocked(ctx, kind)
	return nil
}

// StopAll stops every configured server.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range s.Kinds() {
		s.stopLocked(ctx, kind)
	}
}

func (s *Supervisor) stopLocked(ctx context.Context, kind Kind) {
	var pf *PIDFile
	if s.opts.StateDir != "" {
		pf = NewPIDFile(s.opts.StateDir, kind)
	}

	if h, ok := s.procs[kind]; ok {
		delete(s.procs, kind)
		s.terminate(ctx, kind, h.pid, h.done)
	} else if pf != nil {
		if pid, alive := pf.IsRunning(); alive {
			s.terminate(ctx, kind, pid, nil)
		}
	}
	if pf != nil {
		_ = pf.Remove()
	}
}

// terminate signals the group led by pid. done, when known, closes on
// exit; otherwise liveness is polled.
func (s *Supervisor) terminate(ctx context.Context, kind Kind, pid int, done <-chan struct{}) {
	s.logger.Info("stopping server", "server", kind, "pid", pid)
	if err := shell.SignalGroup(pid, syscall.SIGTERM); err != nil {
		s.logger.Debug("signal server", "server", kind, "error", err)
	}

	exited := done
	if exited == nil {
		ch := make(chan struct{})
		go func() {
			defer close(ch)
			for shell.Alive(pid) {
				time.Sleep(100 * time.Millisecond)
			}
		}()
		exited = ch
	}

	select {
	case <-exited:
		s.logger.Info("server stopped", "server", kind)
		return
	case <-time.After(s.opts.StopGrace):
	case <-ctx.Done():
	}
	s.logger.Warn("server did not stop gracefully, killing", "server", kind, "pid", pid)
	_ = shell.TerminateGroup(pid, 0)
	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

// Restart stops kind, waits its restart grace and starts it again.
func (s *Supervisor) Restart(ctx context.Context, kind Kind, force bool) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[kind]
	if !ok {
		return "", fmt.Errorf("server %s is not configured", kind)
	}
	s.stopLocked(ctx, kind)
	if srv.RestartGrace > 0 {
		select {
		case <-time.After(srv.RestartGrace):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.startLocked(ctx, kind, StartOptions{Force: force})
}

// Status describes one server.
type Status struct {
	Kind       Kind   `json:"kind"`
	Port       int    `json:"port"`
	Dir        string `json:"dir"`
	PID        int    `json:"pid,omitempty"`
	Tracked    bool   `json:"tracked"`
	Responsive bool   `json:"responsive"`
}

// Statuses probes every configured server.
func (s *Supervisor) Statuses(ctx context.Context) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Status
	for _, kind := range s.Kinds() {
		srv := s.servers[kind]
		st := Status{Kind: kind, Port: srv.Port, Dir: srv.Dir}
		if h, ok := s.procs[kind]; ok {
			st.PID = h.pid
			st.Tracked = true
		} else if s.opts.StateDir != "" {
			if pid, alive := NewPIDFile(s.opts.StateDir, kind).IsRunning(); alive {
				st.PID = pid
				st.Tracked = true
			}
		}
		st.Responsive = s.Probe(ctx, srv.Port)
		out = append(out, st)
	}
	return out
}

func netAddr(host string, port int) string {
	if strings.Contains(host, ":") {
		return fmt.Sprintf("[%s]:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
