package process

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chainharness/internal/domain"
)

// DefaultLogLimit is the number of lines Log returns when no limit is given.
const DefaultLogLimit = 100

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	MaxSessions     int           // running sessions per owner (default: 16)
	SessionTTL      time.Duration // finished sessions are dropped after this (default: 30m)
	OutputBufferMax int           // bytes of output kept per stream (default: 1MB)
	CleanupInterval time.Duration // TTL sweep period (default: 1m)
	StopGrace       time.Duration // SIGTERM to SIGKILL delay on Kill (default: 5s)
}

// Spec describes a child process to launch.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Owner   string   // groups sessions, e.g. a node name
	// Output, when set, also receives stdout and stderr.
	Output io.Writer
}

type processEntry struct {
	session         Session
	cmd             *exec.Cmd
	stdout          *ringBuffer
	stderr          *ringBuffer
	stdoutPollIndex int64
	stderrPollIndex int64
	done            chan struct{}
}

// Manager supervises child processes such as node binaries. Sessions live
// in memory only.
type Manager struct {
	sessions map[string]*processEntry
	mu       sync.Mutex
	config   ManagerConfig
	bus      domain.EventBus
	logger   *slog.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a Manager and starts the TTL cleanup goroutine.
func NewManager(cfg ManagerConfig, bus domain.EventBus, logger *slog.Logger) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 16
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 1 << 20
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	pm := &Manager{
		sessions: make(map[string]*processEntry),
		config:   cfg,
		bus:      bus,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	go pm.cleanupLoop()
	return pm
}

// Start launches spec and returns the running session. The process is not
// tied to ctx; use Kill or Stop to end it.
func (pm *Manager) Start(ctx context.Context, spec Spec) (*Session, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	active := 0
	for _, e := range pm.sessions {
		if e.session.Owner == spec.Owner && e.session.Running() {
			active++
		}
	}
	if active >= pm.config.MaxSessions {
		return nil, domain.NewSubSystemError("process", "Manager.Start", domain.ErrLimitReached,
			fmt.Sprintf("owner %q has %d/%d running processes", spec.Owner, active, pm.config.MaxSessions))
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	stdout := newRingBuffer(pm.config.OutputBufferMax)
	stderr := newRingBuffer(pm.config.OutputBufferMax)
	if spec.Output != nil {
		out := &lockedWriter{w: spec.Output}
		cmd.Stdout = io.MultiWriter(stdout, out)
		cmd.Stderr = io.MultiWriter(stderr, out)
	} else {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, domain.NewSubSystemError("process", "Manager.Start", err, spec.Command)
	}

	session := Session{
		ID:        pm.newID(),
		Owner:     spec.Owner,
		Command:   spec.Command,
		Args:      spec.Args,
		Dir:       spec.Dir,
		PID:       cmd.Process.Pid,
		Status:    StatusRunning,
		ExitCode:  -1,
		StartedAt: time.Now(),
	}
	entry := &processEntry{
		session: session,
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan struct{}),
	}
	pm.sessions[session.ID] = entry
	go pm.waitForCompletion(entry)

	pm.emitEvent(ctx, domain.EventProcessStarted, session)
	pm.logger.Info("process started", "session_id", session.ID, "command", spec.Command, "pid", session.PID)
	return &session, nil
}

// Get returns a snapshot of a session.
func (pm *Manager) Get(sessionID string) (Session, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	e, ok := pm.sessions[sessionID]
	if !ok {
		return Session{}, domain.NewSubSystemError("process", "Manager.Get", domain.ErrNotFound, sessionID)
	}
	return e.session, nil
}

// Exited returns a channel closed once the process has exited.
func (pm *Manager) Exited(sessionID string) (<-chan struct{}, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	e, ok := pm.sessions[sessionID]
	if !ok {
		return nil, domain.NewSubSystemError("process", "Manager.Exited", domain.ErrNotFound, sessionID)
	}
	return e.done, nil
}

// Tail returns the last n lines of combined output, stderr last.
func (pm *Manager) Tail(sessionID string, n int) (string, error) {
	e, err := pm.entry("Manager.Tail", sessionID)
	if err != nil {
		return "", err
	}
	out, errOut := e.stdout.Tail(n), e.stderr.Tail(n)
	if errOut == "" {
		return out, nil
	}
	if out == "" {
		return errOut, nil
	}
	return out + "\n" + errOut, nil
}

// List returns sessions ordered by start time, filtered by owner when set.
func (pm *Manager) List(owner string) []Session {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make([]Session, 0, len(pm.sessions))
	for _, e := range pm.sessions {
		if owner != "" && e.session.Owner != owner {
			continue
		}
		out = append(out, e.session)
	}
	slices.SortFunc(out, func(a, b Session) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Poll returns output produced since the previous Poll, stderr after a
// "STDERR:" marker, along with the session snapshot.
func (pm *Manager) Poll(sessionID string) (string, Session, error) {
	e, err := pm.entry("Manager.Poll", sessionID)
	if err != nil {
		return "", Session{}, err
	}

	pm.mu.Lock()
	prevOut, prevErr := e.stdoutPollIndex, e.stderrPollIndex
	pm.mu.Unlock()

	newOut := e.stdout.ReadFrom(prevOut)
	newErr := e.stderr.ReadFrom(prevErr)

	pm.mu.Lock()
	e.stdoutPollIndex = e.stdout.TotalWritten()
	e.stderrPollIndex = e.stderr.TotalWritten()
	session := e.session
	pm.mu.Unlock()

	combined := newOut
	if newErr != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += "STDERR:\n" + newErr
	}
	return combined, session, nil
}

// Log pages through buffered stdout by line. A non-positive limit means
// DefaultLogLimit.
func (pm *Manager) Log(sessionID string, offset, limit int) (Page, error) {
	e, err := pm.entry("Manager.Log", sessionID)
	if err != nil {
		return Page{}, err
	}

	stdout := strings.TrimRight(e.stdout.String(), "\n")
	if stdout == "" {
		return Page{}, nil
	}

	lines := strings.Split(stdout, "\n")
	offset = min(max(offset, 0), len(lines))
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	end := min(offset+limit, len(lines))
	return Page{Lines: lines[offset:end], Offset: offset, Total: len(lines)}, nil
}

// Kill asks a running process to terminate and waits for it to exit. The
// process gets SIGTERM first and SIGKILL after StopGrace.
func (pm *Manager) Kill(ctx context.Context, sessionID string) error {
	pm.mu.Lock()
	e, ok := pm.sessions[sessionID]
	if !ok {
		pm.mu.Unlock()
		return domain.NewSubSystemError("process", "Manager.Kill", domain.ErrNotFound, sessionID)
	}
	if !e.session.Running() {
		pm.mu.Unlock()
		return domain.NewSubSystemError("process", "Manager.Kill", domain.ErrInvalidInput, "process is not running")
	}
	// Set before signalling so waitForCompletion keeps the killed status.
	e.session.Status = StatusKilled
	e.session.EndedAt = time.Now()
	pm.mu.Unlock()

	pm.terminate(e)

	pm.emitEvent(ctx, domain.EventProcessKilled, e.session)
	pm.logger.Info("process killed", "session_id", sessionID)
	return nil
}

// Clear removes all finished sessions and returns how many were removed.
func (pm *Manager) Clear() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	removed := 0
	for id, e := range pm.sessions {
		if !e.session.Running() {
			delete(pm.sessions, id)
			removed++
		}
	}
	return removed
}

// Remove kills a running session if needed and forgets it.
func (pm *Manager) Remove(ctx context.Context, sessionID string) error {
	pm.mu.Lock()
	e, ok := pm.sessions[sessionID]
	if !ok {
		pm.mu.Unlock()
		return domain.NewSubSystemError("process", "Manager.Remove", domain.ErrNotFound, sessionID)
	}
	running := e.session.Running()
	pm.mu.Unlock()

	if running {
		if err := pm.Kill(ctx, sessionID); err != nil {
			return err
		}
	}

	pm.mu.Lock()
	delete(pm.sessions, sessionID)
	pm.mu.Unlock()
	return nil
}

// Stop ends the cleanup goroutine and terminates every running process.
func (pm *Manager) Stop(ctx context.Context) {
	pm.stopOnce.Do(func() { close(pm.stopCh) })

	pm.mu.Lock()
	var running []*processEntry
	now := time.Now()
	for _, e := range pm.sessions {
		if e.session.Running() {
			e.session.Status = StatusKilled
			e.session.EndedAt = now
			running = append(running, e)
		}
	}
	pm.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range running {
		wg.Go(func() { pm.terminate(e) })
	}
	wg.Wait()
}

// --- internal ---

func (pm *Manager) entry(op, sessionID string) (*processEntry, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	e, ok := pm.sessions[sessionID]
	if !ok {
		return nil, domain.NewSubSystemError("process", op, domain.ErrNotFound, sessionID)
	}
	return e, nil
}

func (pm *Manager) terminate(e *processEntry) {
	_ = e.cmd.Process.Signal(terminateSignal)
	select {
	case <-e.done:
		return
	case <-time.After(pm.config.StopGrace):
	}
	pm.logger.Warn("process ignored termination, killing", "session_id", e.session.ID)
	_ = e.cmd.Process.Kill()
	<-e.done
}

func (pm *Manager) waitForCompletion(e *processEntry) {
	err := e.cmd.Wait()

	pm.mu.Lock()
	if st := e.cmd.ProcessState; st != nil {
		e.session.ExitCode = st.ExitCode()
	}
	// Kill and Stop set the status themselves.
	completed := e.session.Running()
	if completed {
		e.session.EndedAt = time.Now()
		if err != nil {
			e.session.Status = StatusFailed
		} else {
			e.session.Status = StatusExited
		}
	}
	session := e.session
	pm.mu.Unlock()
	close(e.done)

	if completed {
		pm.emitEvent(context.Background(), domain.EventProcessCompleted, session)
	}
	pm.logger.Info("process finished", "session_id", session.ID, "status", session.Status)
}

func (pm *Manager) cleanupLoop() {
	ticker := time.NewTicker(pm.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stopCh:
			return
		case <-ticker.C:
			pm.cleanupExpired()
		}
	}
}

func (pm *Manager) cleanupExpired() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	cutoff := time.Now().Add(-pm.config.SessionTTL)
	for id, e := range pm.sessions {
		if !e.session.Running() && e.session.EndedAt.Before(cutoff) {
			delete(pm.sessions, id)
			pm.logger.Debug("process session expired", "session_id", id)
		}
	}
}

func (pm *Manager) emitEvent(ctx context.Context, eventType domain.EventType, session Session) {
	if pm.bus == nil {
		return
	}
	data, _ := json.Marshal(session)
	pm.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    session.Owner,
		Payload:   data,
	})
}

func (pm *Manager) newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// lockedWriter serialises stdout and stderr copies into one writer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
