// Package spawner launches the external provider CLI and bridges its
// stream-json output to typed session events.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/logger"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
	"github.com/stoneforge/stoneforge/pkg/streamjson"
)

// Spawner errors.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrIllegalTransition  = errors.New("illegal session status transition")
	ErrInputNotAccepted   = errors.New("session does not accept input")
	ErrMissingWorkingDir  = errors.New("working directory is required")
	ErrProviderNotStarted = errors.New("provider process failed to start")
)

// Config holds the provider invocation settings.
type Config struct {
	// Command is the provider CLI binary.
	Command string
	// Model overrides the provider default model when set.
	Model string
}

// SpawnRequest describes one session to launch.
type SpawnRequest struct {
	EntityID          string
	Role              v1.Role
	Mode              v1.SessionMode
	WorkingDirectory  string
	InitialPrompt     string
	ResumeProviderSID string
	Env               []string
}

// procSession is the spawner's tracked state for one process.
type procSession struct {
	session *v1.Session
	emitter *Emitter

	cmd     *exec.Cmd
	client  *streamjson.Client
	stdin   io.WriteCloser
	ptyFile *os.File

	mu sync.Mutex
}

// Spawner forks provider processes and tracks their sessions.
type Spawner struct {
	config Config
	logger *logger.Logger

	sessions map[string]*procSession
	mu       sync.RWMutex
}

// New creates a spawner.
func New(cfg Config, log *logger.Logger) *Spawner {
	if log == nil {
		log = logger.Default()
	}
	return &Spawner{
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "spawner")),
		sessions: make(map[string]*procSession),
	}
}

// Spawn launches the provider CLI for the request and returns the session
// handle plus its event emitter.
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest) (*v1.Session, *Emitter, error) {
	if req.WorkingDirectory == "" {
		return nil, nil, ErrMissingWorkingDir
	}
	if req.Mode == "" {
		req.Mode = v1.SessionModeHeadless
	}

	session := &v1.Session{
		ID:                uuid.New().String(),
		EntityID:          req.EntityID,
		Role:              req.Role,
		Mode:              req.Mode,
		Status:            v1.SessionStatusStarting,
		ProviderSessionID: req.ResumeProviderSID,
		WorkingDirectory:  req.WorkingDirectory,
		CreatedAt:         time.Now().UTC(),
	}

	ps := &procSession{
		session: session,
		emitter: NewEmitter(),
	}

	var err error
	if req.Mode == v1.SessionModeInteractive {
		err = s.startInteractive(ps, req)
	} else {
		err = s.startHeadless(ctx, ps, req)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProviderNotStarted, err)
	}

	s.mu.Lock()
	s.sessions[session.ID] = ps
	s.mu.Unlock()

	s.logger.Info("spawned provider process",
		zap.String("session_id", session.ID),
		zap.String("entity_id", req.EntityID),
		zap.String("mode", string(req.Mode)),
		zap.String("working_dir", req.WorkingDirectory),
		zap.Bool("resume", req.ResumeProviderSID != ""))
	return session, ps.emitter, nil
}

func (s *Spawner) startHeadless(ctx context.Context, ps *procSession, req SpawnRequest) error {
	args := streamjson.BuildArgs(streamjson.ArgsOptions{
		Headless:        true,
		Model:           s.config.Model,
		ResumeSessionID: req.ResumeProviderSID,
	})

	cmd := exec.Command(s.config.Command, args...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = append(os.Environ(), req.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	ps.cmd = cmd
	ps.stdin = stdin
	ps.client = streamjson.NewClient(stdin, stdout, s.logger)
	ps.client.SetEventHandler(func(event *streamjson.Event) {
		s.handleProviderEvent(ps, event)
	})
	<-ps.client.Start(ctx)

	// The initial prompt goes over stdin as a JSON line, never as an arg.
	if req.InitialPrompt != "" {
		if err := ps.client.SendUserMessage(req.InitialPrompt); err != nil {
			s.logger.Error("failed to send initial prompt",
				zap.String("session_id", ps.session.ID),
				zap.Error(err))
		}
	}

	go s.waitForExit(ps)
	return nil
}

func (s *Spawner) startInteractive(ps *procSession, req SpawnRequest) error {
	args := streamjson.BuildArgs(streamjson.ArgsOptions{
		Model:           s.config.Model,
		ResumeSessionID: req.ResumeProviderSID,
		Prompt:          req.InitialPrompt,
	})

	cmd := exec.Command(s.config.Command, args...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = append(os.Environ(), req.Env...)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 220, Rows: 50})
	if err != nil {
		return err
	}

	ps.cmd = cmd
	ps.ptyFile = f
	ps.session.PID = cmd.Process.Pid

	// Interactive output is a terminal stream, not stream-json; drain it so
	// the child never blocks on a full PTY buffer.
	go func() {
		buf := make([]byte, 32*1024)
		for {
			if _, err := f.Read(buf); err != nil {
				return
			}
		}
	}()

	go s.waitForExit(ps)
	return nil
}

// handleProviderEvent translates provider stream events to typed session
// events and promotes the session to running on the first system event.
func (s *Spawner) handleProviderEvent(ps *procSession, event *streamjson.Event) {
	ps.mu.Lock()
	session := ps.session
	switch event.Type {
	case streamjson.EventTypeSystem:
		if event.SessionID != "" {
			session.ProviderSessionID = event.SessionID
		}
		if session.Status == v1.SessionStatusStarting {
			session.Status = v1.SessionStatusRunning
		}
	}
	sessionID := session.ID
	providerSID := session.ProviderSessionID
	ps.mu.Unlock()

	base := Event{
		SessionID:         sessionID,
		ProviderSessionID: providerSID,
		Raw:               event.Raw,
	}

	switch event.Type {
	case streamjson.EventTypeSystem:
		base.Kind = KindSystem
		ps.emitter.Emit(base)
	case streamjson.EventTypeAssistant:
		s.emitContentBlocks(ps, base, event, false)
	case streamjson.EventTypeUser:
		s.emitContentBlocks(ps, base, event, true)
	case streamjson.EventTypeError:
		base.Kind = KindError
		base.Content = event.Error
		ps.emitter.Emit(base)
	case streamjson.EventTypeResult:
		base.Kind = KindResult
		base.Content = event.ResultText()
		ps.emitter.Emit(base)
	}
}

func (s *Spawner) emitContentBlocks(ps *procSession, base Event, event *streamjson.Event, toolResults bool) {
	if event.Message == nil {
		return
	}
	for _, block := range event.Message.Content {
		e := base
		switch block.Type {
		case "text":
			if toolResults {
				continue
			}
			e.Kind = KindAssistant
			e.Content = block.Text
		case "tool_use":
			e.Kind = KindToolUse
			e.ToolName = block.Name
		case "tool_result":
			e.Kind = KindToolResult
			if text, ok := block.Content.(string); ok {
				e.Content = text
			}
		default:
			continue
		}
		ps.emitter.Emit(e)
	}
}

// waitForExit reaps the child and emits the exit event exactly once. An exit
// observed while suspended or already terminated leaves the status alone.
func (s *Spawner) waitForExit(ps *procSession) {
	err := ps.cmd.Wait()

	exitCode := 0
	signal := ""
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signal = status.Signal().String()
			}
		} else {
			exitCode = -1
		}
	}

	ps.mu.Lock()
	session := ps.session
	switch session.Status {
	case v1.SessionStatusTerminated, v1.SessionStatusSuspended:
		// Ignored for idempotence; suspended keeps its provider session.
	default:
		now := time.Now().UTC()
		session.Status = v1.SessionStatusTerminated
		session.EndedAt = &now
		if session.TerminationReason == "" {
			session.TerminationReason = fmt.Sprintf("process exited with code %d", exitCode)
		}
	}
	sessionID := session.ID
	providerSID := session.ProviderSessionID
	ps.mu.Unlock()

	if ps.client != nil {
		ps.client.Stop()
	}
	if ps.ptyFile != nil {
		_ = ps.ptyFile.Close()
	}

	s.logger.Info("provider process exited",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", exitCode),
		zap.String("signal", signal))

	ps.emitter.Emit(Event{
		Kind:              KindExit,
		SessionID:         sessionID,
		ProviderSessionID: providerSID,
		ExitCode:          exitCode,
		Signal:            signal,
	})
}

// SendInput injects user input into a running session.
func (s *Spawner) SendInput(sessionID, input string) error {
	ps, err := s.get(sessionID)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	status := ps.session.Status
	ps.mu.Unlock()

	if !CanAcceptInput(status) {
		return fmt.Errorf("%w: status is %s", ErrInputNotAccepted, status)
	}

	now := time.Now().UTC()
	ps.mu.Lock()
	ps.session.LastInputAt = &now
	ps.mu.Unlock()

	if ps.session.Mode == v1.SessionModeInteractive {
		if ps.ptyFile == nil {
			return fmt.Errorf("%w: no pty", ErrInputNotAccepted)
		}
		_, err := ps.ptyFile.WriteString(input)
		return err
	}
	return ps.client.SendUserMessage(input)
}

// Suspend stops the underlying process but keeps the session resumable. The
// status moves to suspended before the kill so the exit event is ignored.
func (s *Spawner) Suspend(sessionID string) error {
	ps, err := s.get(sessionID)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	if !CanTransition(ps.session.Status, v1.SessionStatusSuspended) {
		status := ps.session.Status
		ps.mu.Unlock()
		return fmt.Errorf("%w: %s -> suspended", ErrIllegalTransition, status)
	}
	ps.session.Status = v1.SessionStatusSuspended
	ps.mu.Unlock()

	s.signalProcess(ps, syscall.SIGTERM)
	s.logger.Info("suspended session", zap.String("session_id", sessionID))
	return nil
}

// Terminate ends a session. Graceful termination sends SIGTERM and moves
// through terminating; forced termination kills immediately.
func (s *Spawner) Terminate(sessionID string, graceful bool) error {
	ps, err := s.get(sessionID)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	status := ps.session.Status
	if status == v1.SessionStatusTerminated {
		ps.mu.Unlock()
		return nil
	}
	if graceful && CanTransition(status, v1.SessionStatusTerminating) {
		ps.session.Status = v1.SessionStatusTerminating
		ps.mu.Unlock()
		s.signalProcess(ps, syscall.SIGTERM)
		return nil
	}
	now := time.Now().UTC()
	ps.session.Status = v1.SessionStatusTerminated
	ps.session.EndedAt = &now
	ps.mu.Unlock()

	s.signalProcess(ps, syscall.SIGKILL)
	return nil
}

func (s *Spawner) signalProcess(ps *procSession, sig syscall.Signal) {
	if ps.cmd != nil && ps.cmd.Process != nil {
		if err := ps.cmd.Process.Signal(sig); err != nil {
			s.logger.Debug("failed to signal process",
				zap.String("session_id", ps.session.ID),
				zap.Error(err))
		}
	}
}

// GetSession returns a snapshot of the tracked session.
func (s *Spawner) GetSession(sessionID string) (*v1.Session, error) {
	ps, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}
	return snapshot(ps), nil
}

// GetEmitter returns the session's event emitter.
func (s *Spawner) GetEmitter(sessionID string) (*Emitter, error) {
	ps, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}
	return ps.emitter, nil
}

// ListActiveSessions returns sessions whose status is active, optionally
// filtered by entity.
func (s *Spawner) ListActiveSessions(entityID string) []*v1.Session {
	return s.list(entityID, true)
}

// ListAllSessions returns every tracked session, optionally filtered by
// entity.
func (s *Spawner) ListAllSessions(entityID string) []*v1.Session {
	return s.list(entityID, false)
}

// GetMostRecentSession returns the entity's newest session by creation time.
func (s *Spawner) GetMostRecentSession(entityID string) (*v1.Session, error) {
	sessions := s.list(entityID, false)
	if len(sessions) == 0 {
		return nil, ErrSessionNotFound
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions[0], nil
}

// IsTracked reports whether the spawner still tracks a live record for the
// session. The session manager uses this for liveness cross-reference.
func (s *Spawner) IsTracked(sessionID string) bool {
	ps, err := s.get(sessionID)
	if err != nil {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.session.Status != v1.SessionStatusTerminated
}

// Forget drops a terminated session from tracking.
func (s *Spawner) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *Spawner) get(sessionID string) (*procSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return ps, nil
}

func (s *Spawner) list(entityID string, activeOnly bool) []*v1.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Session
	for _, ps := range s.sessions {
		snap := snapshot(ps)
		if entityID != "" && snap.EntityID != entityID {
			continue
		}
		if activeOnly && !snap.Status.IsActive() {
			continue
		}
		out = append(out, snap)
	}
	return out
}

func snapshot(ps *procSession) *v1.Session {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	copied := *ps.session
	return &copied
}
