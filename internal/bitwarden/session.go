// Package bitwarden drives a local `bw serve` process: it owns the subprocess,
// the unlock handshake, the JSON envelope API, bulk imports and attachment uploads.
package bitwarden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultStartupTimeout   = 60 * time.Second
	DefaultPollInterval     = 250 * time.Millisecond
	DefaultHTTPTimeout      = 60 * time.Second
	DefaultTerminateTimeout = 5 * time.Second

	serveHost      = "127.0.0.1"
	probeTimeout   = 2 * time.Second
	stderrCapacity = 64 * 1024
)

type SessionConfig struct {
	Password       string
	OrganizationID string
	// CollectionID narrows item listings to one collection when set to a fixed id.
	CollectionID string

	// Command is the bw executable plus any leading arguments; "serve" and its
	// flags are appended. Defaults to ["bw"].
	Command []string
	// Port is the loopback port for bw serve. Zero picks a free one.
	Port int

	StartupTimeout   time.Duration
	PollInterval     time.Duration
	HTTPTimeout      time.Duration
	TerminateTimeout time.Duration

	Importer BulkImporter
	Signals  []os.Signal
	// OnSignal runs when a signal is intercepted, before the session is torn
	// down; Close returns only once teardown has finished.
	OnSignal func(os.Signal)
	Clock    clock.Clock
}

func (c *SessionConfig) setDefaults() {
	if len(c.Command) == 0 {
		c.Command = []string{"bw"}
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = DefaultTerminateTimeout
	}
	if c.Signals == nil {
		c.Signals = defaultSignals
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Importer == nil {
		c.Importer = NewCLIImporter(c.Command)
	}
}

// Session is one run's connection to bw serve. All methods are safe for
// concurrent use; the folder and collection caches live only as long as the session.
type Session struct {
	cfg     SessionConfig
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	state State
	token string

	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	stderr  *tailBuffer
	guard   *signalGuard
	// released is closed once the process and signal handlers are let go.
	released    chan struct{}
	releaseOnce sync.Once

	cacheMu     sync.Mutex
	folders     map[string]string // name → id
	collections map[string]string // name → id, for cfg.OrganizationID
}

// Open launches bw serve, waits for it to answer, unlocks and syncs the vault.
// On any failure the subprocess is released before the error is returned.
func Open(ctx context.Context, cfg SessionConfig) (*Session, error) {
	cfg.setDefaults()
	s := &Session{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.HTTPTimeout},
		state:       StateNotStarted,
		exited:      make(chan struct{}),
		released:    make(chan struct{}),
		stderr:      &tailBuffer{max: stderrCapacity},
		folders:     make(map[string]string),
		collections: make(map[string]string),
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) start(ctx context.Context) error {
	s.guard = installSignalGuard(s.cfg.Signals, s.handleSignal)

	if err := s.advance(StateStarting); err != nil {
		return s.fail("start", err)
	}
	port := s.cfg.Port
	if port == 0 {
		p, err := freePort()
		if err != nil {
			return s.fail("start", err)
		}
		port = p
	}
	s.baseURL = "http://" + net.JoinHostPort(serveHost, strconv.Itoa(port))

	args := append(append([]string(nil), s.cfg.Command[1:]...), "serve", "--port", strconv.Itoa(port), "--hostname", serveHost)
	cmd := exec.Command(s.cfg.Command[0], args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = s.stderr
	if err := cmd.Start(); err != nil {
		return s.fail("start", err)
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()
	log.Debugf("Started bw serve on %s (pid %d)", s.baseURL, cmd.Process.Pid)

	if err := s.advance(StateAwaitingReady); err != nil {
		return s.fail("status", err)
	}
	if err := s.waitForReady(ctx); err != nil {
		return s.fail("status", err)
	}

	if err := s.advance(StateUnlocking); err != nil {
		return s.fail("unlock", err)
	}
	if err := s.unlock(ctx); err != nil {
		return s.fail("unlock", err)
	}

	if err := s.advance(StateSyncing); err != nil {
		return s.fail("sync", err)
	}
	if err := s.request(ctx, "sync", http.MethodPost, "/sync", nil, nil, nil); err != nil {
		return s.fail("sync", err)
	}
	if err := s.advance(StateReady); err != nil {
		return s.fail("sync", err)
	}
	log.Printf("bw serve is ready")
	return nil
}

func (s *Session) waitForReady(ctx context.Context) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return s.probe(ctx)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrServeExited)
		},
		NotifyFunc: func(lastError error, attempt int) {
			if attempt%20 == 0 {
				log.Debugf("Waiting for bw serve, attempt %d: %v", attempt, lastError)
			}
		},
		Delay:       s.cfg.PollInterval,
		MaxDuration: s.cfg.StartupTimeout,
		Clock:       s.cfg.Clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsDurationExceeded(err):
		return ErrReadyTimeout
	case retry.IsRetryStopped(err):
		return ctx.Err()
	default:
		return err
	}
}

// probe succeeds once /status answers with any well-formed envelope.
func (s *Session) probe(ctx context.Context) error {
	select {
	case <-s.exited:
		return fmt.Errorf("%w: %v", ErrServeExited, s.waitErr)
	default:
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var status struct {
		Status   string `json:"status"`
		Template struct {
			Status string `json:"status"`
		} `json:"template"`
	}
	return s.request(probeCtx, "status", http.MethodGet, "/status", nil, nil, &status)
}

func (s *Session) unlock(ctx context.Context) error {
	var data struct {
		Raw string `json:"raw"`
	}
	body := map[string]string{"password": s.cfg.Password}
	if err := s.request(ctx, "unlock", http.MethodPost, "/unlock", nil, body, &data); err != nil {
		return err
	}
	if data.Raw == "" {
		return &TransportError{Op: "unlock", Detail: "response carried no session token"}
	}
	s.mu.Lock()
	s.token = data.Raw
	s.mu.Unlock()
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves to the next state. A session closed underneath a running
// operation reports ErrSessionClosed rather than an invalid transition.
func (s *Session) advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state.Terminal() {
		return ErrSessionClosed
	}
	if err := checkTransition(s.state, to); err != nil {
		return err
	}
	s.state = to
	return nil
}

func (s *Session) ensureReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		if s.state == StateClosing || s.state.Terminal() {
			return ErrSessionClosed
		}
		return fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.state)
	}
	return nil
}

// fail records a failed startup step, releases the process and signal
// handlers and returns a TransportError carrying sanitized stderr.
func (s *Session) fail(op string, err error) error {
	s.mu.Lock()
	stage := s.state
	alreadyClosed := s.state == StateClosing || s.state.Terminal()
	if !alreadyClosed {
		s.state = StateFailed
	}
	s.mu.Unlock()

	s.releaseProcess()
	s.guard.restore()
	if !alreadyClosed {
		s.markReleased()
	}

	var terr *TransportError
	if !errors.As(err, &terr) {
		terr = &TransportError{Op: op, Err: err}
	}
	if alreadyClosed && !errors.Is(err, ErrSessionClosed) {
		terr.Err = fmt.Errorf("%w: %v", ErrSessionClosed, terr.Err)
	}
	if terr.Stage == "" {
		terr.Stage = stage
	}
	if stderr := Sanitize(s.stderr.String(), s.secrets()...); stderr != "" {
		if terr.Detail == "" {
			terr.Detail = "stderr: " + stderr
		} else {
			terr.Detail = Sanitize(terr.Detail+" stderr: "+stderr, s.secrets()...)
		}
	}
	log.Errorf("bw serve session failed: %v", terr)
	return terr
}

// Close stops bw serve and restores signal dispositions. It is idempotent;
// every caller returns only after the process has been released, including
// callers racing a teardown already in progress.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosing || s.state.Terminal() {
		s.mu.Unlock()
		<-s.released
		return nil
	}
	if err := checkTransition(s.state, StateClosing); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateClosing
	s.mu.Unlock()

	s.releaseProcess()
	s.guard.restore()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.markReleased()
	log.Debugf("bw serve session closed")
	return nil
}

func (s *Session) markReleased() {
	s.releaseOnce.Do(func() { close(s.released) })
}

func (s *Session) handleSignal(sig os.Signal) {
	log.Warnf("Received %s, stopping bw serve", sig)
	if s.cfg.OnSignal != nil {
		s.cfg.OnSignal(sig)
	}
	if err := s.Close(); err != nil {
		log.Errorf("Failed to close bw serve session: %v", err)
	}
}

// releaseProcess terminates bw serve: SIGTERM, then SIGKILL after the
// terminate timeout. Safe to call more than once.
func (s *Session) releaseProcess() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-s.exited:
		return
	default:
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debugf("SIGTERM to bw serve failed: %v", err)
	}
	select {
	case <-s.exited:
	case <-s.cfg.Clock.After(s.cfg.TerminateTimeout):
		log.Warnf("bw serve did not exit within %s, killing it", s.cfg.TerminateTimeout)
		_ = cmd.Process.Kill()
		<-s.exited
	}
}

func (s *Session) secrets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []string{s.cfg.Password, s.token}
}

func (s *Session) sessionToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(serveHost, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.max:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
