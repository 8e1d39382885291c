package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scottpeterman/velociterm/internal/logutil"
	"github.com/scottpeterman/velociterm/internal/metrics"
	"github.com/scottpeterman/velociterm/internal/sshkeys"
	"github.com/scottpeterman/velociterm/internal/sshterminal"
	"github.com/scottpeterman/velociterm/internal/windows"
)

// Defaults for Config fields left zero.
const (
	DefaultBusyDelay       = 1 * time.Millisecond
	DefaultIdleDelay       = 10 * time.Millisecond
	DefaultTeardownTimeout = 5 * time.Second
)

var (
	ErrShuttingDown   = errors.New("relay is shutting down")
	ErrTooManyWindows = errors.New("too many windows")
	ErrAccessDenied   = errors.New("access denied")
)

// Connector opens shell sessions. *sshterminal.Driver implements it.
type Connector interface {
	Connect(ctx context.Context, s *sshterminal.Session, target sshterminal.Target, creds sshterminal.Credentials) error
}

// KeyResolver picks the private key a connect request may use.
// *sshkeys.KeyStore implements it.
type KeyResolver interface {
	Resolve(username, requested string) (string, error)
}

// Config tunes a Manager. Zero values select the defaults.
type Config struct {
	// BusyDelay is the pump delay after output was relayed, IdleDelay the
	// delay after a poll found nothing.
	BusyDelay time.Duration
	IdleDelay time.Duration
	// MaxWindows caps concurrent windows; 0 means unlimited.
	MaxWindows int
	// TeardownTimeout bounds how long teardown waits for background work.
	TeardownTimeout time.Duration
}

// WindowInfo describes a live window.
type WindowInfo struct {
	WindowID  string    `json:"window_id"`
	ConnID    string    `json:"connection_id"`
	State     State     `json:"state"`
	Target    string    `json:"target,omitempty"`
	Cols      int       `json:"cols,omitempty"`
	Rows      int       `json:"rows,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager owns every live window: it binds each browser transport to at
// most one shell session, runs one control loop and one output pump per
// window, and tears windows down.
type Manager struct {
	connector Connector
	registry  *windows.Registry
	keys      KeyResolver
	metrics   *metrics.Metrics
	states    *StateTracker
	cfg       Config

	mu       sync.Mutex
	windows  map[string]*window
	shutdown bool
	serving  sync.WaitGroup
}

// NewManager creates a Manager. keys may be nil to disable key
// authentication; a nil m gets a private metrics set.
func NewManager(connector Connector, registry *windows.Registry, keys KeyResolver, m *metrics.Metrics, cfg Config) *Manager {
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = DefaultBusyDelay
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = DefaultIdleDelay
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	if m == nil {
		m = metrics.New(false)
	}
	mgr := &Manager{
		connector: connector,
		registry:  registry,
		keys:      keys,
		metrics:   m,
		states:    NewStateTracker(),
		cfg:       cfg,
		windows:   make(map[string]*window),
	}
	mgr.states.OnTransition(func(_ string, _, to State) {
		m.Transitions.WithLabelValues(string(to)).Inc()
	})
	return mgr
}

// Serve runs the window windowID over t until the window ends, then tears it
// down. It registers owner as the window's owner first. A live window with
// the same id and owner is superseded; one with a different owner is left
// alone and t is refused.
func (m *Manager) Serve(ctx context.Context, windowID string, owner Owner, t Transport) error {
	if owner.Token == "" || windowID == "" {
		t.Close(ClosePolicyViolation, "Access denied")
		return ErrAccessDenied
	}

	w, err := m.attach(ctx, windowID, owner, t)
	if err != nil {
		return err
	}
	defer m.serving.Done()
	defer m.teardown(w)

	log.Printf("[relay] window %s opened by %s", logutil.SanitizeForLog(windowID), logutil.SanitizeForLog(owner.Username))
	if err := w.send(statusMsg("WebSocket connected successfully")); err != nil {
		return nil
	}
	m.controlLoop(ctx, w)
	return nil
}

// attach claims windowID for a new window, superseding an older window of
// the same owner.
func (m *Manager) attach(ctx context.Context, windowID string, owner Owner, t Transport) (*window, error) {
	for {
		m.mu.Lock()
		if m.shutdown {
			m.mu.Unlock()
			t.Close(CloseGoingAway, "Server shutting down")
			return nil, ErrShuttingDown
		}
		old := m.windows[windowID]
		if old == nil {
			if m.cfg.MaxWindows > 0 && len(m.windows) >= m.cfg.MaxWindows {
				m.mu.Unlock()
				log.Printf("[relay] refusing window %s: %d windows open", logutil.SanitizeForLog(windowID), m.cfg.MaxWindows)
				t.Close(CloseTryAgainLater, "Too many windows")
				return nil, ErrTooManyWindows
			}
			wctx, cancel := context.WithCancel(ctx)
			w := &window{
				id:        windowID,
				connID:    uuid.NewString(),
				owner:     owner,
				transport: t,
				createdAt: time.Now(),
				ctx:       wctx,
				cancel:    cancel,
				done:      make(chan struct{}),
			}
			m.windows[windowID] = w
			m.serving.Add(1)
			m.mu.Unlock()

			m.registry.Attach(windowID, owner.Token)
			m.states.Start(w.connID)
			m.metrics.WindowsActive.Inc()
			return w, nil
		}
		m.mu.Unlock()

		if old.owner.Token != owner.Token {
			log.Printf("[relay] window %s is live under another owner; refusing %s",
				logutil.SanitizeForLog(windowID), logutil.SanitizeForLog(owner.Username))
			m.metrics.AccessViolations.Inc()
			t.Close(ClosePolicyViolation, "Access denied")
			return nil, ErrAccessDenied
		}

		log.Printf("[relay] window %s reopened; closing previous connection", logutil.SanitizeForLog(windowID))
		m.requestClose(old, CloseWindowReopened, "Window reopened")
		select {
		case <-old.done:
		case <-ctx.Done():
			t.Close(CloseGoingAway, "Request cancelled")
			return nil, ctx.Err()
		}
	}
}

// controlLoop applies browser messages to the window until it should end.
// It is the only place control actions run, so they are serialized.
func (m *Manager) controlLoop(ctx context.Context, w *window) {
	limiter := newTokenBucket(inboundBurst, inboundRate)
	for {
		raw, err := w.transport.Receive(ctx)
		if err != nil {
			if w.ctx.Err() == nil {
				log.Printf("[relay] window %s transport closed: %v", logutil.SanitizeForLog(w.id), err)
			}
			return
		}
		if w.ctx.Err() != nil {
			return
		}

		if !m.registry.Validate(w.id, w.owner.Token) {
			log.Printf("[relay] access violation on window %s by %s",
				logutil.SanitizeForLog(w.id), logutil.SanitizeForLog(w.owner.Username))
			m.metrics.AccessViolations.Inc()
			w.setClose(ClosePolicyViolation, "Access denied")
			return
		}
		if len(raw) > maxMessageBytes {
			log.Printf("[relay] window %s: dropped %d byte message (limit %d)", logutil.SanitizeForLog(w.id), len(raw), maxMessageBytes)
			continue
		}
		if !limiter.allow() {
			continue
		}

		msg, err := ParseInbound(raw)
		if err != nil {
			log.Printf("[relay] window %s: malformed message: %v", logutil.SanitizeForLog(w.id), err)
			w.setClose(CloseInternalError, "Malformed message")
			return
		}

		if !m.dispatch(w, msg) {
			return
		}
	}
}

// dispatch applies one message and reports whether the loop should go on.
// A panic in a handler ends only this window.
func (m *Manager) dispatch(w *window, msg Inbound) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[relay] panic handling %s on window %s: %v", logutil.SanitizeForLog(msg.Type), logutil.SanitizeForLog(w.id), r)
			w.setClose(CloseInternalError, "Internal error")
			cont = false
		}
	}()

	switch msg.Type {
	case TypeConnect:
		m.onConnect(w, msg)
	case TypeInput:
		m.onInput(w, msg)
	case TypeResize:
		m.onResize(w, msg)
	case TypeDisconnect:
		log.Printf("[relay] window %s: disconnect requested", logutil.SanitizeForLog(w.id))
		w.setClose(CloseNormal, "Disconnected")
		return false
	default:
		log.Printf("[relay] window %s: ignoring message type %q", logutil.SanitizeForLog(w.id), logutil.SanitizeForLog(msg.Type))
	}
	return true
}

func (m *Manager) onConnect(w *window, msg Inbound) {
	if prev, err := m.states.Transition(w.connID, StateConnecting); err != nil {
		switch prev {
		case StateConnecting:
			w.send(statusMsg("Connection already in progress"))
		case StateActive:
			w.send(statusMsg("Already connected"))
		}
		return
	}

	target := sshterminal.Target{Host: msg.Hostname, Port: int(msg.Port), Username: msg.Username}
	if target.Port == 0 {
		target.Port = sshterminal.DefaultPort
	}
	creds := sshterminal.Credentials{
		Password: msg.Password,
		KeyPath:  m.resolveKey(w, msg.KeyPath),
		Owner:    w.owner.Token,
	}

	session := sshterminal.NewSession()
	w.mu.Lock()
	w.session = session
	w.target = target
	w.mu.Unlock()

	log.Printf("[relay] window %s: connecting to %s", logutil.SanitizeForLog(w.id), logutil.SanitizeForLog(target.String()))
	w.tasks.Add(1)
	go m.runConnect(w, session, target, creds)
}

// resolveKey returns the key path to offer, or "" for password only.
func (m *Manager) resolveKey(w *window, requested string) string {
	if m.keys == nil || w.owner.Username == "" {
		return ""
	}
	path, err := m.keys.Resolve(w.owner.Username, requested)
	switch {
	case err == nil:
		return path
	case errors.Is(err, sshkeys.ErrOutsideKeyDir):
		log.Printf("[relay] window %s: ignoring key path %s outside the key directory of %s",
			logutil.SanitizeForLog(w.id), logutil.SanitizeForLog(requested), logutil.SanitizeForLog(w.owner.Username))
	case !errors.Is(err, sshkeys.ErrNoKey):
		log.Printf("[relay] window %s: key lookup: %v", logutil.SanitizeForLog(w.id), err)
	}
	return ""
}

func (m *Manager) runConnect(w *window, session *sshterminal.Session, target sshterminal.Target, creds sshterminal.Credentials) {
	defer w.tasks.Done()

	err := m.connector.Connect(w.ctx, session, target, creds)
	if err != nil {
		m.metrics.ConnectAttempts.WithLabelValues(connectResult(err)).Inc()
		session.Close()
		w.mu.Lock()
		if w.session == session {
			w.session = nil
		}
		w.mu.Unlock()

		if _, terr := m.states.Transition(w.connID, StateIdle); terr != nil {
			return
		}
		log.Printf("[relay] window %s: connect to %s failed: %v",
			logutil.SanitizeForLog(w.id), logutil.SanitizeForLog(target.String()), err)
		text := err.Error()
		w.send(outputMsg(w.id, []byte("\r\n[ERROR] "+text+"\r\n")))
		w.send(errorMsg(text))
		return
	}

	m.metrics.ConnectAttempts.WithLabelValues(metrics.ResultSuccess).Inc()
	if _, err := m.states.Transition(w.connID, StateActive); err != nil {
		// The window started closing while the shell came up.
		session.Close()
		return
	}
	w.send(statusMsg("SSH connection established"))

	w.tasks.Add(1)
	go m.pump(w, session)
}

func connectResult(err error) string {
	switch {
	case errors.Is(err, sshterminal.ErrAuthenticationFailed):
		return metrics.ResultAuthFailed
	case errors.Is(err, sshterminal.ErrRateLimited):
		return metrics.ResultRateLimited
	case errors.Is(err, sshterminal.ErrTargetNotAllowed):
		return metrics.ResultRestricted
	default:
		return metrics.ResultNetwork
	}
}

func (m *Manager) onInput(w *window, msg Inbound) {
	if st, _ := m.states.Get(w.connID); st != StateActive {
		return
	}
	session := w.currentSession()
	if session == nil || msg.Data == "" {
		return
	}
	if err := session.SendInput([]byte(msg.Data)); err != nil {
		log.Printf("[relay] window %s: %v", logutil.SanitizeForLog(w.id), err)
		return
	}
	m.metrics.InputBytes.Add(float64(len(msg.Data)))
}

func (m *Manager) onResize(w *window, msg Inbound) {
	if st, _ := m.states.Get(w.connID); st != StateActive {
		return
	}
	session := w.currentSession()
	if session == nil {
		return
	}
	cols, rows := msg.Cols, msg.Rows
	if cols == 0 {
		cols = sshterminal.MinCols
	}
	if rows == 0 {
		rows = sshterminal.MinRows
	}
	if _, _, err := session.Resize(cols, rows); err != nil {
		log.Printf("[relay] window %s: %v", logutil.SanitizeForLog(w.id), err)
	}
}

// pump relays shell output to the browser. It polls with a short delay after
// data and a longer one when idle, and reports the end of the remote shell
// exactly once before ending the window: process_ended for an exit, error
// for a connection that failed under it.
func (m *Manager) pump(w *window, session *sshterminal.Session) {
	defer w.tasks.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-timer.C:
		}

		if data := session.PollOutput(); len(data) > 0 {
			if err := w.send(outputMsg(w.id, data)); err != nil {
				if w.ctx.Err() == nil {
					log.Printf("[relay] window %s: send output: %v", logutil.SanitizeForLog(w.id), err)
					m.requestClose(w, CloseInternalError, "Send failed")
				}
				return
			}
			m.metrics.OutputBytes.Add(float64(len(data)))
			timer.Reset(m.cfg.BusyDelay)
			continue
		}

		if st := session.Ended(); st != nil {
			if st.Lost() {
				text := fmt.Sprintf("SSH connection to %s lost: %v", session.Target().Addr(), st.Err)
				log.Printf("[relay] window %s: %s", logutil.SanitizeForLog(w.id), logutil.SanitizeForLog(text))
				w.send(outputMsg(w.id, []byte("\r\n[ERROR] "+text+"\r\n")))
				w.send(errorMsg(text))
				m.requestClose(w, CloseInternalError, "Connection lost")
				return
			}
			log.Printf("[relay] window %s: remote shell ended (exit code %d)", logutil.SanitizeForLog(w.id), st.Code)
			w.send(processEndedMsg(st.Code))
			m.requestClose(w, CloseNormal, "Session ended")
			return
		}
		timer.Reset(m.cfg.IdleDelay)
	}
}

// markClosing moves w to closing from whatever state it is in. Concurrent
// transitions by the connect task are retried.
func (m *Manager) markClosing(w *window) {
	for {
		st, ok := m.states.Get(w.connID)
		if !ok || st == StateClosing || st == StateTerminated {
			return
		}
		if _, err := m.states.Transition(w.connID, StateClosing); err == nil {
			return
		}
	}
}

// requestClose ends w from outside its control loop: it records the close
// reason, stops background work and closes the transport, which unblocks the
// control loop so it runs the teardown.
func (m *Manager) requestClose(w *window, code int, reason string) {
	w.setClose(code, reason)
	m.markClosing(w)
	w.cancel()
	code, reason = w.closeStatus()
	if err := w.transport.Close(code, reason); err != nil {
		log.Printf("[relay] close transport for window %s: %v", logutil.SanitizeForLog(w.id), err)
	}
}

// teardown releases everything a window holds. Each step runs on its own
// even if an earlier one fails or panics.
func (m *Manager) teardown(w *window) {
	defer close(w.done)

	w.step("mark closing", func() error {
		m.markClosing(w)
		return nil
	})
	w.step("stop background tasks", func() error {
		w.cancel()
		return nil
	})
	w.step("close session", func() error {
		if s := w.currentSession(); s != nil {
			s.Close()
		}
		return nil
	})
	w.step("wait for background tasks", func() error {
		finished := make(chan struct{})
		go func() {
			w.tasks.Wait()
			close(finished)
		}()
		select {
		case <-finished:
			return nil
		case <-time.After(m.cfg.TeardownTimeout):
			return fmt.Errorf("background tasks still running after %s", m.cfg.TeardownTimeout)
		}
	})
	w.step("close transport", func() error {
		code, reason := w.closeStatus()
		return w.transport.Close(code, reason)
	})
	w.step("release registration", func() error {
		m.registry.RemoveOwned(w.id, w.owner.Token)
		return nil
	})
	w.step("drop window", func() error {
		m.mu.Lock()
		if m.windows[w.id] == w {
			delete(m.windows, w.id)
		}
		m.mu.Unlock()
		m.metrics.WindowsActive.Dec()
		return nil
	})
	w.step("mark terminated", func() error {
		_, err := m.states.Transition(w.connID, StateTerminated)
		m.states.Forget(w.connID)
		return err
	})

	code, reason := w.closeStatus()
	log.Printf("[relay] window %s closed (%d %s)", logutil.SanitizeForLog(w.id), code, reason)
}

// CloseWindow ends the live window windowID if ownerToken owns it.
func (m *Manager) CloseWindow(windowID, ownerToken string) bool {
	m.mu.Lock()
	w := m.windows[windowID]
	m.mu.Unlock()
	if w == nil || w.owner.Token != ownerToken {
		return false
	}
	m.requestClose(w, CloseNormal, "Disconnected")
	<-w.done
	return true
}

// List returns the live windows of ownerToken sorted by id. An empty token
// lists every window.
func (m *Manager) List(ownerToken string) []WindowInfo {
	m.mu.Lock()
	live := make([]*window, 0, len(m.windows))
	for _, w := range m.windows {
		if ownerToken == "" || w.owner.Token == ownerToken {
			live = append(live, w)
		}
	}
	m.mu.Unlock()

	out := make([]WindowInfo, 0, len(live))
	for _, w := range live {
		st, ok := m.states.Get(w.connID)
		if !ok {
			st = StateTerminated
		}
		info := WindowInfo{WindowID: w.id, ConnID: w.connID, State: st, CreatedAt: w.createdAt}
		if s := w.currentSession(); s != nil && s.Connected() {
			info.Target = s.Target().String()
			info.Cols, info.Rows = s.Size()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowID < out[j].WindowID })
	return out
}

// Len returns the number of live windows.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Shutdown refuses new windows, closes every live one and waits for their
// teardown or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	live := make([]*window, 0, len(m.windows))
	for _, w := range m.windows {
		live = append(live, w)
	}
	m.mu.Unlock()

	log.Printf("[relay] shutting down %d window(s)", len(live))
	// A close handshake with an unresponsive browser blocks, so windows
	// close in parallel and the wait below stays bounded by ctx.
	var closing sync.WaitGroup
	for _, w := range live {
		closing.Add(1)
		go func(w *window) {
			defer closing.Done()
			m.requestClose(w, CloseGoingAway, "Server shutting down")
		}(w)
	}

	done := make(chan struct{})
	go func() {
		closing.Wait()
		m.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
