package sshterminal

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/scottpeterman/velociterm/internal/logutil"
)

// Terminal geometry limits. The floor keeps full-screen programs written
// for 80x24 terminals usable; the cap bounds abusive resize requests.
const (
	MinCols = 80
	MinRows = 24
	MaxCols = 500
	MaxRows = 200
)

// TermType is the terminal type requested for every PTY.
const TermType = "xterm-256color"

const (
	readChunkSize    = 16 * 1024
	maxPollBytes     = 64 * 1024
	outputQueueDepth = 256

	// lossGrace is how long a shell that ended without a status waits for
	// the connection to report a failure before it counts as a plain exit.
	lossGrace = 250 * time.Millisecond
)

// ClampSize applies the terminal geometry floor and cap.
func ClampSize(cols, rows int) (int, int) {
	return min(max(cols, MinCols), MaxCols), min(max(rows, MinRows), MaxRows)
}

// Target identifies the remote account a session logs into.
type Target struct {
	Host     string
	Port     int
	Username string
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return t.Username + "@" + t.Addr()
}

// Credentials carries the secrets for one connect attempt. KeyPath names a
// private key file; raw key bytes are never passed around. Owner names who
// is connecting, so that connect limits are kept per owner.
type Credentials struct {
	Password string
	KeyPath  string
	Owner    string
}

// ExitStatus describes how the remote shell ended. Code is -1 when the
// server closed the channel without reporting a status. Err is set, wrapping
// ErrConnectionLost, when the shell ended because the connection failed
// rather than because the remote process exited.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Lost reports whether the shell ended with its connection.
func (e *ExitStatus) Lost() bool {
	return e.Err != nil
}

// Session is the handle for one remote shell. A Session starts empty,
// becomes connected through Driver.Connect, and is never reused once closed.
//
// SendInput, Resize and Close are meant to be called from the window's
// control loop, PollOutput and Ended from its output pump. The two may run
// concurrently.
type Session struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	target    Target
	cols      int
	rows      int
	client    *ssh.Client
	session   *ssh.Session
	stdin     io.WriteCloser
	output    chan []byte
	exit      *ExitStatus
	lost      error

	drained  atomic.Bool
	waitDone chan struct{}
	connDone chan struct{}
	done     chan struct{}
}

// NewSession returns an unconnected handle.
func NewSession() *Session {
	return &Session{
		waitDone: make(chan struct{}),
		connDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Connected reports whether the session holds an open channel.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Target returns the remote account, zero until connected.
func (s *Session) Target() Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Size returns the current PTY dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// attach installs an established shell into the session and starts the
// output readers, the exit watcher and the keepalive loop.
func (s *Session) attach(target Target, client *ssh.Client, sess *ssh.Session, stdin io.WriteCloser, stdout, stderr io.Reader, keepalive time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	s.connected = true
	s.target = target
	s.cols, s.rows = MinCols, MinRows
	s.client = client
	s.session = sess
	s.stdin = stdin
	s.output = make(chan []byte, outputQueueDepth)
	out := s.output
	s.mu.Unlock()

	// stdout and stderr feed one merged stream.
	var readers sync.WaitGroup
	readers.Add(2)
	go s.readInto(out, stdout, &readers)
	go s.readInto(out, stderr, &readers)
	go func() {
		readers.Wait()
		close(out)
	}()

	go s.watchConn(client)
	go s.watchExit(sess)

	if keepalive > 0 {
		go s.keepaliveLoop(client, keepalive)
	}
	return nil
}

func (s *Session) readInto(out chan<- []byte, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// watchConn records a connection failure that Close did not cause.
func (s *Session) watchConn(client *ssh.Client) {
	err := client.Wait()
	s.markLost(err)
	close(s.connDone)
}

// markLost records cause as the reason the connection died, unless the
// session is being closed or a cause is already known.
func (s *Session) markLost(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.lost != nil {
		return
	}
	if cause == nil {
		s.lost = ErrConnectionLost
		return
	}
	s.lost = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
}

func (s *Session) watchExit(sess *ssh.Session) {
	err := sess.Wait()
	status := &ExitStatus{Code: 0}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		status.Code = exitErr.ExitStatus()
		status.Signal = exitErr.Signal()
	default:
		// No status: either the server hung up the channel or the
		// connection under it failed. A dead connection shows up on
		// client.Wait right after its channels are dropped.
		status.Code = -1
		select {
		case <-s.connDone:
		case <-s.done:
		case <-time.After(lossGrace):
		}
		s.mu.Lock()
		status.Err = s.lost
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.exit = status
	s.mu.Unlock()
	close(s.waitDone)
}

func (s *Session) keepaliveLoop(client *ssh.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.waitDone:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("[ssh] keepalive failed for %s: %v", logutil.SanitizeForLog(s.Target().String()), err)
				s.markLost(fmt.Errorf("keepalive: %w", err))
				client.Close()
				return
			}
		}
	}
}

// SendInput writes p to the remote shell. Input for a session that is not
// connected is dropped and logged.
func (s *Session) SendInput(p []byte) error {
	s.mu.Lock()
	connected, stdin := s.connected, s.stdin
	s.mu.Unlock()

	if !connected || stdin == nil {
		log.Printf("[ssh] dropped %d byte(s) of input: no active connection", len(p))
		return nil
	}
	if _, err := stdin.Write(p); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// Resize requests new PTY dimensions after clamping them and returns the
// size that was applied. It is a no-op when not connected.
func (s *Session) Resize(cols, rows int) (int, int, error) {
	cols, rows = ClampSize(cols, rows)

	s.mu.Lock()
	connected, sess := s.connected, s.session
	s.mu.Unlock()
	if !connected || sess == nil {
		return cols, rows, nil
	}

	if err := sess.WindowChange(rows, cols); err != nil {
		return cols, rows, fmt.Errorf("window change: %w", err)
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return cols, rows, nil
}

// PollOutput returns whatever output is ready without blocking, or nil.
func (s *Session) PollOutput() []byte {
	s.mu.Lock()
	out := s.output
	s.mu.Unlock()
	if out == nil {
		return nil
	}

	var data []byte
	for len(data) < maxPollBytes {
		select {
		case chunk, ok := <-out:
			if !ok {
				s.drained.Store(true)
				return data
			}
			data = append(data, chunk...)
		default:
			return data
		}
	}
	return data
}

// Ended returns the exit status once the remote shell has finished and all
// of its output has been returned by PollOutput. It returns nil otherwise.
func (s *Session) Ended() *ExitStatus {
	select {
	case <-s.waitDone:
	default:
		return nil
	}
	if !s.drained.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit == nil {
		return nil
	}
	st := *s.exit
	return &st
}

// Close shuts the channel and then the connection. Each step runs even if
// an earlier one fails, and no error is returned. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	stdin, sess, client := s.stdin, s.session, s.client
	s.stdin, s.session, s.client = nil, nil, nil
	target := s.target
	s.mu.Unlock()

	close(s.done)

	closeStep("stdin", target, func() error {
		if stdin == nil {
			return nil
		}
		return stdin.Close()
	})
	closeStep("channel", target, func() error {
		if sess == nil {
			return nil
		}
		return sess.Close()
	})
	closeStep("connection", target, func() error {
		if client == nil {
			return nil
		}
		return client.Close()
	})

	if client != nil {
		log.Printf("[ssh] closed session to %s", logutil.SanitizeForLog(target.String()))
	}
}

// closeStep runs one teardown step, logging failures and recovering panics.
func closeStep(name string, target Target, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ssh] panic closing %s for %s: %v", name, logutil.SanitizeForLog(target.String()), r)
		}
	}()
	if err := fn(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.Printf("[ssh] error closing %s for %s: %v", name, logutil.SanitizeForLog(target.String()), err)
	}
}
