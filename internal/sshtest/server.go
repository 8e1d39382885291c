// Package sshtest runs an in-process SSH server for tests.
//
// The server accepts password, keyboard-interactive and public key logins,
// grants a PTY and a shell, and records the PTY geometry it is asked for.
// The shell echoes its input and understands a few line commands:
//
//	exit [N]    send exit status N (default 0) and close the channel
//	err TEXT    write TEXT to stderr
//	kill        end with exit signal KILL
//	hangup      close the channel without an exit status
//	big N       write N bytes of 'x'
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// Options configures a Server.
type Options struct {
	// Users maps usernames to passwords.
	Users map[string]string
	// AuthorizedKeys are accepted for any user in Users.
	AuthorizedKeys []ssh.PublicKey
	// KeyboardInteractiveOnly disables the "password" method so passwords
	// are only accepted through keyboard-interactive.
	KeyboardInteractiveOnly bool
	// Banner is written when a shell starts. Defaults to "Welcome, <user>\r\n".
	Banner string
}

// Size is a PTY geometry.
type Size struct {
	Cols, Rows int
}

// Server is a running test SSH server. It is shut down by t.Cleanup.
type Server struct {
	Addr string
	Host string
	Port int

	opts     Options
	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup

	mu           sync.Mutex
	conns        map[*ssh.ServerConn]struct{}
	ptys         []Size
	resizes      []Size
	env          map[string]string
	active       int
	authFailures int
	keyLogins    int
}

// NewServer starts a server on a loopback port.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	s := &Server{
		opts:  opts,
		conns: make(map[*ssh.ServerConn]struct{}),
		env:   make(map[string]string),
	}
	s.config = &ssh.ServerConfig{
		PublicKeyCallback: s.checkKey,
		KeyboardInteractiveCallback: func(conn ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(conn.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) == 1 {
				return s.checkPassword(conn, []byte(answers[0]))
			}
			return nil, s.failAuth()
		},
	}
	if !opts.KeyboardInteractiveOnly {
		s.config.PasswordCallback = s.checkPassword
	}
	s.config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = ln
	s.Addr = ln.Addr().String()
	host, port, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *Server) failAuth() error {
	s.mu.Lock()
	s.authFailures++
	s.mu.Unlock()
	return fmt.Errorf("access denied")
}

func (s *Server) checkPassword(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	want, ok := s.opts.Users[conn.User()]
	if !ok || want != string(password) {
		return nil, s.failAuth()
	}
	return &ssh.Permissions{}, nil
}

func (s *Server) checkKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if _, ok := s.opts.Users[conn.User()]; ok {
		for _, k := range s.opts.AuthorizedKeys {
			if bytes.Equal(k.Marshal(), key.Marshal()) {
				s.mu.Lock()
				s.keyLogins++
				s.mu.Unlock()
				return &ssh.Permissions{}, nil
			}
		}
	}
	return nil, fmt.Errorf("unknown public key")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

func (s *Server) close() {
	s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleConn(nc net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}
	s.mu.Lock()
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		sshConn.Close()
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
	}()

	// Replies false to keepalive@openssh.com, which clients accept.
	go ssh.DiscardRequests(reqs)

	var sessions sync.WaitGroup
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			s.handleSession(sshConn.User(), ch, requests)
		}()
	}
	sessions.Wait()
}

func (s *Server) handleSession(user string, ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	started := false
	defer func() {
		if started {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}
	}()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p struct {
				Term          string
				Cols, Rows    uint32
				Width, Height uint32
				Modes         string
			}
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.ptys = append(s.ptys, Size{int(p.Cols), int(p.Rows)})
			s.mu.Unlock()
			req.Reply(true, nil)

		case "window-change":
			var p struct {
				Cols, Rows    uint32
				Width, Height uint32
			}
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				s.mu.Lock()
				s.resizes = append(s.resizes, Size{int(p.Cols), int(p.Rows)})
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "env":
			var p struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				s.mu.Lock()
				s.env[p.Name] = p.Value
				s.mu.Unlock()
			}
			// Like a stock sshd without AcceptEnv.
			req.Reply(false, nil)

		case "shell":
			req.Reply(!started, nil)
			if started {
				continue
			}
			started = true
			s.mu.Lock()
			s.active++
			s.mu.Unlock()
			go s.runShell(user, ch)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runShell(user string, ch ssh.Channel) {
	banner := s.opts.Banner
	if banner == "" {
		banner = "Welcome, " + user + "\r\n"
	}
	ch.Write([]byte(banner))

	var line []byte
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		for _, b := range buf[:n] {
			ch.Write([]byte{b})
			if b != '\r' && b != '\n' {
				line = append(line, b)
				continue
			}
			cmd := strings.TrimSpace(string(line))
			line = line[:0]
			if done := s.runCommand(ch, cmd); done {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// runCommand executes one shell line and reports whether the shell ended.
func (s *Server) runCommand(ch ssh.Channel, cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "exit":
		code := 0
		if len(fields) > 1 {
			code, _ = strconv.Atoi(fields[1])
		}
		ch.CloseWrite()
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
		ch.Close()
		return true
	case "kill":
		ch.CloseWrite()
		ch.SendRequest("exit-signal", false, ssh.Marshal(struct {
			Signal     string
			CoreDumped bool
			Error      string
			Lang       string
		}{Signal: "KILL"}))
		ch.Close()
		return true
	case "hangup":
		ch.Close()
		return true
	case "err":
		ch.Stderr().Write([]byte(strings.TrimSpace(strings.TrimPrefix(cmd, "err")) + "\r\n"))
	case "big":
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil && n > 0 {
				ch.Write(bytes.Repeat([]byte("x"), n))
			}
		}
	}
	return false
}

// PTYSizes returns the geometry of every PTY requested so far.
func (s *Server) PTYSizes() []Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Size(nil), s.ptys...)
}

// Resizes returns every window-change received so far.
func (s *Server) Resizes() []Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Size(nil), s.resizes...)
}

// Env returns the value of an environment variable a client requested.
func (s *Server) Env(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env[name]
}

// ActiveShells returns the number of shells whose channel is still open.
func (s *Server) ActiveShells() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Conns returns the number of authenticated connections still open.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// AuthFailures returns the number of rejected passwords.
func (s *Server) AuthFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authFailures
}

// KeyLogins returns the number of successful public key logins.
func (s *Server) KeyLogins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyLogins
}

// WaitUntil polls cond every 10ms until it holds or timeout elapses.
func WaitUntil(t testing.TB, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: "+format, args...)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// StallingListener returns the address of a listener that accepts TCP
// connections and never speaks, for exercising handshake timeouts.
func StallingListener(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
		done  = make(chan struct{})
	)
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	return ln.Addr().String()
}

// ClosedPort returns a loopback address nothing listens on.
func ClosedPort(t testing.TB) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	return "127.0.0.1", addr.Port
}
