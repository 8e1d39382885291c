package sshterminal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/scottpeterman/velociterm/internal/sshtest"
)

// connectTestSession starts a test server with user alice and returns a
// connected session to it.
func connectTestSession(t *testing.T) (*Session, *sshtest.Server) {
	t.Helper()
	srv := sshtest.NewServer(t, sshtest.Options{Users: map[string]string{"alice": "secret"}})
	d := NewDriver(DriverConfig{ConnectTimeout: 5 * time.Second, KeepaliveInterval: -1})

	s := NewSession()
	t.Cleanup(s.Close)
	err := d.Connect(context.Background(), s,
		Target{Host: srv.Host, Port: srv.Port, Username: "alice"},
		Credentials{Password: "secret"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, srv
}

// pollUntil drains s until the accumulated output contains want.
func pollUntil(t *testing.T, s *Session, want string) string {
	t.Helper()
	var got strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got.Write(s.PollOutput())
		if strings.Contains(got.String(), want) {
			return got.String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %q, got %q", want, got.String())
	return ""
}

// waitEnded drains s until the shell has ended.
func waitEnded(t *testing.T, s *Session) (*ExitStatus, string) {
	t.Helper()
	var got strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got.Write(s.PollOutput())
		if st := s.Ended(); st != nil {
			return st, got.String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session did not end, output %q", got.String())
	return nil, ""
}

func TestClampSize(t *testing.T) {
	tests := []struct {
		cols, rows         int
		wantCols, wantRows int
	}{
		{40, 10, 80, 24},
		{120, 40, 120, 40},
		{80, 24, 80, 24},
		{0, 0, 80, 24},
		{-5, 30, 80, 30},
		{1000, 1000, 500, 200},
		{500, 200, 500, 200},
		{100, 10, 100, 24},
	}
	for _, tt := range tests {
		c, r := ClampSize(tt.cols, tt.rows)
		if c != tt.wantCols || r != tt.wantRows {
			t.Errorf("ClampSize(%d, %d) = %d, %d; want %d, %d", tt.cols, tt.rows, c, r, tt.wantCols, tt.wantRows)
		}
	}
}

func TestTargetString(t *testing.T) {
	tg := Target{Host: "10.0.0.5", Port: 2222, Username: "admin"}
	if got := tg.String(); got != "admin@10.0.0.5:2222" {
		t.Errorf("String() = %q", got)
	}
	v6 := Target{Host: "::1", Port: 22, Username: "root"}
	if got := v6.Addr(); got != "[::1]:22" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestUnconnectedSessionIsInert(t *testing.T) {
	s := NewSession()
	if s.Connected() {
		t.Fatal("new session reports connected")
	}
	if err := s.SendInput([]byte("ls\n")); err != nil {
		t.Errorf("SendInput before connect: %v", err)
	}
	c, r, err := s.Resize(40, 10)
	if err != nil || c != 80 || r != 24 {
		t.Errorf("Resize before connect = %d, %d, %v", c, r, err)
	}
	if out := s.PollOutput(); out != nil {
		t.Errorf("PollOutput before connect = %q", out)
	}
	if st := s.Ended(); st != nil {
		t.Errorf("Ended before connect = %+v", st)
	}
	s.Close()
	s.Close()
	if !s.Closed() {
		t.Error("Closed() false after Close")
	}
}

func TestConnectOpensDefaultPTY(t *testing.T) {
	s, srv := connectTestSession(t)

	if !s.Connected() {
		t.Fatal("session not connected")
	}
	if c, r := s.Size(); c != 80 || r != 24 {
		t.Errorf("Size() = %dx%d, want 80x24", c, r)
	}
	ptys := srv.PTYSizes()
	if len(ptys) != 1 || ptys[0] != (sshtest.Size{Cols: 80, Rows: 24}) {
		t.Errorf("PTY requests = %v, want [{80 24}]", ptys)
	}
	if got := srv.Env("TERM"); got != TermType {
		t.Errorf("TERM = %q, want %q", got, TermType)
	}
	if got := s.Target().String(); got != "alice@"+srv.Addr {
		t.Errorf("Target() = %q", got)
	}
	pollUntil(t, s, "Welcome, alice")
}

func TestSendInputEchoes(t *testing.T) {
	s, _ := connectTestSession(t)
	pollUntil(t, s, "Welcome")

	if err := s.SendInput([]byte("hello world\r")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	pollUntil(t, s, "hello world")
}

func TestStderrIsMerged(t *testing.T) {
	s, _ := connectTestSession(t)
	pollUntil(t, s, "Welcome")

	if err := s.SendInput([]byte("err something broke\r")); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, s, "something broke\r\n")
}

func TestResizeClamps(t *testing.T) {
	s, srv := connectTestSession(t)

	tests := []struct {
		cols, rows int
		want       sshtest.Size
	}{
		{40, 10, sshtest.Size{Cols: 80, Rows: 24}},
		{120, 40, sshtest.Size{Cols: 120, Rows: 40}},
		{9999, 9999, sshtest.Size{Cols: 500, Rows: 200}},
	}
	for i, tt := range tests {
		c, r, err := s.Resize(tt.cols, tt.rows)
		if err != nil {
			t.Fatalf("Resize(%d, %d): %v", tt.cols, tt.rows, err)
		}
		if c != tt.want.Cols || r != tt.want.Rows {
			t.Errorf("Resize(%d, %d) applied %dx%d, want %v", tt.cols, tt.rows, c, r, tt.want)
		}
		sshtest.WaitUntil(t, 5*time.Second, func() bool { return len(srv.Resizes()) > i },
			"window-change %d not received", i)
		if got := srv.Resizes()[i]; got != tt.want {
			t.Errorf("server saw %v, want %v", got, tt.want)
		}
	}
	if c, r := s.Size(); c != 500 || r != 200 {
		t.Errorf("Size() = %dx%d after resizes", c, r)
	}
}

func TestExitStatusAfterOutput(t *testing.T) {
	s, _ := connectTestSession(t)
	pollUntil(t, s, "Welcome")

	if err := s.SendInput([]byte("big 100000\r")); err != nil {
		t.Fatal(err)
	}
	if err := s.SendInput([]byte("exit 3\r")); err != nil {
		t.Fatal(err)
	}
	st, out := waitEnded(t, s)
	if st.Code != 3 {
		t.Errorf("exit code = %d, want 3", st.Code)
	}
	if n := strings.Count(out, "x"); n < 100000 {
		t.Errorf("lost output before exit: got %d of 100000 bytes", n)
	}
}

func TestExitWithoutStatus(t *testing.T) {
	s, _ := connectTestSession(t)
	pollUntil(t, s, "Welcome")

	s.SendInput([]byte("hangup\r"))
	st, _ := waitEnded(t, s)
	if st.Code != -1 {
		t.Errorf("exit code = %d, want -1", st.Code)
	}
}

func TestHangupIsNotConnectionLoss(t *testing.T) {
	s, _ := connectTestSession(t)
	pollUntil(t, s, "Welcome")

	s.SendInput([]byte("hangup\r"))
	st, _ := waitEnded(t, s)
	if st.Lost() {
		t.Errorf("hangup reported as connection loss: %v", st.Err)
	}
}

func TestConnectionLossIsReported(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Users: map[string]string{"alice": "secret"}})
	proxy := sshtest.NewProxy(t, srv.Addr)
	d := NewDriver(DriverConfig{ConnectTimeout: 5 * time.Second, KeepaliveInterval: -1})

	s := NewSession()
	t.Cleanup(s.Close)
	err := d.Connect(context.Background(), s,
		Target{Host: proxy.Host, Port: proxy.Port, Username: "alice"},
		Credentials{Password: "secret"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pollUntil(t, s, "Welcome")

	proxy.Cut()
	st, _ := waitEnded(t, s)
	if !st.Lost() || !errors.Is(st.Err, ErrConnectionLost) {
		t.Fatalf("status = %+v, want a lost connection", st)
	}
	if st.Code != -1 {
		t.Errorf("exit code = %d, want -1", st.Code)
	}
}

func TestCloseIsNotConnectionLoss(t *testing.T) {
	s, _ := connectTestSession(t)
	pollUntil(t, s, "Welcome")

	s.Close()
	s.mu.Lock()
	lost := s.lost
	s.mu.Unlock()
	if lost != nil {
		t.Errorf("Close recorded a lost connection: %v", lost)
	}
}

func TestExitBySignal(t *testing.T) {
	s, _ := connectTestSession(t)
	pollUntil(t, s, "Welcome")

	s.SendInput([]byte("kill\r"))
	st, _ := waitEnded(t, s)
	if st.Signal != "KILL" {
		t.Errorf("signal = %q, want KILL", st.Signal)
	}
}

func TestCloseReleasesRemote(t *testing.T) {
	s, srv := connectTestSession(t)
	pollUntil(t, s, "Welcome")

	if srv.ActiveShells() != 1 {
		t.Fatalf("active shells = %d, want 1", srv.ActiveShells())
	}
	s.Close()
	s.Close()

	if s.Connected() {
		t.Error("Connected() true after Close")
	}
	if err := s.SendInput([]byte("x")); err != nil {
		t.Errorf("SendInput after Close: %v", err)
	}
	sshtest.WaitUntil(t, 5*time.Second, func() bool { return srv.ActiveShells() == 0 && srv.Conns() == 0 },
		"remote shell still open (shells=%d conns=%d)", srv.ActiveShells(), srv.Conns())
}

func TestConnectClosedSessionFails(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Users: map[string]string{"alice": "secret"}})
	d := NewDriver(DriverConfig{ConnectTimeout: 5 * time.Second})

	s := NewSession()
	s.Close()
	err := d.Connect(context.Background(), s,
		Target{Host: srv.Host, Port: srv.Port, Username: "alice"}, Credentials{Password: "secret"})
	if err == nil {
		t.Fatal("expected error connecting a closed session")
	}
	if srv.Conns() != 0 {
		t.Errorf("closed session reached the server")
	}
}

func TestConnectTwiceFails(t *testing.T) {
	s, srv := connectTestSession(t)
	d := NewDriver(DriverConfig{ConnectTimeout: 5 * time.Second})
	err := d.Connect(context.Background(), s,
		Target{Host: srv.Host, Port: srv.Port, Username: "alice"}, Credentials{Password: "secret"})
	if err == nil {
		t.Fatal("expected error connecting an already connected session")
	}
}
