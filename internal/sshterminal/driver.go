package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/scottpeterman/velociterm/internal/logutil"
)

const (
	// DefaultConnectTimeout bounds dial, handshake, authentication and shell
	// setup for one connect attempt.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultKeepaliveInterval is the interval between keepalive requests.
	DefaultKeepaliveInterval = 30 * time.Second
	// DefaultPort is used when a connect request omits the port.
	DefaultPort = 22
)

// shellEnv is requested for every shell. Servers commonly refuse variables
// they do not accept, which is ignored.
var shellEnv = [][2]string{
	{"TERM", TermType},
	{"COLORTERM", "truecolor"},
	{"LANG", "C.UTF-8"},
}

// DriverConfig configures a Driver. Zero values select the defaults.
type DriverConfig struct {
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	// HostKeyCallback verifies server host keys. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	// RateLimit overrides the connect attempt limits.
	RateLimit *RateLimitConfig
	// AllowedTargets restricts the hosts sessions may reach. Empty allows all.
	AllowedTargets []*net.IPNet
}

// Driver opens authenticated shell sessions. It is safe for concurrent use
// by many windows.
type Driver struct {
	connectTimeout    time.Duration
	keepaliveInterval time.Duration
	hostKeyCallback   ssh.HostKeyCallback
	limiter           *RateLimiter
	allowed           []*net.IPNet
}

// NewDriver creates a Driver from cfg.
func NewDriver(cfg DriverConfig) *Driver {
	d := &Driver{
		connectTimeout:    cfg.ConnectTimeout,
		keepaliveInterval: cfg.KeepaliveInterval,
		hostKeyCallback:   cfg.HostKeyCallback,
		allowed:           cfg.AllowedTargets,
	}
	if d.connectTimeout <= 0 {
		d.connectTimeout = DefaultConnectTimeout
	}
	if d.keepaliveInterval == 0 {
		d.keepaliveInterval = DefaultKeepaliveInterval
	}
	if d.hostKeyCallback == nil {
		d.hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	rl := DefaultRateLimitConfig()
	if cfg.RateLimit != nil {
		rl = *cfg.RateLimit
	}
	d.limiter = NewRateLimiter(rl)
	return d
}

// Connect authenticates to target and starts an interactive shell with an
// 80x24 PTY inside s. Key authentication is offered first when creds names
// a usable key, then the password. On failure s stays unconnected and a
// *ConnectError is returned.
func (d *Driver) Connect(ctx context.Context, s *Session, target Target, creds Credentials) error {
	if target.Port == 0 {
		target.Port = DefaultPort
	}
	addr := target.Addr()

	if s.Closed() {
		return fmt.Errorf("connect %s: session closed", logutil.SanitizeForLog(addr))
	}
	if s.Connected() {
		return fmt.Errorf("connect %s: session already connected", logutil.SanitizeForLog(addr))
	}
	if target.Host == "" {
		return &ConnectError{Kind: KindNetwork, Addr: addr, Err: errors.New("hostname is empty")}
	}
	if target.Port < 0 || target.Port > 65535 {
		return &ConnectError{Kind: KindNetwork, Addr: addr, Err: fmt.Errorf("invalid port %d", target.Port)}
	}
	if target.Username == "" {
		return &ConnectError{Kind: KindAuth, Addr: addr, Err: errors.New("username is empty")}
	}

	dialAddr := addr
	if len(d.allowed) > 0 {
		ip, err := resolveAllowed(ctx, net.DefaultResolver, target.Host, d.allowed)
		if err != nil {
			if errors.Is(err, ErrTargetNotAllowed) {
				log.Printf("[ssh] refused connect to %s: %v", logutil.SanitizeForLog(target.String()), err)
				return &ConnectError{Kind: KindRestricted, Addr: addr, Err: err}
			}
			return &ConnectError{Kind: KindNetwork, Addr: addr, Err: err}
		}
		dialAddr = net.JoinHostPort(ip.String(), strconv.Itoa(target.Port))
	}

	key := limiterKey(creds.Owner, target)
	if err := d.limiter.Allow(key); err != nil {
		return &ConnectError{Kind: KindRateLimited, Addr: addr, Err: err}
	}

	err := d.connect(ctx, s, target, creds, dialAddr)
	if err != nil {
		d.limiter.RecordFailure(key)
		return err
	}
	d.limiter.RecordSuccess(key)
	log.Printf("[ssh] connected to %s", logutil.SanitizeForLog(target.String()))
	return nil
}

// limiterKey scopes connect limits to one owner and one remote account, so
// failures in one owner's windows never lock out another owner.
func limiterKey(owner string, target Target) string {
	if owner == "" {
		return target.String()
	}
	return owner + " " + target.String()
}

func (d *Driver) connect(ctx context.Context, s *Session, target Target, creds Credentials, dialAddr string) error {
	addr := target.Addr()
	fail := func(kind ErrorKind, err error) error {
		return &ConnectError{Kind: kind, Addr: addr, Err: err}
	}

	var methods []ssh.AuthMethod
	if m := keyAuth(creds.KeyPath); m != nil {
		methods = append(methods, m)
	}
	if creds.Password != "" {
		password := creds.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return fail(KindAuth, errors.New("no usable key or password supplied"))
	}

	clientCfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            methods,
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         d.connectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	dialer := net.Dialer{Timeout: d.connectTimeout}
	conn, err := dialer.DialContext(dialCtx, "tcp", dialAddr)
	if err != nil {
		return fail(KindNetwork, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	// Until the shell is running, a cancelled context or an expired deadline
	// tears the socket down so a stalled server cannot pin the attempt.
	conn.SetDeadline(time.Now().Add(d.connectTimeout))
	stop := context.AfterFunc(dialCtx, func() { conn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		stop()
		conn.Close()
		if ctxErr := dialCtx.Err(); ctxErr != nil {
			return fail(KindNetwork, fmt.Errorf("handshake: %w", ctxErr))
		}
		return fail(classifyHandshakeError(err), err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sess, stdin, stdout, stderr, err := startShell(client)
	if !stop() {
		// The context fired while the shell was being set up.
		if sess != nil {
			sess.Close()
		}
		client.Close()
		if err == nil {
			err = dialCtx.Err()
		}
		return fail(KindNetwork, fmt.Errorf("shell setup: %w", err))
	}
	if err != nil {
		client.Close()
		return fail(KindNetwork, err)
	}
	conn.SetDeadline(time.Time{})

	if err := s.attach(target, client, sess, stdin, stdout, stderr, d.keepaliveInterval); err != nil {
		sess.Close()
		client.Close()
		return fail(KindNetwork, err)
	}
	return nil
}

// startShell opens a session channel with a PTY and starts the login shell.
func startShell(client *ssh.Client) (*ssh.Session, io.WriteCloser, io.Reader, io.Reader, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(TermType, MinRows, MinCols, modes); err != nil {
		sess.Close()
		return nil, nil, nil, nil, fmt.Errorf("request pty: %w", err)
	}
	for _, kv := range shellEnv {
		sess.Setenv(kv[0], kv[1])
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, nil, nil, nil, fmt.Errorf("start shell: %w", err)
	}
	return sess, stdin, stdout, stderr, nil
}
