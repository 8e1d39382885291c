package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/scottpeterman/velociterm/internal/logutil"
	"github.com/scottpeterman/velociterm/internal/sshterminal"
)

// writeTimeout bounds a single send to the browser.
const writeTimeout = 10 * time.Second

// Owner identifies who drives a window. Token is what the registry checks;
// Username selects the key directory.
type Owner struct {
	Token    string
	Username string
}

// window is one live browser-to-shell binding.
type window struct {
	id        string
	connID    string
	owner     Owner
	transport Transport
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when teardown has finished
	tasks  sync.WaitGroup

	sendMu sync.Mutex

	mu          sync.Mutex
	session     *sshterminal.Session
	target      sshterminal.Target
	closeCode   int
	closeReason string
	closeSet    bool
}

// setClose records why the window ends. The first reason wins.
func (w *window) setClose(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closeSet {
		return
	}
	w.closeCode, w.closeReason, w.closeSet = code, reason, true
}

func (w *window) closeStatus() (int, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closeSet {
		return CloseNormal, ""
	}
	return w.closeCode, w.closeReason
}

func (w *window) currentSession() *sshterminal.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// send writes one message to the browser, serialized with other sends.
func (w *window) send(msg Outbound) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(w.ctx, writeTimeout)
	defer cancel()
	return w.transport.Send(ctx, msg)
}

// step runs one teardown step, logging failures and recovering panics.
func (w *window) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[relay] panic during %s for window %s: %v", name, logutil.SanitizeForLog(w.id), r)
		}
	}()
	if err := fn(); err != nil {
		log.Printf("[relay] %s for window %s: %v", name, logutil.SanitizeForLog(w.id), err)
	}
}
