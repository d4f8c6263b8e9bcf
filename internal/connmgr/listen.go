package connmgr

import (
	"errors"
	"fmt"
	"sync"
)

// listenWorker runs one accept loop per security mode.
type listenWorker struct {
	gen     uint64
	adapter Adapter
	modes   []SecurityMode
	sink    sink

	mu        sync.Mutex
	cancelled bool
	listeners []Listener
	failed    bool

	wg     sync.WaitGroup
	doneCh chan struct{}
}

func startListenWorker(gen uint64, a Adapter, modes []SecurityMode, s sink) *listenWorker {
	w := &listenWorker{
		gen:     gen,
		adapter: a,
		modes:   modes,
		sink:    s,
		doneCh:  make(chan struct{}),
	}
	w.wg.Add(len(modes))
	for _, mode := range modes {
		go w.serve(mode)
	}
	go func() {
		w.wg.Wait()
		close(w.doneCh)
	}()
	return w
}

func (w *listenWorker) serve(mode SecurityMode) {
	defer w.wg.Done()

	l, err := w.adapter.Listen(mode)
	if err != nil {
		w.fail(fmt.Errorf("connmgr: listen (%s): %w", mode, err))
		return
	}
	w.mu.Lock()
	if w.cancelled || w.failed {
		w.mu.Unlock()
		_ = l.Close()
		return
	}
	w.listeners = append(w.listeners, l)
	w.mu.Unlock()

	for {
		sock, ep, err := l.Accept()
		if err != nil {
			if sock != nil {
				_ = sock.Close()
			}
			if errors.Is(err, ErrConnectionRejected) && !w.isCancelled() {
				w.sink.connectionRejected(w.gen, mode, err)
				continue
			}
			if !w.isCancelled() {
				w.fail(fmt.Errorf("connmgr: accept (%s): %w", mode, err))
			}
			return
		}
		if w.isCancelled() {
			_ = sock.Close()
			return
		}
		// Ownership passes to the manager here, whatever it decides.
		w.sink.socketEstablished(w.gen, roleListen, sock, ep, mode)
	}
}

// fail reports the first loop failure and tears the other loop down with it.
func (w *listenWorker) fail(err error) {
	w.mu.Lock()
	first := !w.failed && !w.cancelled
	w.failed = true
	w.mu.Unlock()
	if !first {
		return
	}
	w.closeListeners()
	w.sink.workerFailed(w.gen, roleListen, err)
}

func (w *listenWorker) isCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled || w.failed
}

func (w *listenWorker) cancel() {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
	w.closeListeners()
}

func (w *listenWorker) closeListeners() {
	w.mu.Lock()
	ls := w.listeners
	w.listeners = nil
	w.mu.Unlock()
	for _, l := range ls {
		_ = l.Close()
	}
}

func (w *listenWorker) done() <-chan struct{} { return w.doneCh }
