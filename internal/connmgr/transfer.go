package connmgr

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// transferWorker owns the socket of an established session.
// One goroutine reads, one drains the outbound queue.
type transferWorker struct {
	gen  uint64
	sock Socket
	sink sink

	out  chan []byte
	quit chan struct{}

	closeOnce sync.Once
	stopOnce  sync.Once

	mu        sync.Mutex
	cancelled bool
	failed    bool

	wg     sync.WaitGroup
	doneCh chan struct{}
}

// newTransferWorker is the constructor the manager uses; tests wrap it.
var newTransferWorker = startTransferWorker

func startTransferWorker(gen uint64, sock Socket, bufSize, queue int, s sink) *transferWorker {
	w := &transferWorker{
		gen:    gen,
		sock:   sock,
		sink:   s,
		out:    make(chan []byte, queue),
		quit:   make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.wg.Add(2)
	go w.readLoop(bufSize)
	go w.writeLoop()
	go func() {
		w.wg.Wait()
		close(w.doneCh)
	}()
	return w
}

func (w *transferWorker) readLoop(bufSize int) {
	defer w.wg.Done()
	buf := make([]byte, bufSize)
	for {
		n, err := w.sock.Read(buf)
		if n > 0 && !w.ended() {
			p := make([]byte, n)
			copy(p, buf[:n])
			w.sink.bytesReceived(w.gen, p)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("connmgr: connection closed by peer: %w", err)
			} else {
				err = fmt.Errorf("connmgr: read: %w", err)
			}
			w.fail(err)
			return
		}
	}
}

func (w *transferWorker) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case p := <-w.out:
			// io.Writer returns a non-nil error on short writes.
			if _, err := w.sock.Write(p); err != nil {
				w.fail(fmt.Errorf("connmgr: write: %w", err))
				return
			}
			if w.ended() {
				return
			}
			w.sink.bytesSent(w.gen, p)
		}
	}
}

// Write queues p for the writer goroutine. It blocks only while the queue is
// full.
func (w *transferWorker) Write(p []byte) error {
	if w.ended() {
		return ErrSessionClosed
	}
	select {
	case w.out <- p:
		return nil
	case <-w.quit:
		return ErrSessionClosed
	}
}

// fail ends the session and reports err, once, unless the worker was
// cancelled first.
func (w *transferWorker) fail(err error) {
	w.mu.Lock()
	report := !w.failed && !w.cancelled
	w.failed = true
	w.mu.Unlock()

	w.shutdown()
	if report {
		w.sink.workerFailed(w.gen, roleTransfer, err)
	}
}

func (w *transferWorker) ended() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed || w.cancelled
}

func (w *transferWorker) shutdown() {
	w.stopOnce.Do(func() { close(w.quit) })
	w.closeOnce.Do(func() { _ = w.sock.Close() })
}

func (w *transferWorker) cancel() {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
	w.shutdown()
}

func (w *transferWorker) done() <-chan struct{} { return w.doneCh }
