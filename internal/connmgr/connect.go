package connmgr

import (
	"context"
	"fmt"
	"time"
)

// connectWorker performs a single outgoing connection attempt. It does not
// dial before the attempt it superseded has returned, so at most one Dial is
// ever in flight.
type connectWorker struct {
	gen    uint64
	ep     RemoteEndpoint
	mode   SecurityMode
	ctx    context.Context
	stop   context.CancelFunc
	doneCh chan struct{}
}

func startConnectWorker(gen uint64, a Adapter, ep RemoteEndpoint, mode SecurityMode, timeout time.Duration, prev <-chan struct{}, s sink) *connectWorker {
	ctx, stop := context.WithCancel(context.Background())
	w := &connectWorker{
		gen:    gen,
		ep:     ep,
		mode:   mode,
		ctx:    ctx,
		stop:   stop,
		doneCh: make(chan struct{}),
	}
	go w.run(a, timeout, prev, s)
	return w
}

func (w *connectWorker) run(a Adapter, timeout time.Duration, prev <-chan struct{}, s sink) {
	defer close(w.doneCh)
	defer w.stop()

	// Waiting even when cancelled keeps done ordered after prev.
	if prev != nil {
		<-prev
	}
	if w.ctx.Err() != nil {
		return
	}

	dialCtx, cancel := context.WithTimeout(w.ctx, timeout)
	sock, err := a.Dial(dialCtx, w.ep, w.mode)
	cancel()

	if w.ctx.Err() != nil {
		// Superseded or stopped: nobody wants this socket.
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil {
		if sock != nil {
			_ = sock.Close()
		}
		s.workerFailed(w.gen, roleConnect, fmt.Errorf("connmgr: connect %s (%s): %w", w.ep.Address, w.mode, err))
		return
	}
	s.socketEstablished(w.gen, roleConnect, sock, w.ep, w.mode)
}

func (w *connectWorker) cancel() { w.stop() }

func (w *connectWorker) done() <-chan struct{} { return w.doneCh }
