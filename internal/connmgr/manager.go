package connmgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Manager is the connection manager. All methods are safe for concurrent use
// and return without waiting for transport I/O.
//
// State, the attempt generation and the active worker references are only
// touched under mu. Worker callbacks take mu too, so they are handled one at a
// time, and events are queued under mu, so their order is the processing
// order.
type Manager struct {
	adapter Adapter
	opts    Options
	log     logrus.FieldLogger

	mu     sync.Mutex
	closed bool
	state  State
	gen    uint64

	listen   *listenWorker
	connect  *connectWorker
	transfer *transferWorker

	// done channel of the newest connect worker, cancelled or not
	lastConnect <-chan struct{}

	peer      RemoteEndpoint
	sessionID string

	restart      *time.Timer
	restartDelay *backoff

	// every worker ever started, for Close to wait on
	workers sync.WaitGroup

	events *eventQueue
}

// New checks that the adapter is usable and returns an idle manager.
// An unusable adapter is reported here once; no manager is created.
func New(a Adapter, opts Options) (*Manager, error) {
	if a == nil {
		return nil, fmt.Errorf("connmgr: nil adapter")
	}
	if err := a.Available(); err != nil {
		return nil, fmt.Errorf("connmgr: adapter unavailable: %w", err)
	}
	opts = opts.withDefaults()
	m := &Manager{
		adapter:      a,
		opts:         opts,
		log:          opts.Logger.WithField("component", "connmgr"),
		state:        StateNone,
		restartDelay: newBackoff(opts.RestartBackoff),
		events:       newEventQueue(),
	}
	return m, nil
}

// Events returns the ordered event stream. The consumer must drain it; it is
// closed after Close once the remaining events have been delivered.
func (m *Manager) Events() <-chan Event {
	return m.events.out
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins listening for incoming connections. It is a no-op unless the
// state is None.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.startLocked()
	return nil
}

func (m *Manager) startLocked() {
	if m.state != StateNone {
		return
	}
	m.gen++
	m.restartDelay.Reset()
	m.setStateLocked(StateListening)
	m.startListenLocked()
}

// Connect starts an outgoing connection attempt, superseding any listen or
// connect worker. It is refused while a session is live.
func (m *Manager) Connect(ep RemoteEndpoint, mode SecurityMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if ep.Address == "" {
		err := fmt.Errorf("connmgr: endpoint address required")
		m.noticeLocked(NoticeMisuse, "no device address given", err)
		return err
	}
	if m.state == StateConnected {
		m.noticeLocked(NoticeMisuse, "already connected to "+m.peer.String(), ErrAlreadyConnected)
		return ErrAlreadyConnected
	}

	prev := m.lastConnect
	m.gen++
	m.cancelRestartLocked()
	m.cancelListenLocked()
	m.cancelConnectLocked()

	m.peer = ep
	m.setStateLocked(StateConnecting)
	m.log.WithFields(logrus.Fields{
		"peer":       ep.Address,
		"mode":       mode.String(),
		"generation": m.gen,
	}).Info("connecting")

	m.connect = startConnectWorker(m.gen, m.adapter, ep, mode, m.opts.ConnectTimeout, prev, m)
	m.track(m.connect)
	m.lastConnect = m.connect.done()
	return nil
}

// Send queues p on the live session. Writes happen in call order. Without a
// session a misuse Notice is emitted and ErrNotConnected returned.
func (m *Manager) Send(p []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateConnected || m.transfer == nil {
		m.noticeLocked(NoticeMisuse, "not connected", ErrNotConnected)
		m.mu.Unlock()
		return ErrNotConnected
	}
	if len(p) == 0 {
		m.mu.Unlock()
		return nil
	}
	tw := m.transfer
	m.mu.Unlock()

	buf := make([]byte, len(p))
	copy(buf, p)
	if err := tw.Write(buf); err != nil {
		// The session ended before its failure was handled.
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		m.noticeLocked(NoticeMisuse, "not connected", ErrNotConnected)
		m.mu.Unlock()
		return ErrNotConnected
	}
	return nil
}

// Stop cancels every worker, closes their sockets and returns to None. It
// does not restart listening.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.stopLocked()
	return nil
}

func (m *Manager) stopLocked() {
	m.gen++
	m.cancelRestartLocked()
	m.cancelListenLocked()
	m.cancelConnectLocked()
	m.cancelTransferLocked()
	m.peer = RemoteEndpoint{}
	m.setStateLocked(StateNone)
}

// Close stops the manager, waits for all worker goroutines to exit and ends
// the event stream. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.stopLocked()
	m.closed = true
	m.mu.Unlock()

	m.workers.Wait()
	m.events.close()
	m.log.Debug("closed")
	return nil
}

// socketEstablished is called by listen and connect workers. The first
// current-generation hand-off wins; anything else is closed.
func (m *Manager) socketEstablished(gen uint64, r role, s Socket, ep RemoteEndpoint, mode SecurityMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stale := m.closed || gen != m.gen
	switch r {
	case roleListen:
		stale = stale || m.state != StateListening
	case roleConnect:
		stale = stale || m.state != StateConnecting
	default:
		stale = true
	}
	if stale {
		m.log.WithFields(logrus.Fields{
			"role":       r.String(),
			"peer":       ep.Address,
			"generation": gen,
			"current":    m.gen,
		}).Debug("discarding superseded connection")
		_ = s.Close()
		return
	}

	m.gen++
	m.cancelRestartLocked()
	m.cancelListenLocked()
	m.cancelConnectLocked()
	m.cancelTransferLocked()
	m.restartDelay.Reset()

	m.peer = ep
	m.sessionID = uuid.NewString()
	m.state = StateConnected
	m.log.WithFields(logrus.Fields{
		"peer":       ep.Address,
		"name":       ep.Name,
		"mode":       mode.String(),
		"via":        r.String(),
		"session":    m.sessionID,
		"generation": m.gen,
	}).Info("connected")

	m.transfer = newTransferWorker(m.gen, s, m.opts.ReadBufferSize, m.opts.SendQueue, m)
	m.track(m.transfer)

	m.emitLocked(Event{Kind: EventPeerIdentified})
	m.emitLocked(Event{Kind: EventStateChanged})
}

// workerFailed is called at most once per worker, never after cancellation.
func (m *Manager) workerFailed(gen uint64, r role, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen {
		m.log.WithFields(logrus.Fields{
			"role":       r.String(),
			"generation": gen,
			"error":      err,
		}).Debug("ignoring failure of superseded worker")
		return
	}
	entry := m.log.WithFields(logrus.Fields{
		"role":       r.String(),
		"state":      m.state.String(),
		"generation": gen,
		"error":      err,
	})

	switch r {
	case roleListen:
		entry.Warn("accept loop failed")
		m.listen = nil
		m.gen++
		m.noticeLocked(NoticeAttemptFailed, "listening failed, retrying", err)
		m.scheduleRestartLocked()

	case roleConnect:
		entry.Warn("connect failed")
		m.connect = nil
		m.noticeLocked(NoticeAttemptFailed, "unable to connect device", err)
		m.gen++
		m.peer = RemoteEndpoint{}
		m.setStateLocked(StateNone)

	case roleTransfer:
		entry.Warn("session lost")
		m.noticeLocked(NoticeSessionFailed, "device connection was lost", err)
		m.gen++
		m.cancelTransferLocked()
		m.peer = RemoteEndpoint{}
		m.setStateLocked(StateNone)
		if m.opts.ResumeListening {
			m.startLocked()
		}
	}
}

// connectionRejected logs an incoming connection the listener could not set
// up. Listening continues; no state changes.
func (m *Manager) connectionRejected(gen uint64, mode SecurityMode, err error) {
	m.log.WithFields(logrus.Fields{
		"mode":       mode.String(),
		"generation": gen,
		"error":      err,
	}).Warn("incoming connection dropped")
}

func (m *Manager) bytesReceived(gen uint64, p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen || m.state != StateConnected {
		return
	}
	m.emitLocked(Event{Kind: EventBytesReceived, Payload: p})
}

func (m *Manager) bytesSent(gen uint64, p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen || m.state != StateConnected {
		return
	}
	m.emitLocked(Event{Kind: EventBytesSent, Payload: p})
}

// scheduleRestartLocked re-opens the listeners after a backoff delay, unless
// a newer command took over in the meantime.
func (m *Manager) scheduleRestartLocked() {
	gen := m.gen
	delay := m.restartDelay.Next()
	m.log.WithFields(logrus.Fields{
		"delay":      delay.String(),
		"generation": gen,
	}).Debug("scheduling listen restart")
	m.restart = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || gen != m.gen || m.state != StateListening {
			return
		}
		m.restart = nil
		m.startListenLocked()
	})
}

func (m *Manager) startListenLocked() {
	m.listen = startListenWorker(m.gen, m.adapter, m.opts.ListenModes, m)
	m.track(m.listen)
	m.log.WithFields(logrus.Fields{
		"modes":      fmt.Sprint(m.opts.ListenModes),
		"generation": m.gen,
	}).Debug("listening")
}

func (m *Manager) track(w worker) {
	m.workers.Add(1)
	go func() {
		<-w.done()
		m.workers.Done()
	}()
}

func (m *Manager) cancelRestartLocked() {
	if m.restart != nil {
		m.restart.Stop()
		m.restart = nil
	}
}

func (m *Manager) cancelListenLocked() {
	if m.listen != nil {
		m.listen.cancel()
		m.listen = nil
	}
}

func (m *Manager) cancelConnectLocked() {
	if m.connect != nil {
		m.connect.cancel()
		m.connect = nil
	}
}

func (m *Manager) cancelTransferLocked() {
	if m.transfer != nil {
		m.transfer.cancel()
		m.transfer = nil
		m.sessionID = ""
	}
}

// setStateLocked announces real transitions only.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.WithFields(logrus.Fields{
		"from": m.state.String(),
		"to":   s.String(),
	}).Debug("state change")
	m.state = s
	m.emitLocked(Event{Kind: EventStateChanged})
}

func (m *Manager) noticeLocked(kind NoticeKind, text string, err error) {
	m.emitLocked(Event{Kind: EventNotice, Notice: kind, Text: text, Err: err})
}

func (m *Manager) emitLocked(ev Event) {
	ev.State = m.state
	ev.Time = time.Now()
	if ev.Peer == (RemoteEndpoint{}) {
		ev.Peer = m.peer
	}
	ev.SessionID = m.sessionID
	m.events.push(ev)
}

var _ sink = (*Manager)(nil)
