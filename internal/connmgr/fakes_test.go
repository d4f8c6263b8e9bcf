package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

// fakeSocket is an in-memory Socket. Tests push inbound data with feed and
// inspect what the manager wrote with written.
type fakeSocket struct {
	name string
	reg  *socketRegistry

	in     chan []byte
	closed chan struct{}

	mu       sync.Mutex
	rest     []byte
	writes   [][]byte
	readErr  error
	writeErr error

	closes   atomic.Int32
	attached atomic.Bool
}

func newFakeSocket(name string, reg *socketRegistry) *fakeSocket {
	s := &fakeSocket{
		name:   name,
		reg:    reg,
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	if reg != nil {
		reg.add(s)
	}
	return s
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.rest) > 0 {
		n := copy(p, s.rest)
		s.rest = s.rest[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()
	select {
	case b, ok := <-s.in:
		if !ok {
			s.mu.Lock()
			err := s.readErr
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		n := copy(p, b)
		s.mu.Lock()
		s.rest = b[n:]
		s.mu.Unlock()
		return n, nil
	case <-s.closed:
		return 0, errors.New("fake: socket closed")
	}
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, errors.New("fake: socket closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (s *fakeSocket) Close() error {
	if s.closes.Add(1) == 1 {
		if s.reg != nil && s.attached.Load() {
			s.reg.live.Add(-1)
		}
		close(s.closed)
	}
	return nil
}

// attach marks s as owned by a transfer worker until it is closed.
func (s *fakeSocket) attach() {
	if s.reg == nil || !s.attached.CompareAndSwap(false, true) {
		return
	}
	n := s.reg.live.Add(1)
	for {
		cur := s.reg.maxLive.Load()
		if n <= cur || s.reg.maxLive.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (s *fakeSocket) feed(p string) { s.in <- []byte(p) }

// failRead makes the pending and all later reads fail with err.
func (s *fakeSocket) failRead(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
	close(s.in)
}

func (s *fakeSocket) failWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

func (s *fakeSocket) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	for i, w := range s.writes {
		out[i] = string(w)
	}
	return out
}

func (s *fakeSocket) closeCount() int { return int(s.closes.Load()) }

// socketRegistry remembers every socket a test created so that leaks and
// double closes can be checked at the end.
type socketRegistry struct {
	mu      sync.Mutex
	sockets []*fakeSocket

	// sockets currently owned by a transfer worker, and the peak
	live    atomic.Int32
	maxLive atomic.Int32
}

func (r *socketRegistry) add(s *fakeSocket) {
	r.mu.Lock()
	r.sockets = append(r.sockets, s)
	r.mu.Unlock()
}

func (r *socketRegistry) all() []*fakeSocket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeSocket(nil), r.sockets...)
}

// open counts sockets that have not been closed yet.
func (r *socketRegistry) open() int {
	n := 0
	for _, s := range r.all() {
		if s.closeCount() == 0 {
			n++
		}
	}
	return n
}

type accepted struct {
	sock Socket
	ep   RemoteEndpoint
	err  error
}

type fakeListener struct {
	mode   SecurityMode
	ch     chan accepted
	closed chan struct{}
	closes atomic.Int32
}

func newFakeListener(mode SecurityMode) *fakeListener {
	return &fakeListener{mode: mode, ch: make(chan accepted), closed: make(chan struct{})}
}

func (l *fakeListener) Accept() (Socket, RemoteEndpoint, error) {
	select {
	case a := <-l.ch:
		return a.sock, a.ep, a.err
	case <-l.closed:
		return nil, RemoteEndpoint{}, errors.New("fake: listener closed")
	}
}

func (l *fakeListener) Close() error {
	if l.closes.Add(1) == 1 {
		close(l.closed)
	}
	return nil
}

func (l *fakeListener) isClosed() bool { return l.closes.Load() > 0 }

// dialResult is what a pending Dial returns once released.
type dialResult struct {
	sock Socket
	err  error
}

type pendingDial struct {
	ep      RemoteEndpoint
	mode    SecurityMode
	release chan dialResult
	// ignoreCtx makes the dial outlive its context, to simulate a late success.
	ignoreCtx bool
}

// fakeAdapter implements Adapter. Availability goes through a testify mock;
// listeners and dials are driven by the test through channels.
type fakeAdapter struct {
	mock.Mock

	reg *socketRegistry

	mu        sync.Mutex
	listeners []*fakeListener
	listenErr error
	dials     chan *pendingDial
	ignoreCtx bool

	activeDials atomic.Int32
	maxDials    atomic.Int32
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		reg:   &socketRegistry{},
		dials: make(chan *pendingDial, 16),
	}
}

func (a *fakeAdapter) Available() error {
	args := a.Called()
	return args.Error(0)
}

func (a *fakeAdapter) Listen(mode SecurityMode) (Listener, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listenErr != nil {
		return nil, a.listenErr
	}
	l := newFakeListener(mode)
	a.listeners = append(a.listeners, l)
	return l, nil
}

func (a *fakeAdapter) Dial(ctx context.Context, ep RemoteEndpoint, mode SecurityMode) (Socket, error) {
	n := a.activeDials.Add(1)
	defer a.activeDials.Add(-1)
	for {
		cur := a.maxDials.Load()
		if n <= cur || a.maxDials.CompareAndSwap(cur, n) {
			break
		}
	}

	a.mu.Lock()
	ignore := a.ignoreCtx
	a.mu.Unlock()
	d := &pendingDial{ep: ep, mode: mode, release: make(chan dialResult, 1), ignoreCtx: ignore}
	a.dials <- d

	if d.ignoreCtx {
		return a.result(ep, <-d.release)
	}
	select {
	case r := <-d.release:
		return a.result(ep, r)
	case <-ctx.Done():
		// A real adapter releases whatever it half-opened.
		select {
		case r := <-d.release:
			if r.sock != nil {
				_ = r.sock.Close()
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// result turns a release into Dial's return values. A zero dialResult means
// success with a fresh socket.
func (a *fakeAdapter) result(ep RemoteEndpoint, r dialResult) (Socket, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.sock == nil {
		return newFakeSocket("out-"+ep.Address, a.reg), nil
	}
	return r.sock, nil
}

func (a *fakeAdapter) setListenErr(err error) {
	a.mu.Lock()
	a.listenErr = err
	a.mu.Unlock()
}

func (a *fakeAdapter) setIgnoreCtx(v bool) {
	a.mu.Lock()
	a.ignoreCtx = v
	a.mu.Unlock()
}

// openListeners returns listeners that are still open, by mode.
func (a *fakeAdapter) openListeners() map[SecurityMode]*fakeListener {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[SecurityMode]*fakeListener)
	for _, l := range a.listeners {
		if !l.isClosed() {
			out[l.mode] = l
		}
	}
	return out
}

func (a *fakeAdapter) listenerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.listeners)
}

// waitListener waits until a listener for mode is open.
func (a *fakeAdapter) waitListener(t *testing.T, mode SecurityMode) *fakeListener {
	t.Helper()
	var l *fakeListener
	require.Eventually(t, func() bool {
		l = a.openListeners()[mode]
		return l != nil
	}, 2*time.Second, 5*time.Millisecond, "no %s listener", mode)
	return l
}

func (a *fakeAdapter) nextDial(t *testing.T) *pendingDial {
	t.Helper()
	select {
	case d := <-a.dials:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Dial")
		return nil
	}
}

// accept hands an inbound socket to the listener for mode.
func (a *fakeAdapter) accept(t *testing.T, mode SecurityMode, addr string) *fakeSocket {
	t.Helper()
	l := a.waitListener(t, mode)
	s := newFakeSocket("in-"+addr, a.reg)
	select {
	case l.ch <- accepted{sock: s, ep: RemoteEndpoint{Address: addr}}:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not accept")
	}
	return s
}

// failAccept makes the pending Accept of the mode's listener fail.
func (a *fakeAdapter) failAccept(t *testing.T, mode SecurityMode) {
	t.Helper()
	l := a.waitListener(t, mode)
	select {
	case l.ch <- accepted{err: errInjected}:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not accept")
	}
}

// rejectAccept makes the pending Accept of the mode's listener drop a single
// connection.
func (a *fakeAdapter) rejectAccept(t *testing.T, mode SecurityMode) {
	t.Helper()
	l := a.waitListener(t, mode)
	err := fmt.Errorf("fake: %w: bad descriptor", ErrConnectionRejected)
	select {
	case l.ch <- accepted{err: err}:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not accept")
	}
}

// eventLog drains a manager's event stream in the background.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func collect(m *Manager) *eventLog {
	l := &eventLog{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for ev := range m.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) filter(keep func(Event) bool) []Event {
	var out []Event
	for _, ev := range l.snapshot() {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) states() []State {
	var out []State
	for _, ev := range l.filter(isKind(EventStateChanged)) {
		out = append(out, ev.State)
	}
	return out
}

func (l *eventLog) notices(kind NoticeKind) []Event {
	return l.filter(func(ev Event) bool { return ev.Kind == EventNotice && ev.Notice == kind })
}

func (l *eventLog) waitFor(t *testing.T, cond func(Event) bool, msg string) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		for _, ev := range l.snapshot() {
			if cond(ev) {
				found = ev
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, msg)
	return found
}

func (l *eventLog) waitState(t *testing.T, s State) {
	t.Helper()
	l.waitFor(t, func(ev Event) bool {
		return ev.Kind == EventStateChanged && ev.State == s
	}, "no StateChanged("+s.String()+")")
}

func isKind(k EventKind) func(Event) bool {
	return func(ev Event) bool { return ev.Kind == k }
}

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

// newTestManager returns a manager over a fresh fake adapter, closed at the
// end of the test.
func newTestManager(t *testing.T, opts Options) (*Manager, *fakeAdapter, *eventLog) {
	t.Helper()
	a := newFakeAdapter()
	a.On("Available").Return(nil)
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.RestartBackoff.Initial == 0 {
		opts.RestartBackoff = BackoffConfig{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	}
	trackTransfers(t)
	m, err := New(a, opts)
	require.NoError(t, err)
	events := collect(m)
	t.Cleanup(func() { _ = m.Close() })
	return m, a, events
}

// trackTransfers attaches every socket handed to a transfer worker, so the
// registry can report how many sessions were ever live at once.
func trackTransfers(t *testing.T) {
	t.Helper()
	orig := newTransferWorker
	newTransferWorker = func(gen uint64, sock Socket, bufSize, queue int, s sink) *transferWorker {
		if fs, ok := sock.(*fakeSocket); ok {
			fs.attach()
		}
		return orig(gen, sock, bufSize, queue, s)
	}
	t.Cleanup(func() { newTransferWorker = orig })
}
