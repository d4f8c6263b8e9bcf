//go:build linux

package bluez

import (
	"errors"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"bluetooth-chat/internal/connmgr"
)

const testDev = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

func newTestProfile(t *testing.T) (*profile, *listener) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	p := &profile{
		mode:      connmgr.Secure,
		uuid:      SecureUUID,
		log:       logger,
		waiters:   make(map[dbus.ObjectPath]chan incoming),
		abandoned: make(map[dbus.ObjectPath]time.Time),
	}
	l := &listener{
		a:      &Adapter{closed: true},
		p:      p,
		ch:     make(chan incoming, 1),
		closed: make(chan struct{}),
	}
	p.listener = l
	return p, l
}

// pipeFD returns the read end of a fresh pipe; the write end is closed on
// cleanup.
func pipeFD(t *testing.T) int {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return fds[0]
}

func isClosedFD(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return errors.Is(err, unix.EBADF)
}

func receive(t *testing.T, l *listener) incoming {
	t.Helper()
	select {
	case in := <-l.ch:
		t.Cleanup(func() { _ = unix.Close(in.fd) })
		return in
	default:
		t.Fatal("listener got no connection")
		return incoming{}
	}
}

func TestProfile_AbandonedDial(t *testing.T) {
	t.Run("LateConnectionRejected", func(t *testing.T) {
		p, l := newTestProfile(t)
		ch := make(chan incoming, 1)
		p.addWaiter(testDev, ch)
		p.dropWaiter(testDev, ch, true)

		fd := pipeFD(t)
		derr := p.NewConnection(testDev, dbus.UnixFD(fd), nil)
		require.NotNil(t, derr)
		assert.Equal(t, "org.bluez.Error.Rejected", derr.Name)
		assert.Empty(t, l.ch)
		assert.True(t, isClosedFD(fd))

		// Only the one late connection is refused.
		require.Nil(t, p.NewConnection(testDev, dbus.UnixFD(pipeFD(t)), nil))
		assert.Equal(t, testDev, receive(t, l).dev)
	})

	t.Run("ExpiredEntryIgnored", func(t *testing.T) {
		p, l := newTestProfile(t)
		p.abandoned[testDev] = time.Now().Add(-time.Second)

		require.Nil(t, p.NewConnection(testDev, dbus.UnixFD(pipeFD(t)), nil))
		receive(t, l)
		assert.Empty(t, p.abandoned)
	})

	t.Run("DeliveredDialNotRemembered", func(t *testing.T) {
		p, _ := newTestProfile(t)
		ch := make(chan incoming, 1)
		p.addWaiter(testDev, ch)
		require.Nil(t, p.NewConnection(testDev, dbus.UnixFD(pipeFD(t)), nil))
		in := <-ch
		defer unix.Close(in.fd)
		p.dropWaiter(testDev, ch, false)

		assert.Empty(t, p.abandoned)
		assert.Empty(t, p.waiters)
	})

	t.Run("NewerDialTakesOver", func(t *testing.T) {
		p, l := newTestProfile(t)
		older := make(chan incoming, 1)
		newer := make(chan incoming, 1)
		p.addWaiter(testDev, older)
		p.addWaiter(testDev, newer)
		p.dropWaiter(testDev, older, true)

		require.Nil(t, p.NewConnection(testDev, dbus.UnixFD(pipeFD(t)), nil))
		in := <-newer
		defer unix.Close(in.fd)
		assert.Empty(t, l.ch)
		assert.Empty(t, p.abandoned)
	})

	t.Run("RedialClearsEntry", func(t *testing.T) {
		p, _ := newTestProfile(t)
		p.abandoned[testDev] = time.Now().Add(time.Minute)
		ch := make(chan incoming, 1)
		p.addWaiter(testDev, ch)
		assert.Empty(t, p.abandoned)
	})
}

func TestListener_AcceptRejectsBadDescriptor(t *testing.T) {
	_, l := newTestProfile(t)
	l.ch <- incoming{fd: -1, dev: testDev}

	sock, ep, err := l.Accept()
	require.Error(t, err)
	assert.Nil(t, sock)
	assert.ErrorIs(t, err, connmgr.ErrConnectionRejected)
	assert.ErrorIs(t, err, unix.EBADF)
	assert.Empty(t, ep.Address)
	assert.Contains(t, err.Error(), "AA:BB:CC:DD:EE:FF")
}
