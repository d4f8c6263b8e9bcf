//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"bluetooth-chat/internal/connmgr"
)

var pathCounter uint64

// Adapter drives one local BlueZ adapter.
type Adapter struct {
	opts Options
	log  logrus.FieldLogger

	mu     sync.Mutex
	closed bool

	bus         *dbus.Conn
	adapterPath dbus.ObjectPath
	profiles    map[connmgr.SecurityMode]*profile

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

var _ connmgr.Adapter = (*Adapter)(nil)

// New connects to the system bus and resolves the adapter to use.
func New(opts Options) (*Adapter, error) {
	opts = opts.withDefaults()
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	a := &Adapter{
		opts:     opts,
		log:      opts.Logger.WithField("component", "bluez"),
		bus:      bus,
		profiles: make(map[connmgr.SecurityMode]*profile),
	}
	// Close the bus last during cleanup.
	a.cleanup = append(a.cleanup, func() { _ = bus.Close() })

	if opts.AdapterPath != "" {
		a.adapterPath = dbus.ObjectPath(opts.AdapterPath)
	} else {
		adapters, err := listAdapters(bus)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		if len(adapters) == 0 {
			_ = a.Close()
			return nil, ErrNoAdapter
		}
		a.adapterPath = adapters[0]
	}
	a.log.WithField("adapter", string(a.adapterPath)).Debug("using adapter")
	return a, nil
}

// Path returns the D-Bus object path of the adapter.
func (a *Adapter) Path() string { return string(a.adapterPath) }

// Available reports ErrNoAdapter when the adapter object is missing and
// ErrPoweredOff when it is not powered.
func (a *Adapter) Available() error {
	bus, err := a.busOrClosed()
	if err != nil {
		return err
	}
	v, err := getProperty(bus, a.adapterPath, adapterIface, "Powered")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoAdapter, a.adapterPath, err)
	}
	if powered, _ := v.Value().(bool); !powered {
		return ErrPoweredOff
	}
	return nil
}

// PowerOn asks BlueZ to power the adapter.
func (a *Adapter) PowerOn() error {
	bus, err := a.busOrClosed()
	if err != nil {
		return err
	}
	if err := setProperty(bus, a.adapterPath, adapterIface, "Powered", true); err != nil {
		return fmt.Errorf("bluez: power on: %w", err)
	}
	a.log.Info("adapter powered on")
	return nil
}

// SetDiscoverable makes the adapter visible to scanning peers for d.
func (a *Adapter) SetDiscoverable(d time.Duration) error {
	bus, err := a.busOrClosed()
	if err != nil {
		return err
	}
	if d <= 0 {
		d = DefaultDiscoverableTimeout
	}
	if err := setProperty(bus, a.adapterPath, adapterIface, "DiscoverableTimeout", uint32(d/time.Second)); err != nil {
		return fmt.Errorf("bluez: set discoverable timeout: %w", err)
	}
	if err := setProperty(bus, a.adapterPath, adapterIface, "Discoverable", true); err != nil {
		return fmt.Errorf("bluez: set discoverable: %w", err)
	}
	a.log.WithField("timeout", d.String()).Info("adapter discoverable")
	return nil
}

// Listen implements connmgr.Adapter. Opening a second listener for the same
// mode closes the first.
func (a *Adapter) Listen(mode connmgr.SecurityMode) (connmgr.Listener, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.New("bluez: closed")
	}
	p, err := a.ensureProfileLocked(mode)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	l := &listener{
		a:      a,
		p:      p,
		ch:     make(chan incoming, 1),
		closed: make(chan struct{}),
	}
	p.mu.Lock()
	old := p.listener
	p.listener = l
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return l, nil
}

// Dial implements connmgr.Adapter. Secure dials pair first when the device is
// not paired yet; a BlueZ agent (external to this package) must handle it.
func (a *Adapter) Dial(ctx context.Context, ep connmgr.RemoteEndpoint, mode connmgr.SecurityMode) (connmgr.Socket, error) {
	if ep.Address == "" {
		return nil, errors.New("bluez: device address required")
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.New("bluez: closed")
	}
	p, err := a.ensureProfileLocked(mode)
	bus := a.bus
	devPath := devicePath(a.adapterPath, ep.Address)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// Register as the receiver for this device before BlueZ can call back.
	ch := make(chan incoming, 1)
	p.addWaiter(devPath, ch)
	delivered := false
	defer func() { p.dropWaiter(devPath, ch, !delivered) }()

	devObj := bus.Object(bluezService, devPath)
	if mode == connmgr.Secure {
		if v, err := getProperty(bus, devPath, deviceIface, "Paired"); err == nil {
			if paired, ok := v.Value().(bool); ok && !paired {
				a.log.WithField("device", ep.Address).Info("pairing")
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					return nil, fmt.Errorf("bluez: Pair: %w", err)
				}
			}
		}
	}
	// Initiate ConnectProfile on the device.
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, p.uuid); call.Err != nil {
		return nil, fmt.Errorf("bluez: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
	case in := <-ch:
		delivered = true
		return newSocket(in.fd, "rfcomm-out")
	}
}

// Scan discovers nearby devices advertising SPP or the chat service and
// returns a snapshot list once ctx is done.
func (a *Adapter) Scan(ctx context.Context) ([]Device, error) {
	bus, err := a.busOrClosed()
	if err != nil {
		return nil, err
	}

	adapterObj := bus.Object(bluezService, a.adapterPath)
	_ = adapterObj.Call(adapterIface+".StartDiscovery", 0).Err
	defer func() { _ = adapterObj.Call(adapterIface+".StopDiscovery", 0).Err }()

	// Prime from current managed objects.
	devMap, err := snapshotDevices(bus)
	if err != nil {
		return nil, err
	}

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	defer func() {
		_ = bus.RemoveMatchSignal(
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := deviceFromIfaces(path, ifaces); ok {
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cleanup := a.cleanup
	a.cleanup = nil
	profiles := a.profiles
	a.profiles = nil
	a.mu.Unlock()

	for _, p := range profiles {
		p.mu.Lock()
		l := p.listener
		p.mu.Unlock()
		if l != nil {
			_ = l.Close()
		}
	}
	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

func (a *Adapter) busOrClosed() (*dbus.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errors.New("bluez: closed")
	}
	return a.bus, nil
}

// ensureProfileLocked exports and registers the profile of mode once.
func (a *Adapter) ensureProfileLocked(mode connmgr.SecurityMode) (*profile, error) {
	if p, ok := a.profiles[mode]; ok {
		return p, nil
	}
	p := &profile{
		mode:      mode,
		uuid:      serviceUUID(mode),
		log:       a.log.WithField("mode", mode.String()),
		waiters:   make(map[dbus.ObjectPath]chan incoming),
		abandoned: make(map[dbus.ObjectPath]time.Time),
	}
	// Unique object path per instance to avoid collisions.
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_chat/profile/" + mode.String() + strconv.FormatUint(id, 10))
	if err := a.bus.Export(p, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export %s profile: %w", mode, err)
	}

	channel := a.opts.SecureChannel
	name := a.opts.ServiceName + "Secure"
	if mode == connmgr.Insecure {
		channel = a.opts.InsecureChannel
		name = a.opts.ServiceName + "Insecure"
	}
	optsMap := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(name),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel":               dbus.MakeVariant(uint16(channel)),
		"RequireAuthentication": dbus.MakeVariant(mode == connmgr.Secure),
		"RequireAuthorization":  dbus.MakeVariant(false),
		"AutoConnect":           dbus.MakeVariant(false),
	}
	pm := a.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, p.uuid, optsMap); call.Err != nil {
		_ = a.bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("bluez: RegisterProfile(%s): %w", mode, call.Err)
	}
	bus := a.bus
	a.cleanup = append(a.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		// Unexport the object path (best-effort).
		_ = bus.Export(nil, path, profileInterfaceName)
	})
	a.profiles[mode] = p
	p.log.WithFields(logrus.Fields{
		"uuid":    p.uuid,
		"channel": channel,
		"name":    name,
	}).Info("profile registered")
	return p, nil
}

// resolvePeer builds the endpoint of an incoming socket: the address from the
// device path, or from the socket itself, and the alias from BlueZ.
func (a *Adapter) resolvePeer(in incoming) connmgr.RemoteEndpoint {
	ep := connmgr.RemoteEndpoint{Address: macFromPath(in.dev)}
	if ep.Address == "" {
		if addr, err := peerAddress(in.fd); err == nil {
			ep.Address = addr
		}
	}
	bus, err := a.busOrClosed()
	if err != nil || in.dev == "" {
		return ep
	}
	for _, prop := range []string{"Alias", "Name"} {
		if v, err := getProperty(bus, in.dev, deviceIface, prop); err == nil {
			if s, _ := v.Value().(string); s != "" {
				ep.Name = s
				break
			}
		}
	}
	return ep
}

// lateDialWindow is how long a connection completing for an abandoned Dial
// is still recognized as such and rejected.
const lateDialWindow = 10 * time.Second

// profile implements org.bluez.Profile1 and routes NewConnection FDs to a
// pending Dial for that device, else to the open listener, else rejects.
type profile struct {
	mode connmgr.SecurityMode
	uuid string
	log  logrus.FieldLogger

	mu       sync.Mutex
	listener *listener
	waiters  map[dbus.ObjectPath]chan incoming
	// devices whose Dial gave up, until the deadline stored
	abandoned map[dbus.ObjectPath]time.Time
}

// addWaiter makes ch the receiver of the next connection for dev.
func (p *profile) addWaiter(dev dbus.ObjectPath, ch chan incoming) {
	p.mu.Lock()
	p.waiters[dev] = ch
	delete(p.abandoned, dev)
	p.mu.Unlock()
}

// dropWaiter unregisters ch and closes anything delivered to it after the
// Dial stopped waiting. When the Dial gave up, a connection BlueZ still
// completes for dev within lateDialWindow is rejected rather than handed to
// the listener as an inbound one.
func (p *profile) dropWaiter(dev dbus.ObjectPath, ch chan incoming, gaveUp bool) {
	p.mu.Lock()
	if p.waiters[dev] == ch {
		delete(p.waiters, dev)
		if gaveUp {
			p.abandoned[dev] = time.Now().Add(lateDialWindow)
		}
	}
	p.mu.Unlock()
	select {
	case in := <-ch:
		_ = unix.Close(in.fd)
	default:
	}
}

type incoming struct {
	fd  int
	dev dbus.ObjectPath
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; sessions end by closing the socket.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD without blocking BlueZ.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	in := incoming{fd: int(fd), dev: dev}
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.waiters[dev]; ok {
		select {
		case ch <- in:
			delete(p.waiters, dev)
			return nil
		default:
		}
	}
	if until, ok := p.abandoned[dev]; ok {
		delete(p.abandoned, dev)
		if time.Now().Before(until) {
			p.log.WithField("device", string(dev)).Debug("rejecting connection of an abandoned dial")
			_ = unix.Close(in.fd)
			return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"connect attempt abandoned"}}
		}
	}
	if p.listener != nil {
		select {
		case p.listener.ch <- in:
			return nil
		default:
		}
	}
	// No receiver; close FD and return a rejection to avoid leaks.
	p.log.WithField("device", string(dev)).Debug("rejecting connection, no receiver")
	_ = unix.Close(in.fd)
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
}

type listener struct {
	a      *Adapter
	p      *profile
	ch     chan incoming
	closed chan struct{}
	once   sync.Once
}

func (l *listener) Accept() (connmgr.Socket, connmgr.RemoteEndpoint, error) {
	select {
	case <-l.closed:
		return nil, connmgr.RemoteEndpoint{}, errors.New("bluez: listener closed")
	case in := <-l.ch:
		ep := l.a.resolvePeer(in)
		sock, err := newSocket(in.fd, "rfcomm-in")
		if err != nil {
			return nil, connmgr.RemoteEndpoint{}, fmt.Errorf("bluez: %s: %w: %w", ep.Address, connmgr.ErrConnectionRejected, err)
		}
		return sock, ep, nil
	}
}

func (l *listener) Close() error {
	l.once.Do(func() {
		l.p.mu.Lock()
		if l.p.listener == l {
			l.p.listener = nil
		}
		close(l.closed)
		l.p.mu.Unlock()
		// Nothing can be queued any more; drop what was.
		select {
		case in := <-l.ch:
			_ = unix.Close(in.fd)
		default:
		}
	})
	return nil
}

// newSocket wraps an RFCOMM FD. The FD is made non-blocking first so that it
// is served by the runtime poller and Close interrupts a pending Read.
func newSocket(fd int, name string) (*os.File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluez: set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

// peerAddress reads the remote bdaddr of a connected RFCOMM socket.
func peerAddress(fd int) (string, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", fmt.Errorf("bluez: getpeername: %w", err)
	}
	rc, ok := sa.(*unix.SockaddrRFCOMM)
	if !ok {
		return "", fmt.Errorf("bluez: unexpected peer address %T", sa)
	}
	return formatBDAddr(rc.Addr), nil
}

func getProperty(bus *dbus.Conn, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	call := bus.Object(bluezService, path).Call(propsIface+".Get", 0, iface, prop)
	if call.Err != nil {
		return v, call.Err
	}
	if err := call.Store(&v); err != nil {
		return v, err
	}
	return v, nil
}

func setProperty(bus *dbus.Conn, path dbus.ObjectPath, iface, prop string, value interface{}) error {
	return bus.Object(bluezService, path).Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(value)).Err
}

func listAdapters(bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func snapshotDevices(bus *dbus.Conn) (map[string]Device, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			out[dev.Path] = dev
		}
	}
	return out, nil
}

func managedObjects(bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}
