package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/sirupsen/logrus"

	"bluetooth-chat/internal/bluez"
	"bluetooth-chat/internal/connmgr"
)

// manager is the part of connmgr.Manager the REPL drives.
type manager interface {
	Start() error
	Stop() error
	Connect(ep connmgr.RemoteEndpoint, mode connmgr.SecurityMode) error
	Send(p []byte) error
	State() connmgr.State
}

// radio is the part of bluez.Adapter the REPL drives.
type radio interface {
	Scan(ctx context.Context) ([]bluez.Device, error)
	SetDiscoverable(d time.Duration) error
}

// chat handles one interactive session.
type chat struct {
	mgr   manager
	radio radio
	keys  keyStore
	log   logrus.FieldLogger
	out   io.Writer

	discoverable time.Duration

	mu      sync.Mutex
	devices []bluez.Device
}

// printEvents renders the event stream until it is closed.
func (c *chat) printEvents(events <-chan connmgr.Event) {
	for ev := range events {
		if ev.Kind == connmgr.EventNotice && ev.Err != nil {
			c.log.WithFields(logrus.Fields{
				"notice": ev.Notice.String(),
				"peer":   ev.Peer.String(),
			}).WithError(ev.Err).Debug("notice")
		}
		if line := renderEvent(ev); line != "" {
			fmt.Fprintln(c.out, line)
		}
	}
}

// handle executes one input line. It returns false when the session ends.
func (c *chat) handle(ctx context.Context, line string) bool {
	cmd, err := parseCommand(line)
	if err != nil {
		if strings.TrimSpace(line) != "" {
			fmt.Fprintln(c.out, err)
		}
		return true
	}

	switch cmd.name {
	case "send":
		// Failures surface as notices on the event stream.
		_ = c.mgr.Send([]byte(cmd.payload))

	case "scan":
		c.scan(ctx, cmd.args)

	case "connect":
		c.mu.Lock()
		devices := c.devices
		c.mu.Unlock()
		ep, mode, err := connectTarget(cmd.args, devices)
		if err != nil {
			fmt.Fprintln(c.out, err)
			return true
		}
		_ = c.mgr.Connect(ep, mode)

	case "listen":
		if err := c.mgr.Start(); err != nil {
			fmt.Fprintln(c.out, err)
		}

	case "stop":
		if err := c.mgr.Stop(); err != nil {
			fmt.Fprintln(c.out, err)
		}

	case "discoverable":
		if err := c.radio.SetDiscoverable(c.discoverable); err != nil {
			fmt.Fprintln(c.out, err)
			return true
		}
		fmt.Fprintf(c.out, "* discoverable for %s\n", c.discoverable)

	case "state":
		fmt.Fprintf(c.out, "* %s\n", c.mgr.State())

	case "key":
		c.key(cmd.args)

	case "help":
		fmt.Fprintln(c.out, helpText)

	case "quit":
		return false
	}
	return true
}

func (c *chat) scan(ctx context.Context, args []string) {
	d, err := scanDuration(args)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	fmt.Fprintf(c.out, "* scanning for %s...\n", d)
	sctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	devs, err := c.radio.Scan(sctx)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	c.mu.Lock()
	c.devices = devs
	c.mu.Unlock()
	if len(devs) == 0 {
		fmt.Fprintln(c.out, "* no devices found")
		return
	}
	for i, dev := range devs {
		name := dev.Endpoint().Name
		if name == "" {
			name = "-"
		}
		paired := ""
		if dev.Paired {
			paired = " (paired)"
		}
		fmt.Fprintf(c.out, "[%d] %s %s%s\n", i, dev.Address, name, paired)
	}
}

func (c *chat) key(args []string) {
	if len(args) > 0 && strings.EqualFold(args[0], "reset") {
		key, err := c.keys.reset()
		if err != nil {
			fmt.Fprintln(c.out, err)
			return
		}
		fmt.Fprintf(c.out, "* reset key to %s\n", key)
		return
	}
	key, err := c.keys.load()
	if err != nil {
		fmt.Fprintln(c.out, "! there was a problem sending the key:", err)
		return
	}
	c.log.WithField("key", key).Debug("sending key")
	_ = c.mgr.Send([]byte(key))
}

// runREPL reads lines until /quit, EOF or ctx is done.
func runREPL(ctx context.Context, cancel context.CancelFunc, rl *readline.Instance, c *chat) {
	defer rl.Close()
	fmt.Fprintln(c.out, helpText)

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			cancel()
			return
		}
		if !c.handle(ctx, line) {
			cancel()
			return
		}
	}
}
