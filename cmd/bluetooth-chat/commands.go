package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"bluetooth-chat/internal/bluez"
	"bluetooth-chat/internal/connmgr"
)

const defaultScanDuration = 12 * time.Second

// command is one parsed input line. Lines not starting with '/' are payloads.
type command struct {
	name    string
	args    []string
	payload string
}

func parseCommand(line string) (command, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return command{}, errors.New("empty input")
	}
	if !strings.HasPrefix(trimmed, "/") {
		// Payloads keep their inner spacing.
		return command{name: "send", payload: strings.TrimRight(line, "\r\n")}, nil
	}
	parts := strings.Fields(trimmed[1:])
	if len(parts) == 0 {
		return command{}, errors.New("missing command after '/'")
	}
	c := command{name: strings.ToLower(parts[0]), args: parts[1:]}
	switch c.name {
	case "scan", "connect", "listen", "stop", "discoverable", "state", "key", "help", "quit":
	case "q", "exit":
		c.name = "quit"
	case "?":
		c.name = "help"
	default:
		return command{}, fmt.Errorf("unknown command: /%s (type /help)", c.name)
	}
	return c, nil
}

// scanDuration reads the optional "/scan <dur>" argument.
func scanDuration(args []string) (time.Duration, error) {
	if len(args) == 0 {
		return defaultScanDuration, nil
	}
	d, err := time.ParseDuration(args[0])
	if err != nil {
		// Bare numbers are seconds.
		n, nerr := strconv.Atoi(args[0])
		if nerr != nil || n <= 0 {
			return 0, fmt.Errorf("invalid scan duration %q", args[0])
		}
		d = time.Duration(n) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid scan duration %q", args[0])
	}
	return d, nil
}

// connectTarget resolves "/connect <addr|#index> [insecure]" against the last
// scan results.
func connectTarget(args []string, devices []bluez.Device) (connmgr.RemoteEndpoint, connmgr.SecurityMode, error) {
	if len(args) == 0 {
		return connmgr.RemoteEndpoint{}, 0, errors.New("usage: /connect <address|#index> [insecure]")
	}
	mode := connmgr.Secure
	if len(args) > 1 {
		switch strings.ToLower(args[1]) {
		case "insecure":
			mode = connmgr.Insecure
		case "secure":
		default:
			return connmgr.RemoteEndpoint{}, 0, fmt.Errorf("unknown security mode %q", args[1])
		}
	}

	target := args[0]
	if strings.HasPrefix(target, "#") {
		i, err := strconv.Atoi(target[1:])
		if err != nil || i < 0 || i >= len(devices) {
			return connmgr.RemoteEndpoint{}, 0, fmt.Errorf("no scanned device %s (run /scan first)", target)
		}
		return devices[i].Endpoint(), mode, nil
	}

	hw, err := net.ParseMAC(target)
	if err != nil || len(hw) != 6 {
		return connmgr.RemoteEndpoint{}, 0, fmt.Errorf("invalid device address %q", target)
	}
	addr := strings.ToUpper(hw.String())
	for _, d := range devices {
		if strings.EqualFold(d.Address, addr) {
			return d.Endpoint(), mode, nil
		}
	}
	return connmgr.RemoteEndpoint{Address: addr}, mode, nil
}

// renderEvent returns the line to print for ev, or "" when nothing is shown.
func renderEvent(ev connmgr.Event) string {
	switch ev.Kind {
	case connmgr.EventStateChanged:
		switch ev.State {
		case connmgr.StateConnected:
			return fmt.Sprintf("* connected to %s", ev.Peer)
		case connmgr.StateConnecting:
			return "* connecting..."
		default:
			return "* not connected"
		}
	case connmgr.EventPeerIdentified:
		return fmt.Sprintf("* Connected to %s", ev.Peer)
	case connmgr.EventBytesSent:
		return "Me:  " + string(ev.Payload)
	case connmgr.EventBytesReceived:
		return fmt.Sprintf("%s:  %s", ev.Peer, ev.Payload)
	case connmgr.EventNotice:
		return "! " + ev.Text
	}
	return ""
}

const helpText = `Commands:
  /scan [duration]                  discover nearby devices (default 12s)
  /connect <addr|#index> [insecure] connect to a device (secure by default)
  /listen                           accept incoming connections
  /stop                             drop the session and stop listening
  /discoverable                     make this adapter visible to others
  /state                            show the connection state
  /key [reset]                      send the stored key, or generate a new one
  /help                             show this help
  /quit                             exit
Any other line is sent to the connected device.`
