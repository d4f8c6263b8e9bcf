//go:build !linux

package bluez

import (
	"context"
	"time"

	"bluetooth-chat/internal/connmgr"
)

// Adapter is unavailable outside Linux; every method reports ErrUnsupported.
type Adapter struct{}

var _ connmgr.Adapter = (*Adapter)(nil)

func New(Options) (*Adapter, error) { return nil, ErrUnsupported }

func (a *Adapter) Path() string                        { return "" }
func (a *Adapter) Available() error                    { return ErrUnsupported }
func (a *Adapter) PowerOn() error                      { return ErrUnsupported }
func (a *Adapter) SetDiscoverable(time.Duration) error { return ErrUnsupported }
func (a *Adapter) Close() error                        { return nil }

func (a *Adapter) Listen(connmgr.SecurityMode) (connmgr.Listener, error) {
	return nil, ErrUnsupported
}

func (a *Adapter) Dial(context.Context, connmgr.RemoteEndpoint, connmgr.SecurityMode) (connmgr.Socket, error) {
	return nil, ErrUnsupported
}

func (a *Adapter) Scan(context.Context) ([]Device, error) { return nil, ErrUnsupported }
