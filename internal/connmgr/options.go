package connmgr

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultConnectTimeout bounds a single Dial.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultReadBufferSize is the size of the session read buffer.
	DefaultReadBufferSize = 1024
	// DefaultSendQueue is the number of payloads Send may queue ahead of the socket.
	DefaultSendQueue = 64
)

// Options configures a Manager. The zero value is usable.
type Options struct {
	// ListenModes lists the channel variants opened by Start.
	// Empty means both Secure and Insecure.
	ListenModes []SecurityMode

	ConnectTimeout time.Duration
	ReadBufferSize int
	SendQueue      int

	// RestartBackoff paces ListenWorker restarts after accept-loop failures.
	RestartBackoff BackoffConfig

	// ResumeListening makes the manager call Start after a session fails.
	ResumeListening bool

	Logger logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if len(o.ListenModes) == 0 {
		o.ListenModes = []SecurityMode{Secure, Insecure}
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}
