package connmgr

// role names the kind of worker reporting to the manager.
type role int

const (
	roleListen role = iota
	roleConnect
	roleTransfer
)

func (r role) String() string {
	switch r {
	case roleListen:
		return "listen"
	case roleConnect:
		return "connect"
	case roleTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// worker is a cancellable unit of blocking I/O. cancel unblocks the pending
// call by closing the resource it waits on; done is closed once the worker's
// goroutines have all returned.
type worker interface {
	cancel()
	done() <-chan struct{}
}

// sink receives worker results. Every call carries the generation the worker
// was started with; the manager drops calls from older generations.
type sink interface {
	socketEstablished(gen uint64, r role, s Socket, ep RemoteEndpoint, mode SecurityMode)
	workerFailed(gen uint64, r role, err error)
	connectionRejected(gen uint64, mode SecurityMode, err error)
	bytesReceived(gen uint64, p []byte)
	bytesSent(gen uint64, p []byte)
}
