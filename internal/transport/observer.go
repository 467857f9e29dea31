package transport

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// socketBucket tracks the open-connection count and approximate write-buffer
// occupancy for one endpoint name.
type socketBucket struct {
	open        int64 // atomic: currently open connections
	bufferBytes int64 // atomic: bytes currently inside a blocking Write call
}

// socketObserver wraps a dial function to attribute connection lifecycle and
// write-buffer pressure to the endpoint name the connection serves. It
// replaces the direct socket/freeSockets/bufferSize views the source's
// transport collaborator exposes natively.
type socketObserver struct {
	mu      sync.RWMutex
	buckets map[string]*socketBucket

	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	onSocketRemoved func()
}

func newSocketObserver(dial func(ctx context.Context, network, addr string) (net.Conn, error)) *socketObserver {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	return &socketObserver{
		buckets: make(map[string]*socketBucket),
		dial:    dial,
	}
}

func (o *socketObserver) bucket(name string) *socketBucket {
	o.mu.RLock()
	b, ok := o.buckets[name]
	o.mu.RUnlock()
	if ok {
		return b
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if b, ok := o.buckets[name]; ok {
		return b
	}
	b = &socketBucket{}
	o.buckets[name] = b
	return b
}

// DialContext dials addr and wraps the resulting connection so its lifetime
// and write activity are attributed to endpointName(addr).
func (o *socketObserver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := o.dial(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	name := endpointNameFromAddr(addr)
	b := o.bucket(name)
	atomic.AddInt64(&b.open, 1)

	return &observedConn{
		Conn:     conn,
		bucket:   b,
		observer: o,
	}, nil
}

// OpenSockets returns the number of currently open connections for name.
func (o *socketObserver) OpenSockets(name string) int {
	o.mu.RLock()
	b, ok := o.buckets[name]
	o.mu.RUnlock()
	if !ok {
		return 0
	}
	return int(atomic.LoadInt64(&b.open))
}

// BufferStats returns the average in-flight write-buffer occupancy (bytes)
// across currently open connections for name, and the open connection
// count.
func (o *socketObserver) BufferStats(name string) (avg float64, open int) {
	o.mu.RLock()
	b, ok := o.buckets[name]
	o.mu.RUnlock()
	if !ok {
		return 0, 0
	}
	openN := atomic.LoadInt64(&b.open)
	if openN == 0 {
		return 0, 0
	}
	buf := atomic.LoadInt64(&b.bufferBytes)
	return float64(buf) / float64(openN), int(openN)
}

// observedConn wraps a net.Conn, attributing Write-blocking duration and
// Close to its endpoint's socketBucket. Bytes are counted as "buffered"
// for the span of the underlying Write call: a Write that blocks because
// the kernel send buffer is full is exactly the backpressure signal the
// admission controller's buffer gate wants to see.
type observedConn struct {
	net.Conn
	bucket   *socketBucket
	observer *socketObserver
	closed   int32
}

func (c *observedConn) Write(p []byte) (int, error) {
	atomic.AddInt64(&c.bucket.bufferBytes, int64(len(p)))
	n, err := c.Conn.Write(p)
	atomic.AddInt64(&c.bucket.bufferBytes, -int64(len(p)))
	return n, err
}

func (c *observedConn) Close() error {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		atomic.AddInt64(&c.bucket.open, -1)
		if c.observer != nil && c.observer.onSocketRemoved != nil {
			c.observer.onSocketRemoved()
		}
	}
	return c.Conn.Close()
}

// endpointNameFromAddr derives the "host:port:" endpoint key from a dial
// address of the form "host:port".
func endpointNameFromAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr + ":"
	}
	var b strings.Builder
	b.WriteString(host)
	b.WriteByte(':')
	b.WriteString(port)
	b.WriteByte(':')
	return b.String()
}
