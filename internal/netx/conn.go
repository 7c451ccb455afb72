package netx

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Conn wraps a stream connection with the engine's timeout contract: reads
// observe a caller-supplied timeout, writes get a stall timer derived from
// the batch size.
type Conn struct {
	conn net.Conn
	host string
}

// NewConn wraps an established connection; used by the test harness.
func NewConn(c net.Conn, host string) *Conn {
	return &Conn{conn: c, host: host}
}

func (c *Conn) Host() string { return c.host }

// Read reads up to len(p) bytes within timeout. A graceful close returns
// (0, io.EOF); other failures are connection-broken.
func (c *Conn) Read(p []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrConnectionBroken, err)
		}
	}
	n, err := c.conn.Read(p)
	if err != nil {
		if err == io.EOF {
			return n, io.EOF
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, os.ErrDeadlineExceeded
		}
		return n, fmt.Errorf("%w: %v", ErrConnectionBroken, err)
	}
	return n, nil
}

// writeStall returns the per-batch stall timer: max(bytes/10800, 15)+10
// seconds, sized for ~10 KB/s worst-case links.
func writeStall(n int) time.Duration {
	secs := n / 10800
	if secs < 15 {
		secs = 15
	}
	return time.Duration(secs+10) * time.Second
}

// Write sends all of data, failing with ErrWriteTimeout when the batch
// stalls past its timer.
func (c *Conn) Write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeStall(len(data)))); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionBroken, err)
	}
	for len(data) > 0 {
		n, err := c.conn.Write(data)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return fmt.Errorf("%w: %d bytes unsent", ErrWriteTimeout, len(data)-n)
			}
			return fmt.Errorf("%w: %v", ErrConnectionBroken, err)
		}
		data = data[n:]
	}
	return nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
