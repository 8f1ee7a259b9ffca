package transport

import (
	"bufio"
	"net"
)

// BufferedConn reads through r, which wraps Conn and may already hold bytes
// read past a handshake line.
type BufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func NewBufferedConn(c net.Conn, r *bufio.Reader) net.Conn {
	if r.Buffered() == 0 {
		return c
	}
	return &BufferedConn{Conn: c, r: r}
}

func (b *BufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
