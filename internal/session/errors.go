package session

import (
	"errors"
	"io"
	"net"
	"os"
)

var (
	// ErrConnectionClosed means the control stream is gone; the client is unreachable.
	ErrConnectionClosed = errors.New("session: connection closed")
	// ErrWriteTimeout means a line could not be written before its deadline.
	ErrWriteTimeout = errors.New("session: write timed out")
	// ErrIO wraps any other stream failure.
	ErrIO = errors.New("session: stream i/o failure")
)

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF)
}
