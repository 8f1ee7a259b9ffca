package proto

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

const (
	Ping = "PING"
	Pong = "PONG"

	// MaxLineSize bounds a single protocol line including its terminator.
	MaxLineSize = 4096
)

var (
	PingLine = []byte("PING\r\n")
	PongLine = []byte("PONG\r\n")

	ErrLineTooLong = errors.New("proto: line exceeds maximum size")
)

// TunnelLine is the announcement written by the gateway, and the first line
// a client writes on a new data connection.
func TunnelLine(id string) []byte {
	return []byte(id + "\r\n")
}

// NewReader returns a reader sized so ReadLine can enforce MaxLineSize.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, MaxLineSize)
}

// ReadLine reads one newline terminated line and strips the terminator.
// A final unterminated fragment before EOF is returned as a line.
func ReadLine(r *bufio.Reader) (string, error) {
	b, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", ErrLineTooLong
	}
	if err != nil && (len(b) == 0 || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

func WriteJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

func ReadJSONLine(r *bufio.Reader, v any) error {
	line, err := ReadLine(r)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(line), v)
}
