// Package wire is the Framed Transport (§4.C): a NUL-terminated JSON record
// codec shared by the client listener and the peer listener.
//
// The spec describes a single-threaded non-blocking readiness loop
// multiplexing accept/read/write events. Go's runtime already multiplexes
// goroutines over the OS's readiness primitives (epoll/kqueue) under a
// blocking net.Conn API, so the idiomatic translation — and the one the
// teacher repo uses — is one goroutine pair (read pump + write pump) per
// connection instead of a hand-rolled selector loop. This package only
// supplies the framing; internal/engine and internal/cluster supply the
// pumps, grounded on internal/server/client.go's readPump/writePump.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// Frame is the wire envelope for both the client and peer protocols (§6):
// {"version":0, "command":"...", "data":{...}}.
type Frame struct {
	Version int             `json:"version"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
}

// CurrentVersion is the only version accepted (§4.D).
const CurrentVersion = 0

// NewFrame marshals payload into a Frame at CurrentVersion.
func NewFrame(command string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Version: CurrentVersion, Command: command, Data: data}, nil
}

// Encode renders f as JSON immediately followed by a single NUL byte, ready
// to write to a connection (§4.C).
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(data, 0), nil
}

// NewScanner wraps r in a bufio.Scanner split on NUL bytes instead of
// newlines, so each Scan() yields exactly one decoded record's raw JSON.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	s.Split(splitNUL)
	return s
}

func splitNUL(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		// Residual bytes with no terminator at connection close: not a
		// complete record, so nothing more to emit.
		return 0, nil, nil
	}
	return 0, nil, nil
}

// Decode parses one raw record (as yielded by a NewScanner) into a Frame.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(raw, &f)
	return f, err
}
