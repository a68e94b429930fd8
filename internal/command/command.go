// Package command implements the local stream-socket Command
// Dispatcher of spec.md §4.8: one connection per request, a byte
// command, a length-prefixed device name, a count, then that many
// length-prefixed identity strings.
package command

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/romanho/mediad/internal/logger"
)

// Handler receives dispatched add/remove requests
// (registry.Registry's Add/Remove methods satisfy it via a thin
// adapter in cmd/mediad).
type Handler interface {
	Add(device string, identities []string) error
	Remove(device string) error
}

// Dispatcher owns the listening Unix socket.
type Dispatcher struct {
	path     string
	handler  Handler
	listener net.Listener
}

// NewDispatcher creates a dispatcher that will listen at path.
func NewDispatcher(path string, handler Handler) *Dispatcher {
	return &Dispatcher{path: path, handler: handler}
}

// Start removes any stale socket file, binds, restricts permissions to
// 0600, and begins accepting connections in a background goroutine
// (spec.md §4.8, §6 "Command socket").
func (d *Dispatcher) Start() error {
	_ = os.Remove(d.path)

	l, err := net.Listen("unix", d.path)
	if err != nil {
		return errors.Wrapf(err, "command: listen %s", d.path)
	}
	if err := os.Chmod(d.path, 0o600); err != nil {
		l.Close()
		return errors.Wrapf(err, "command: chmod %s", d.path)
	}
	d.listener = l

	go d.acceptLoop()
	return nil
}

// Close stops accepting connections and removes the socket file.
func (d *Dispatcher) Close() error {
	if d.listener == nil {
		return nil
	}
	err := d.listener.Close()
	_ = os.Remove(d.path)
	return err
}

func (d *Dispatcher) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("command: accept failed", map[string]interface{}{"error": err})
			continue
		}
		go d.handleConn(conn)
	}
}

// handleConn reads the entire request and closes the connection before
// dispatching, mirroring original_source/daemon.c's handle_cmd (which
// closes the client fd before calling add_mount/rm_mount — the
// protocol has no response).
func (d *Dispatcher) handleConn(conn net.Conn) {
	req, err := readRequest(conn)
	conn.Close()
	if err != nil {
		if err != io.EOF {
			logger.Warn("command: malformed request", map[string]interface{}{"error": err})
		}
		return
	}

	switch req.action {
	case actionAdd:
		if err := d.handler.Add(req.device, req.identities); err != nil {
			logger.ErrLevel("command: add failed", err, map[string]interface{}{"device": req.device})
		}
	case actionRemove:
		if err := d.handler.Remove(req.device); err != nil {
			logger.ErrLevel("command: remove failed", err, map[string]interface{}{"device": req.device})
		}
	}
}

type action byte

const (
	actionAdd    action = '+'
	actionRemove action = '-'
)

type request struct {
	action     action
	device     string
	identities []string
}

func readRequest(r io.Reader) (request, error) {
	var cmdByte [1]byte
	if _, err := io.ReadFull(r, cmdByte[:]); err != nil {
		return request{}, err
	}

	a := action(cmdByte[0])
	if a != actionAdd && a != actionRemove {
		return request{}, errors.Errorf("command: bad command byte %q", cmdByte[0])
	}

	device, err := recvString(r)
	if err != nil {
		return request{}, err
	}

	count, err := recvUint16(r)
	if err != nil {
		return request{}, err
	}

	ids := make([]string, 0, count)
	for i := 0; i < int(count); i++ {
		s, err := recvString(r)
		if err != nil {
			return request{}, err
		}
		ids = append(ids, scrub(s))
	}

	return request{action: a, device: scrub(device), identities: ids}, nil
}

// recvUint16 reads a 16-bit big-endian length/count prefix (spec.md
// §6 "Integer length prefixes are 16-bit network-order").
func recvUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// recvString reads a length-prefixed, NUL-terminated string; the
// length prefix includes the terminator (spec.md §4.8).
func recvString(r io.Reader) (string, error) {
	n, err := recvUint16(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(strings.TrimRight(string(buf), "\x00")), nil
}

// SendRequest encodes and writes one request in the wire format
// readRequest parses, for use by the mediactl front end
// (original_source/main.c's send_cmd).
func SendRequest(w io.Writer, add bool, device string, identities []string) error {
	a := actionRemove
	if add {
		a = actionAdd
	}
	if _, err := w.Write([]byte{byte(a)}); err != nil {
		return err
	}
	if err := sendString(w, device); err != nil {
		return err
	}
	if err := sendUint16(w, uint16(len(identities))); err != nil {
		return err
	}
	for _, id := range identities {
		if err := sendString(w, id); err != nil {
			return err
		}
	}
	return nil
}

func sendUint16(w io.Writer, n uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

// sendString writes a length-prefixed, NUL-terminated string; the
// length prefix includes the terminator, matching recvString.
func sendString(w io.Writer, s string) error {
	if err := sendUint16(w, uint16(len(s)+1)); err != nil {
		return err
	}
	_, err := w.Write(append([]byte(s), 0))
	return err
}

// untrustedChars are the shell metacharacters scrubbed from identity
// strings before they are parsed, per spec.md §4.8/§6.
const untrustedChars = "!\"&'()*;<>[\\]^`{|}~"

// scrub replaces control characters and untrustedChars with '_'.
func scrub(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c < ' ' || strings.IndexByte(untrustedChars, c) >= 0 {
			b[i] = '_'
		}
	}
	return string(b)
}
