// Package proto implements the length-prefixed wire protocol spoken between
// clients, the naming manager, and the storage servers.
//
// Every frame on every connection is a 4-byte big-endian length followed by
// that many bytes of payload. The payload is a flat JSON object carrying at
// minimum a "type" (requests) or "status" (responses) field. Connections are
// long-lived and carry multiple request/response pairs in sequence.
package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxFrameSize bounds a single payload. Documents are small text files;
// anything larger is a corrupt or hostile frame.
const MaxFrameSize = 32 << 20

// DialTimeout is the connect timeout for inter-component connections.
const DialTimeout = 5 * time.Second

// ReadFrame reads one length-prefixed frame from r.
// It returns io.EOF when the peer closed the connection cleanly before the
// length prefix.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, nil
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("short frame read: %w", err)
	}
	return buf, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// WriteValue marshals v to JSON and writes it as one frame.
func WriteValue(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one frame and decodes it into a Message.
func ReadMessage(r io.Reader) (*Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &m, nil
}

// WriteMessage writes m as one frame.
func WriteMessage(w io.Writer, m *Message) error {
	return WriteValue(w, m)
}

// Dial connects to host:port with the protocol's connect timeout.
func Dial(host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Roundtrip sends req on conn and reads a single response frame.
// It is the common shape of NM-to-SS control calls: one request, one reply,
// on a fresh or pooled connection.
func Roundtrip(conn net.Conn, req *Message) (*Message, error) {
	if err := WriteMessage(conn, req); err != nil {
		return nil, err
	}
	return ReadMessage(conn)
}

// Call dials host:port, performs a single request/response exchange, and
// closes the connection.
func Call(host string, port int, req *Message) (*Message, error) {
	conn, err := Dial(host, port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return Roundtrip(conn, req)
}
