package commands

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/docsplus/docstore/pkg/proto"
)

// Client is one user session against the naming manager: a persistent
// control connection plus on-demand data connections to storage servers.
type Client struct {
	nm   net.Conn
	user string
}

// Connect dials the naming manager and claims the user session. A refused
// hello (user already active elsewhere) is an error; so is an unreachable
// manager.
func Connect(addr string, port int, user string) (*Client, error) {
	conn, err := proto.Dial(addr, port)
	if err != nil {
		return nil, fmt.Errorf("cannot reach the naming manager: %w", err)
	}
	resp, err := proto.Roundtrip(conn, &proto.Message{Type: proto.TypeClientHello, User: user})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session handshake failed: %w", err)
	}
	if !resp.OK() {
		conn.Close()
		if resp.Msg == "user-already-active" {
			return nil, fmt.Errorf("user %q already has an active session", user)
		}
		return nil, fmt.Errorf("session refused: %s", resp.Status)
	}
	return &Client{nm: conn, user: user}, nil
}

// Close logs the session out and drops the control connection.
func (c *Client) Close() {
	_, _ = proto.Roundtrip(c.nm, &proto.Message{Type: proto.TypeLogout, User: c.user})
	_ = c.nm.Close()
}

// Call stamps the session user onto req (unless the command already set a
// user, as the grant commands do) and performs one request/response exchange
// on the control connection.
func (c *Client) Call(req *proto.Message) (*proto.Message, error) {
	if req.User == "" {
		req.User = c.user
	}
	return proto.Roundtrip(c.nm, req)
}

// CallInto is Call for endpoints whose reply is a richer shape than the
// flat message (STATS, LIST_USERS, INFO, VIEWFOLDER).
func (c *Client) CallInto(req *proto.Message, v any) error {
	if req.User == "" {
		req.User = c.user
	}
	if err := proto.WriteMessage(c.nm, req); err != nil {
		return err
	}
	payload, err := proto.ReadFrame(c.nm)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// Send writes a request without consuming a reply; the caller reads the
// stream itself (EXEC).
func (c *Client) Send(req *proto.Message) error {
	if req.User == "" {
		req.User = c.user
	}
	return proto.WriteMessage(c.nm, req)
}

// Read consumes one frame from the control connection.
func (c *Client) Read() (*proto.Message, error) {
	return proto.ReadMessage(c.nm)
}

// Lookup asks the naming manager for a ticket and the primary's endpoint.
func (c *Client) Lookup(file, op string) (*proto.Message, error) {
	resp, err := c.Call(&proto.Message{Type: proto.TypeLookup, File: file, Op: op})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError(resp)
	}
	return resp, nil
}

// StorageCall performs a one-shot data call against the storage server a
// lookup pointed at, carrying its ticket.
func (c *Client) StorageCall(lk *proto.Message, req *proto.Message) (*proto.Message, error) {
	req.Ticket = lk.Ticket
	resp, err := proto.Call(lk.SSAddr, lk.SSDataPort, req)
	if err != nil {
		return nil, fmt.Errorf("storage server unreachable: %w", err)
	}
	return resp, nil
}

// StorageDial opens a persistent data connection for multi-frame exchanges
// (write sessions, streams).
func (c *Client) StorageDial(lk *proto.Message) (net.Conn, error) {
	conn, err := proto.Dial(lk.SSAddr, lk.SSDataPort)
	if err != nil {
		return nil, fmt.Errorf("storage server unreachable: %w", err)
	}
	return conn, nil
}

// statusError turns a non-OK reply into the sentence shown to the user.
func statusError(m *proto.Message) error {
	if m.Msg != "" {
		return fmt.Errorf("%s (%s)", humanStatus(m.Status), m.Msg)
	}
	return fmt.Errorf("%s", humanStatus(m.Status))
}

func humanStatus(status string) string {
	switch status {
	case proto.StatusNoAuth:
		return "you do not have permission for that"
	case proto.StatusNotFound:
		return "no such file"
	case proto.StatusLocked:
		return "that sentence is being edited by someone else"
	case proto.StatusBadRequest:
		return "the server rejected the request as malformed"
	case proto.StatusConflict:
		return "that name or request already exists"
	case proto.StatusUnavailable:
		return "no storage server is available right now"
	case proto.StatusInternal:
		return "the server hit an internal error"
	default:
		return fmt.Sprintf("unexpected reply: %s", status)
	}
}
