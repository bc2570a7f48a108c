// Package ticket implements the authorization capability the naming manager
// hands to clients. A ticket binds one operation on one file at one storage
// server for a bounded lifetime. The signature is a salted rolling checksum,
// deliberately non-cryptographic: tickets defend against mis-routing and
// replay across files and operations, not against a hostile actor.
package ticket

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docsplus/docstore/pkg/proto"
)

// salt is folded into every signature. Both sides of the wire must agree.
const salt = "DOCSPLUS-SALT-2025"

// DefaultTTL is the lifetime the naming manager grants.
const DefaultTTL = 600 * time.Second

// Operations a ticket can carry. LOOKUP issues exactly one of these.
const (
	OpRead            = "READ"
	OpWrite           = "WRITE"
	OpUndo            = "UNDO"
	OpRevert          = "REVERT"
	OpCheckpoint      = "CHECKPOINT"
	OpViewCheckpoint  = "VIEWCHECKPOINT"
	OpListCheckpoints = "LISTCHECKPOINTS"
)

// Ticket is the decoded form of the ASCII capability
// "file|op|ssid|exp|sig".
type Ticket struct {
	File string
	Op   string
	SSID int
	Exp  int64
	Sig  uint64
}

// sign computes the djb2 rolling checksum over file, op, the salt, and the
// ssid/exp integers folded in directly.
func sign(file, op string, ssid int, exp int64) uint64 {
	sum := uint64(5381)
	for i := 0; i < len(file); i++ {
		sum = sum<<5 + sum + uint64(file[i])
	}
	for i := 0; i < len(op); i++ {
		sum = sum<<5 + sum + uint64(op[i])
	}
	for i := 0; i < len(salt); i++ {
		sum = sum<<5 + sum + uint64(salt[i])
	}
	sum = sum<<5 + sum + uint64(ssid)
	sum = sum<<5 + sum + uint64(exp)
	return sum
}

// Build creates a signed ticket for op on file at the given storage server,
// valid for ttl from now.
func Build(file, op string, ssid int, ttl time.Duration) string {
	exp := time.Now().Add(ttl).Unix()
	sig := sign(file, op, ssid, exp)
	return fmt.Sprintf("%s|%s|%d|%d|%d", file, op, ssid, exp, sig)
}

// Parse decodes the five-field ASCII form without validating it.
func Parse(s string) (Ticket, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 5 {
		return Ticket{}, fmt.Errorf("%w: malformed ticket", proto.ErrNoAuth)
	}
	ssid, err := strconv.Atoi(parts[2])
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: bad ssid in ticket", proto.ErrNoAuth)
	}
	exp, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: bad expiry in ticket", proto.ErrNoAuth)
	}
	sig, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: bad signature in ticket", proto.ErrNoAuth)
	}
	return Ticket{File: parts[0], Op: parts[1], SSID: ssid, Exp: exp, Sig: sig}, nil
}

// Validate checks s against the exact file, op and storage server the
// operation targets. Every field must match, the ticket must not have
// expired, and the signature must recompute.
func Validate(s, file, op string, ssid int) error {
	t, err := Parse(s)
	if err != nil {
		return err
	}
	if t.File != file || t.Op != op || t.SSID != ssid {
		return fmt.Errorf("%w: ticket does not match request", proto.ErrNoAuth)
	}
	if time.Now().Unix() > t.Exp {
		return fmt.Errorf("%w: ticket expired", proto.ErrNoAuth)
	}
	if sign(t.File, t.Op, t.SSID, t.Exp) != t.Sig {
		return fmt.Errorf("%w: ticket signature mismatch", proto.ErrNoAuth)
	}
	return nil
}

// ValidateAny accepts a ticket carrying any of the listed ops. INFO accepts
// READ or WRITE tickets; LISTCHECKPOINTS accepts its own or VIEWCHECKPOINT.
func ValidateAny(s, file string, ops []string, ssid int) error {
	var err error
	for _, op := range ops {
		if err = Validate(s, file, op, ssid); err == nil {
			return nil
		}
	}
	return err
}
