package proto

import "errors"

// Wire statuses. Every handler returns exactly one terminal status per
// request; streaming responses terminate with STOP.
const (
	StatusOK          = "OK"
	StatusStop        = "STOP"
	StatusNoAuth      = "ERR_NOAUTH"
	StatusNotFound    = "ERR_NOTFOUND"
	StatusLocked      = "ERR_LOCKED"
	StatusBadRequest  = "ERR_BADREQ"
	StatusConflict    = "ERR_CONFLICT"
	StatusUnavailable = "ERR_UNAVAILABLE"
	StatusInternal    = "ERR_INTERNAL"
)

// Sentinel errors matching the wire statuses. Handlers return these (wrapped
// with context) and the dispatch layer translates them with StatusFor.
var (
	ErrNoAuth      = errors.New("not authorized")
	ErrNotFound    = errors.New("not found")
	ErrLocked      = errors.New("locked")
	ErrBadRequest  = errors.New("bad request")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)

// StatusFor maps an error chain to the closest wire status.
// Unrecognized errors are internal failures.
func StatusFor(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNoAuth):
		return StatusNoAuth
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrLocked):
		return StatusLocked
	case errors.Is(err, ErrBadRequest):
		return StatusBadRequest
	case errors.Is(err, ErrConflict):
		return StatusConflict
	case errors.Is(err, ErrUnavailable):
		return StatusUnavailable
	default:
		return StatusInternal
	}
}

// StatusError converts a non-OK wire status back into a sentinel error.
// Client-side helpers use it to surface remote failures as error values.
func StatusError(status string) error {
	switch status {
	case StatusOK, StatusStop:
		return nil
	case StatusNoAuth:
		return ErrNoAuth
	case StatusNotFound:
		return ErrNotFound
	case StatusLocked:
		return ErrLocked
	case StatusBadRequest:
		return ErrBadRequest
	case StatusConflict:
		return ErrConflict
	case StatusUnavailable:
		return ErrUnavailable
	default:
		return errors.New("internal error")
	}
}
