package capture

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/antoniostano/bankvoice/internal/reliability"
)

// Kind distinguishes capture failures so the host can show tailored guidance.
type Kind string

const (
	KindPermissionDenied Kind = "permission_denied"
	KindDeviceNotFound   Kind = "device_not_found"
	KindDeviceError      Kind = "device_error"
)

var (
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	ErrDeviceNotFound   = errors.New("capture: no microphone found")
	ErrDeviceError      = errors.New("capture: microphone unavailable")
	errBusy             = errors.New("microphone busy")
)

// Error is returned by Pipeline.Start and by Source implementations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("capture %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	out := []error{e.sentinel()}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindDeviceNotFound:
		return ErrDeviceNotFound
	default:
		return ErrDeviceError
	}
}

// KindOf reports the capture kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// classify wraps a backend error into an *Error, keeping an existing kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	kind := KindDeviceError
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrPermission),
		strings.Contains(msg, "access denied"),
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "not authorized"):
		kind = KindPermissionDenied
	case errors.Is(err, os.ErrNotExist),
		strings.Contains(msg, "no such entity"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "no such device"):
		kind = KindDeviceNotFound
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Remedy suggests what the user should do about the failure.
func (e *Error) Remedy() reliability.Remedy {
	switch e.Kind {
	case KindPermissionDenied:
		return reliability.RemedyCheckPermissions
	default:
		return reliability.RemedyCheckDevice
	}
}
