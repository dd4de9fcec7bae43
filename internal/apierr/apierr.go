// Package apierr turns transport error codes into a closed set of kinds.
// Nothing outside this package looks at error strings.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	Unknown Kind = iota
	Validation
	StaleFileReference
	FloodWait
	SlowmodeWait
	PeerFlood
	ChannelTooLarge
	MessageEmpty
	Cancelled
	Transport
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case StaleFileReference:
		return "stale_file_reference"
	case FloodWait:
		return "flood_wait"
	case SlowmodeWait:
		return "slowmode_wait"
	case PeerFlood:
		return "peer_flood"
	case ChannelTooLarge:
		return "channel_too_large"
	case MessageEmpty:
		return "message_empty"
	case Cancelled:
		return "cancelled"
	case Transport:
		return "transport"
	}
	return "unknown"
}

// Error is a classified failure. Index is the position of the offending item
// in a multi-item request, or -1.
type Error struct {
	Code  int
	Type  string
	Kind  Kind
	Wait  time.Duration
	Index int
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d %s)", e.Kind, e.Code, e.Type)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Type)
}

// Is matches errors of the same kind, so errors.Is(err, apierr.New(k, ""))
// works for kind checks.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Type == "" || t.Type == e.Type)
}

func New(kind Kind, typ string) *Error {
	return &Error{Kind: kind, Type: typ, Index: -1}
}

func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

const (
	fileReferencePrefix = "FILE_REFERENCE_"
	floodWaitPrefix     = "FLOOD_WAIT_"
	slowmodeWaitPrefix  = "SLOWMODE_WAIT_"
)

// Classify maps a transport error code and type string to an Error.
func Classify(code int, typ string) *Error {
	e := &Error{Code: code, Type: typ, Kind: Unknown, Index: -1}
	switch {
	case code == 400 && strings.HasPrefix(typ, fileReferencePrefix):
		e.Kind = StaleFileReference
		e.Index = fileReferenceIndex(typ)
	case strings.HasPrefix(typ, floodWaitPrefix):
		e.Kind = FloodWait
		e.Wait = waitSuffix(typ, floodWaitPrefix)
	case strings.HasPrefix(typ, slowmodeWaitPrefix):
		e.Kind = SlowmodeWait
		e.Wait = waitSuffix(typ, slowmodeWaitPrefix)
	case typ == "PEER_FLOOD":
		e.Kind = PeerFlood
	case typ == "CHANNEL_TOO_LARGE":
		e.Kind = ChannelTooLarge
	case typ == "MESSAGE_EMPTY":
		e.Kind = MessageEmpty
	case code == 420:
		e.Kind = FloodWait
	}
	return e
}

// FromError classifies a local transport error (I/O, context).
func FromError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: Cancelled, Type: err.Error(), Index: -1}
	}
	return &Error{Kind: Transport, Type: err.Error(), Index: -1}
}

func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Unknown
}

// FILE_REFERENCE_<n>_EXPIRED names the failing item of a multi-media request.
func fileReferenceIndex(typ string) int {
	rest := strings.TrimPrefix(typ, fileReferencePrefix)
	head, _, found := strings.Cut(rest, "_")
	if !found {
		return -1
	}
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func waitSuffix(typ, prefix string) time.Duration {
	n, err := strconv.Atoi(strings.TrimPrefix(typ, prefix))
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
