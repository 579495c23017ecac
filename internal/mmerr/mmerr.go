// Package mmerr implements the system-wide error taxonomy (§7): a small
// Kind enum plus a wrapping *Error that carries Kind, a message, and an
// optional cause. The teacher returns plain errors.New(...) strings from
// its helpers and switches on HTTP status at the admin edges
// (server-control.go); this generalizes that into one typed error every
// component can switch on, errors.Is/errors.As friendly.
package mmerr

import "fmt"

type Kind int

const (
	KindMalformed Kind = iota
	KindUnauthenticated
	KindUnauthorized
	KindReplay
	KindTtlExceeded
	KindNotReady
	KindAddressInvalid
	KindFrameTooLarge
	KindTransientIO
	KindPermanentIO
	KindTimeout
	KindQuotaExceeded
	KindQueueFull
	KindNotFound
	KindFragmentTimeout
	KindCancelled
	KindSystemTime
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "Malformed"
	case KindUnauthenticated:
		return "Unauthenticated"
	case KindUnauthorized:
		return "Unauthorized"
	case KindReplay:
		return "Replay"
	case KindTtlExceeded:
		return "TtlExceeded"
	case KindNotReady:
		return "NotReady"
	case KindAddressInvalid:
		return "AddressInvalid"
	case KindFrameTooLarge:
		return "FrameTooLarge"
	case KindTransientIO:
		return "TransientIO"
	case KindPermanentIO:
		return "PermanentIO"
	case KindTimeout:
		return "Timeout"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindQueueFull:
		return "QueueFull"
	case KindNotFound:
		return "NotFound"
	case KindFragmentTimeout:
		return "FragmentTimeout"
	case KindCancelled:
		return "Cancelled"
	case KindSystemTime:
		return "SystemTime"
	default:
		return "Internal"
	}
}

// Error wraps Kind with a message and optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, mmerr.KindReplay) style checks by comparing Kind
// when the target is itself a *Error with no cause set (a Kind sentinel).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New builds a *Error of kind with msg, optionally wrapping cause.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Sentinel returns a bare *Error usable as an errors.Is target for kind.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }
