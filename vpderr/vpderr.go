// Package vpderr defines the typed error kinds shared by every VPD
// component. Callers branch on Kind with errors.As rather than matching
// error strings, the way the teacher's ebpf package exposes a single
// sentinel (ErrNotSupported) for callers to check with errors.Is.
package vpderr

import "fmt"

// Kind identifies the category of failure a VPD operation reported.
type Kind int

const (
	// KindTruncated means a read would advance past the end of the buffer.
	KindTruncated Kind = iota
	// KindMalformed means a required tag or sentinel was absent or out of place.
	KindMalformed
	// KindEccUncorrectable means the ECC check could not correct the region.
	KindEccUncorrectable
	// KindRecordNotFound means a named IPZ record does not exist in the blob.
	KindRecordNotFound
	// KindKeywordNotFound means a named keyword does not exist in its record.
	KindKeywordNotFound
	// KindInvalidArgument means the caller supplied a disallowed argument,
	// such as a write to a synthetic record or a zero-length value.
	KindInvalidArgument
	// KindDataException means a formula input fell outside its valid range,
	// or a checksum failed to verify.
	KindDataException
	// KindIO means the underlying byte stream failed.
	KindIO
)

// String renders the Kind the way it is named in spec prose, for log lines
// and error messages.
func (k Kind) String() string {
	switch k {
	case KindTruncated:
		return "TruncatedVpd"
	case KindMalformed:
		return "MalformedVpd"
	case KindEccUncorrectable:
		return "EccUncorrectable"
	case KindRecordNotFound:
		return "RecordNotFound"
	case KindKeywordNotFound:
		return "KeywordNotFound"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindDataException:
		return "DataException"
	case KindIO:
		return "IoError"
	default:
		return "Unknown"
	}
}

// Error is a typed, wrapped VPD failure. Op names the failing operation
// (e.g. "ipz.Parse", "keyword.WriteKeyword") so log lines and error
// messages can be traced back to the component that raised them.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op with the given kind, wrapping msg.
func New(op string, kind Kind, msg string) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf("%s", msg)}
}

// Wrap builds an *Error for op with the given kind, wrapping err.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err is a *Error of the given kind, anywhere in its
// wrap chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
