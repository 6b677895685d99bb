package cabinet

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrKeyExists     = errors.New("record already exists")
	ErrTypeMismatch  = errors.New("key type mismatch")
	ErrInvalidState  = errors.New("invalid state")
	ErrCorruptRecord = errors.New("corrupt record")
	ErrIO            = errors.New("i/o failure")
	ErrConfig        = errors.New("invalid configuration")
)

var (
	ErrNotOpen     = fmt.Errorf("%w: database is not open", ErrInvalidState)
	ErrAlreadyOpen = fmt.Errorf("%w: database is already open", ErrInvalidState)
	ErrReadOnly    = fmt.Errorf("%w: database is opened read-only", ErrInvalidState)
	ErrLocked      = fmt.Errorf("%w: database file is locked by another handle", ErrInvalidState)
	ErrFatal       = fmt.Errorf("%w: database is in a fatal state after a failed rollback", ErrInvalidState)
	ErrTranActive  = fmt.Errorf("%w: transaction already active", ErrInvalidState)
	ErrNoTran      = fmt.Errorf("%w: no active transaction", ErrInvalidState)
)

// ErrorKind classifies the errors returned by the stores, so that a binding
// layer can map them onto its own error types.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNotFound
	KindKeyExists
	KindTypeMismatch
	KindInvalidState
	KindCorruptRecord
	KindIO
	KindConfig
	KindUnknown
)

var kindNames = [...]string{
	KindNone:          "none",
	KindNotFound:      "not_found",
	KindKeyExists:     "key_exists",
	KindTypeMismatch:  "type_mismatch",
	KindInvalidState:  "invalid_state",
	KindCorruptRecord: "corrupt_record",
	KindIO:            "io",
	KindConfig:        "config",
	KindUnknown:       "unknown",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return kindNames[k]
}

// KindOf returns the kind of err. Kinds are checked in order of specificity,
// so an I/O failure that happened while decoding is reported as KindIO.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrIO):
		return KindIO
	case errors.Is(err, ErrCorruptRecord):
		return KindCorruptRecord
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrKeyExists):
		return KindKeyExists
	case errors.Is(err, ErrTypeMismatch):
		return KindTypeMismatch
	case errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	default:
		return KindUnknown
	}
}

// IOError marks err as an I/O failure, keeping the original error reachable
// through errors.Is (so fs.ErrNotExist still matches).
func IOError(err error) error {
	if err == nil || errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

// OpError describes a failed operation on a store.
type OpError struct {
	Op   string
	Path string
	Key  []byte
	Msg  string
	Err  error
}

// WrapOp returns nil if err is nil, and an *OpError otherwise. Errors that are
// already an *OpError are returned as is.
func WrapOp(op, path string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Path: path, Key: key, Err: err}
}

func OpErrorf(op, path string, key []byte, err error, format string, args ...any) error {
	return &OpError{Op: op, Path: path, Key: key, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Op)
	if e.Path != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Path)
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(printableKey(e.Key))
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// DataError reports undecodable bytes read from a database file. It always
// matches ErrCorruptRecord.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func DataErrorf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Is(target error) bool {
	return target == ErrCorruptRecord
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}
