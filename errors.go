package clapsql

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTableNotFound    = errors.New("table not found")
	ErrSubTableNotFound = errors.New("sub-table not found")
	ErrRowNotFound      = errors.New("row not found")
	ErrInvalidTable     = errors.New("invalid table name")
	ErrTableNotEmpty    = errors.New("table directory holds foreign files")
	ErrSchedulerClosed  = errors.New("scheduler closed")
	ErrKeyChanged       = errors.New("operation changed the row key")
)

// ErrorKind classifies failures reported by the store and the batch layer.
type ErrorKind int

const (
	// KindStructural means a table, sub-table or row does not exist.
	KindStructural ErrorKind = iota + 1
	// KindIO means reading or rewriting a file failed.
	KindIO
	// KindCodec means a row could not be encoded or decoded.
	KindCodec
	// KindTask means a batch task body failed or panicked.
	KindTask
)

func (k ErrorKind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindIO:
		return "io"
	case KindCodec:
		return "codec"
	case KindTask:
		return "task"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Error struct {
	Kind  ErrorKind
	Op    string
	Table string
	Path  string
	Key   string
	Msg   string
	Err   error
}

func tableErrf(kind ErrorKind, op, table, path, key string, err error, format string, args ...any) error {
	var msg string
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Table: table, Path: path, Key: key, Msg: msg, Err: err}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	var buf strings.Builder
	if e.Op != "" {
		buf.WriteString(e.Op)
		buf.WriteByte(' ')
	}
	buf.WriteString(e.Table)
	if e.Path != "" {
		buf.WriteByte('[')
		buf.WriteString(e.Path)
		buf.WriteByte(']')
	}
	if e.Key != "" {
		buf.WriteByte('/')
		buf.WriteString(e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsNotFound reports whether err means a missing table, sub-table or row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTableNotFound) || errors.Is(err, ErrSubTableNotFound) || errors.Is(err, ErrRowNotFound)
}

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %q", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %q", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %q...%q", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %q...%q", e.Msg, n, p, s)
		}
	}
}
