package socks5

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNoAcceptableMethods is returned by Handshake when the client does
	// not offer "no authentication required".
	ErrNoAcceptableMethods = errors.New("no acceptable authentication method")

	// ErrConnClosed is returned when the peer closes the stream before a
	// complete frame has been read.
	ErrConnClosed = errors.New("connection closed")
)

// UnsupportedVersionError reports a frame whose version byte is not 5. The
// protocol defines no reply for it, so the connection is closed silently.
type UnsupportedVersionError byte

func (v UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported SOCKS version: %#02x", byte(v))
}

func (UnsupportedVersionError) Is(target error) bool {
	return target == errors.ErrUnsupported
}

// ReplyError is a request failure that has a reply code to send back to the
// client before closing.
type ReplyError struct {
	Code ReplyCode
	Err  error
}

func (e *ReplyError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}

// ReplyFor returns the reply code carried by err, if any.
func ReplyFor(err error) (ReplyCode, bool) {
	var re *ReplyError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return 0, false
}

func replyError(code ReplyCode, format string, args ...any) error {
	return &ReplyError{Code: code, Err: fmt.Errorf(format, args...)}
}

// readFull is io.ReadFull with a premature end of stream reported as
// ErrConnClosed.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %w", ErrConnClosed, err)
		}
		return err
	}
	return nil
}
