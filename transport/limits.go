package transport

import (
	"errors"
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"
)

// Protocol sizes and limits shared by both ends of a connection.
const (
	// DefaultPort is the TCP port the server listens on when none is given.
	DefaultPort = 31415

	// ChunkSize is the maximum payload slice carried by one Data unit.
	ChunkSize = 256

	// DigestSize is the width of the per-chunk integrity digest.
	DigestSize = 16

	// lengthSize is the wire width of a DataLength unit.
	lengthSize = 8

	// ackSize is the wire width of an Ack token.
	ackSize = 2

	// chunkSizePrefix is the wire width of the explicit size carried by a
	// Data unit so the reader can frame chunks from a byte stream.
	chunkSizePrefix = 2

	// MaxUserNameLen is the fixed width display names are padded to.
	MaxUserNameLen = 16

	// MaxPasswordLen bounds the login password.
	MaxPasswordLen = 64

	// MaxMessageLen bounds a single chat message.
	MaxMessageLen = 2048

	// MaxReasonLen bounds a termination reason.
	MaxReasonLen = 1024

	// AcceptTimeout bounds one blocking Accept so the loop can re-check
	// for shutdown; hitting it is not an error.
	AcceptTimeout = 45 * time.Second
)

// Ack tokens. Any other 2-byte value is treated as a rejection.
var (
	ackOK = []byte("ok")
	ackNo = []byte("no")
)

var (
	// ErrNameEmpty indicates an empty display name.
	ErrNameEmpty = errors.New("user name is empty")

	// ErrNameTooLong indicates a display name over MaxUserNameLen bytes.
	ErrNameTooLong = errors.New("user name too long")

	// ErrNameInvalid indicates a display name with control characters, a
	// backslash, or bytes that are not valid UTF-8.
	ErrNameInvalid = errors.New("user name contains invalid characters")

	// ErrMessageTooLong indicates a chat message over MaxMessageLen bytes.
	ErrMessageTooLong = errors.New("message too long")

	// ErrPasswordInvalid indicates a password that is too long or contains
	// the reserved escape character.
	ErrPasswordInvalid = errors.New("password invalid")
)

// ValidateUserName checks a raw display name as received off the wire:
// non-empty, valid UTF-8, at most MaxUserNameLen bytes, and free of control
// characters and the reserved escape character.
func ValidateUserName(name []byte) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxUserNameLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrNameTooLong, len(name), MaxUserNameLen)
	}
	if !utf8.Valid(name) {
		return fmt.Errorf("%w: not valid UTF-8", ErrNameInvalid)
	}
	for _, r := range string(name) {
		if unicode.IsControl(r) || r == '\\' {
			return fmt.Errorf("%w: %q", ErrNameInvalid, r)
		}
	}
	return nil
}

// ValidateMessage bounds an outbound chat message.
func ValidateMessage(text string) error {
	if len(text) > MaxMessageLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrMessageTooLong, len(text), MaxMessageLen)
	}
	return nil
}

// ValidatePassword checks a password before it is sent: at most
// MaxPasswordLen bytes and free of the reserved escape character.
func ValidatePassword(password string) error {
	if len(password) > MaxPasswordLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPasswordInvalid, len(password), MaxPasswordLen)
	}
	for _, r := range password {
		if unicode.IsControl(r) || r == '\\' {
			return fmt.Errorf("%w: contains %q", ErrPasswordInvalid, r)
		}
	}
	return nil
}
