package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPayload indicates a message or user-list payload that does not
// match the fixed-width layout.
var ErrMalformedPayload = errors.New("malformed payload")

// PadName right-pads a display name to the fixed MaxUserNameLen width used
// on the wire.
func PadName(name string) string {
	if len(name) >= MaxUserNameLen {
		return name[:MaxUserNameLen]
	}
	return name + strings.Repeat(" ", MaxUserNameLen-len(name))
}

// FormatMessage builds a relayed chat message payload: one byte carrying the
// name field width, the padded sender name, then the message text.
func FormatMessage(text []byte, paddedSender string) []byte {
	out := make([]byte, 0, 1+MaxUserNameLen+len(text))
	out = append(out, byte(MaxUserNameLen))
	out = append(out, paddedSender...)
	out = append(out, text...)
	return out
}

// ParseMessage splits a relayed chat message payload into the sender's
// display name (padding stripped) and the message text.
func ParseMessage(payload []byte) (sender, text string, err error) {
	if len(payload) < 1 {
		return "", "", fmt.Errorf("%w: empty message", ErrMalformedPayload)
	}
	width := int(payload[0])
	if len(payload) < 1+width {
		return "", "", fmt.Errorf("%w: message shorter than its name field", ErrMalformedPayload)
	}
	sender = strings.TrimRight(string(payload[1:1+width]), " ")
	text = string(payload[1+width:])
	return sender, text, nil
}

// FormatUserList builds a user-list payload: one byte carrying the name
// field width, then each member's padded display name in order.
func FormatUserList(paddedNames []string) []byte {
	out := make([]byte, 0, 1+len(paddedNames)*MaxUserNameLen)
	out = append(out, byte(MaxUserNameLen))
	for _, name := range paddedNames {
		out = append(out, name...)
	}
	return out
}

// ParseUserList splits a user-list payload into display names with padding
// stripped.
func ParseUserList(payload []byte) ([]string, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty user list", ErrMalformedPayload)
	}
	width := int(payload[0])
	if width == 0 || (len(payload)-1)%width != 0 {
		return nil, fmt.Errorf("%w: user list not a multiple of the name width", ErrMalformedPayload)
	}
	names := make([]string, 0, (len(payload)-1)/width)
	for off := 1; off < len(payload); off += width {
		names = append(names, strings.TrimRight(string(payload[off:off+width]), " "))
	}
	return names, nil
}
