package transport

import (
	"errors"
	"fmt"
)

// Code identifies the meaning of the next protocol unit. Codes occupy
// exactly 24 bits on the wire, little-endian, and are drawn from one
// reserved numeric namespace shared by client and server.
type Code uint32

// Wire codes. The numeric values are stable within a deployment; client and
// server must be built from the same protocol version.
const (
	CodePasswordRequired    Code = 0xfff000
	CodePasswordNotRequired Code = 0xfff001
	CodeCorrectPassword     Code = 0xfff002
	CodeIncorrectPassword   Code = 0xfff003
	CodeUserName            Code = 0xfff004
	CodeUserNameOK          Code = 0xfff005
	CodeUserNameBad         Code = 0xfff006
	CodeMessage             Code = 0xfff007
	CodeTerminate           Code = 0xfff008
	CodeLoginOK             Code = 0xfff009
	CodeLoginFailed         Code = 0xfff00a
	CodeKey                 Code = 0xfff00b
	CodeUsers               Code = 0xfff00c
	CodeDataLength          Code = 0xfff00d
	CodeHash                Code = 0xfff00e
	CodeData                Code = 0xfff00f
	CodeAck                 Code = 0xfff010
)

// codeSize is the fixed wire width of a control code in bytes.
const codeSize = 3

// ErrCodeWidth indicates an attempt to send a code that does not occupy
// exactly 24 bits. This is a protocol-construction error by the caller, not
// a network fault.
var ErrCodeWidth = errors.New("control code does not fit the 24-bit wire width")

// checkWidth rejects codes whose bit length is not exactly codeSize*8.
func checkWidth(code Code) error {
	if code < 1<<(codeSize*8-1) || code > 1<<(codeSize*8)-1 {
		return fmt.Errorf("%w: %#x", ErrCodeWidth, uint32(code))
	}
	return nil
}

// String names known codes for logging.
func (c Code) String() string {
	switch c {
	case CodePasswordRequired:
		return "PasswordRequired"
	case CodePasswordNotRequired:
		return "PasswordNotRequired"
	case CodeCorrectPassword:
		return "CorrectPassword"
	case CodeIncorrectPassword:
		return "IncorrectPassword"
	case CodeUserName:
		return "UserName"
	case CodeUserNameOK:
		return "UserNameOK"
	case CodeUserNameBad:
		return "UserNameBad"
	case CodeMessage:
		return "Message"
	case CodeTerminate:
		return "Terminate"
	case CodeLoginOK:
		return "LoginOK"
	case CodeLoginFailed:
		return "LoginFailed"
	case CodeKey:
		return "Key"
	case CodeUsers:
		return "Users"
	case CodeDataLength:
		return "DataLength"
	case CodeHash:
		return "Hash"
	case CodeData:
		return "Data"
	case CodeAck:
		return "Ack"
	default:
		return fmt.Sprintf("Code(%#x)", uint32(c))
	}
}
