package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckWidth(t *testing.T) {
	tests := []struct {
		name    string
		code    Code
		wantErr bool
	}{
		{"lowest protocol code", CodePasswordRequired, false},
		{"highest protocol code", CodeAck, false},
		{"top of 24-bit range", 0xffffff, false},
		{"bottom of 24-bit range", 0x800000, false},
		{"only 23 bits", 0x7fffff, true},
		{"zero", 0, true},
		{"25 bits", 0x1000000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkWidth(tt.code)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrCodeWidth)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "Message", CodeMessage.String())
	assert.Equal(t, "Ack", CodeAck.String())
	assert.Equal(t, "Code(0x123456)", Code(0x123456).String())
}

func TestValidateUserName(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"simple", []byte("alice"), nil},
		{"exactly max length", []byte("abcdefghijklmnop"), nil},
		{"one over max", []byte("abcdefghijklmnopq"), ErrNameTooLong},
		{"empty", []byte{}, ErrNameEmpty},
		{"escape character", []byte(`al\ice`), ErrNameInvalid},
		{"control character", []byte("al\tice"), ErrNameInvalid},
		{"newline", []byte("alice\n"), ErrNameInvalid},
		{"invalid utf8", []byte{0xff, 0xfe}, ErrNameInvalid},
		{"unicode ok", []byte("kullanıcı"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserName(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	long := make([]byte, MaxPasswordLen+1)
	for i := range long {
		long[i] = 'a'
	}

	assert.NoError(t, ValidatePassword("hunter2"))
	assert.NoError(t, ValidatePassword(""))
	assert.ErrorIs(t, ValidatePassword(string(long)), ErrPasswordInvalid)
	assert.ErrorIs(t, ValidatePassword(`pass\word`), ErrPasswordInvalid)
}

func TestValidateMessage(t *testing.T) {
	long := make([]byte, MaxMessageLen+1)
	assert.NoError(t, ValidateMessage("hello"))
	assert.ErrorIs(t, ValidateMessage(string(long)), ErrMessageTooLong)
}
