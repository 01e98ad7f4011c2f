package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadName(t *testing.T) {
	assert.Equal(t, "alice           ", PadName("alice"))
	assert.Len(t, PadName("alice"), MaxUserNameLen)
	assert.Equal(t, "abcdefghijklmnop", PadName("abcdefghijklmnop"))
}

func TestMessageRoundTrip(t *testing.T) {
	payload := FormatMessage([]byte("hello there"), PadName("alice"))

	sender, text, err := ParseMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, "alice", sender)
	assert.Equal(t, "hello there", text)
}

func TestParseMessageMalformed(t *testing.T) {
	_, _, err := ParseMessage(nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, _, err = ParseMessage([]byte{16, 'a', 'b'})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestUserListRoundTrip(t *testing.T) {
	payload := FormatUserList([]string{PadName("alice"), PadName("bob")})

	names, err := ParseUserList(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, names)
}

func TestParseUserListMalformed(t *testing.T) {
	_, err := ParseUserList(nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseUserList([]byte{16, 'a'})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseUserList([]byte{0})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestParseUserListEmpty(t *testing.T) {
	names, err := ParseUserList(FormatUserList(nil))
	require.NoError(t, err)
	assert.Empty(t, names)
}
