package client

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/oldschool/queue"
	"github.com/opd-ai/oldschool/transport"
)

func TestSendRequiresAuthentication(t *testing.T) {
	c := &Client{outbound: queue.New[string]("test.outbound")}
	assert.ErrorIs(t, c.Send("hello"), ErrNotAuthenticated)
	assert.Equal(t, 0, c.outbound.Len())
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	c := &Client{outbound: queue.New[string]("test.outbound")}
	c.authed.Store(true)

	assert.NoError(t, c.Send(strings.Repeat("a", transport.MaxMessageLen)))
	assert.ErrorIs(t, c.Send(strings.Repeat("a", transport.MaxMessageLen+1)), transport.ErrMessageTooLong)
	assert.Equal(t, 1, c.outbound.Len())
}
