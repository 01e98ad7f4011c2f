// Package client implements the chat client façade: one authenticated
// connection exposing login, send, and a FIFO stream of message and
// user-list events to the terminal front end.
package client

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/oldschool/crypto"
	"github.com/opd-ai/oldschool/queue"
	"github.com/opd-ai/oldschool/transport"
)

// Event is a message or user-list update delivered by Receive, in arrival
// order.
type Event interface {
	event()
}

// MessageEvent carries one relayed chat message.
type MessageEvent struct {
	Sender string
	Text   string
}

func (MessageEvent) event() {}

// UserListEvent carries the display names of the other connected members.
type UserListEvent struct {
	Names []string
}

func (UserListEvent) event() {}

// LoginResult is the server's verdict on one password attempt.
type LoginResult int

const (
	LoginCorrect LoginResult = iota
	LoginIncorrect
)

var (
	// ErrNotAuthenticated is returned by Send before login completes.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrConnectionLost is returned once the connection is gone.
	ErrConnectionLost = errors.New("connection lost")
)

// Client state machine (initiating side):
// Connected -> KeyExchanged -> {AwaitingPassword -> Authenticated}
//           -> UsernameNegotiated -> Active -> Terminated.
//
// Two long-lived activities service the connection besides its reader: a
// worker that performs every payload receive and handshake response, and a
// writer that drains the outbound message queue one round trip at a time.
type Client struct {
	tc       *transport.Conn
	key      *crypto.Key
	userName string
	log      *logrus.Entry

	jobs         *queue.Queue[transport.Code]
	events       *queue.Queue[Event]
	outbound     *queue.Queue[string]
	loginResults *queue.Queue[transport.Code]

	pwOnce     sync.Once
	pwGate     chan struct{}
	pwRequired bool // valid once pwGate is closed

	authed     atomic.Bool
	authedGate chan struct{}
	authedOnce sync.Once
	failedGate chan struct{}
	failedOnce sync.Once

	echo chan struct{}
}

// Dial connects to a server, generates the session key, and starts the
// connection's activities. Authentication continues in the background:
// IsLoginRequired and Login drive the password phase, and the username is
// submitted automatically when the server asks for it.
func Dial(addr, userName string) (*Client, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		tc:           transport.NewConn(nc, "client"),
		key:          key,
		userName:     userName,
		log:          logrus.WithField("component", "client"),
		jobs:         queue.New[transport.Code]("client.jobs"),
		events:       queue.New[Event]("client.events"),
		outbound:     queue.New[string]("client.outbound"),
		loginResults: queue.New[transport.Code]("client.loginResults"),
		pwGate:       make(chan struct{}),
		authedGate:   make(chan struct{}),
		failedGate:   make(chan struct{}),
		echo:         make(chan struct{}, 1),
	}
	c.registerHandlers()
	c.tc.OnClose(func() {
		c.jobs.Close()
		c.events.Close()
		c.outbound.Close()
		c.loginResults.Close()
	})

	c.tc.Start()
	go c.worker()
	go c.writer()

	c.log.WithFields(logrus.Fields{
		"function": "Dial",
		"addr":     addr,
		"user":     userName,
	}).Info("Connected")
	return c, nil
}

// registerHandlers wires the demultiplexing reader. State codes flip gates
// right on the reader; every code that needs a payload exchange is handed to
// the worker so the reader never blocks.
func (c *Client) registerHandlers() {
	state := map[transport.Code]transport.Handler{
		transport.CodePasswordRequired: func(_ *transport.Conn, _ transport.Code) {
			c.pwOnce.Do(func() {
				c.pwRequired = true
				close(c.pwGate)
			})
		},
		transport.CodePasswordNotRequired: func(_ *transport.Conn, _ transport.Code) {
			c.pwOnce.Do(func() {
				c.pwRequired = false
				close(c.pwGate)
			})
		},
		transport.CodeCorrectPassword: func(_ *transport.Conn, code transport.Code) {
			c.loginResults.Push(code)
		},
		transport.CodeIncorrectPassword: func(_ *transport.Conn, code transport.Code) {
			c.loginResults.Push(code)
		},
		transport.CodeUserNameOK: func(_ *transport.Conn, _ transport.Code) {
			c.log.WithField("function", "registerHandlers").Debug("User name accepted")
		},
		transport.CodeUserNameBad: func(_ *transport.Conn, _ transport.Code) {
			c.log.WithField("function", "registerHandlers").Warn("User name rejected")
		},
		transport.CodeLoginOK: func(_ *transport.Conn, _ transport.Code) {
			c.authed.Store(true)
			c.authedOnce.Do(func() { close(c.authedGate) })
		},
		transport.CodeLoginFailed: func(_ *transport.Conn, _ transport.Code) {
			c.failedOnce.Do(func() { close(c.failedGate) })
		},
	}
	for code, h := range state {
		c.tc.RegisterHandler(code, h)
	}

	handoff := func(_ *transport.Conn, code transport.Code) {
		c.jobs.Push(code)
	}
	for _, code := range []transport.Code{
		transport.CodeKey,
		transport.CodeUserName,
		transport.CodeMessage,
		transport.CodeUsers,
		transport.CodeTerminate,
	} {
		c.tc.RegisterHandler(code, handoff)
	}
}

// worker is the client's inbound activity: it performs the payload side of
// every control code in arrival order.
func (c *Client) worker() {
	for {
		code, err := c.jobs.Pop()
		if err != nil {
			return
		}
		switch code {
		case transport.CodeKey:
			c.sendKey()
		case transport.CodeUserName:
			c.sendUserName()
		case transport.CodeMessage:
			c.recvMessage()
		case transport.CodeUsers:
			c.recvUserList()
		case transport.CodeTerminate:
			c.recvTermination()
			return
		}
	}
}

// sendKey answers the server's key request with the serialized key block,
// in the clear, then activates the cipher for everything that follows.
func (c *Client) sendKey() {
	if err := c.tc.SendPayload(c.key.Serialize()); err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "sendKey",
			"error":    err,
		}).Error("Failed to send session key")
		c.tc.Close()
		return
	}
	c.tc.ActivateKey(c.key)
	c.log.WithField("function", "sendKey").Info("Session key sent")
}

func (c *Client) sendUserName() {
	if err := c.tc.SendPayload([]byte(c.userName)); err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "sendUserName",
			"error":    err,
		}).Error("Failed to send user name")
		c.tc.Close()
	}
}

// recvMessage receives one relayed message and emits it as an event. Seeing
// our own name come back completes the round trip of an outbound send and
// releases the writer for the next one.
func (c *Client) recvMessage() {
	raw, err := c.tc.RecvPayload()
	if err != nil {
		c.tc.Close()
		return
	}
	sender, text, err := transport.ParseMessage(raw)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "recvMessage",
			"error":    err,
		}).Warn("Malformed message payload")
		return
	}
	c.events.Push(MessageEvent{Sender: sender, Text: text})
	if sender == c.userName {
		select {
		case c.echo <- struct{}{}:
		default:
		}
	}
}

func (c *Client) recvUserList() {
	raw, err := c.tc.RecvPayload()
	if err != nil {
		c.tc.Close()
		return
	}
	names, err := transport.ParseUserList(raw)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "recvUserList",
			"error":    err,
		}).Warn("Malformed user list payload")
		return
	}
	c.events.Push(UserListEvent{Names: names})
}

func (c *Client) recvTermination() {
	reason, err := c.tc.RecvPayload()
	if err == nil {
		c.log.WithFields(logrus.Fields{
			"function": "recvTermination",
			"reason":   string(reason),
		}).Warn("Terminated by server")
	}
	c.tc.Close()
}

// writer drains the outbound queue with a single-in-flight policy: each
// message waits for its own echo before the next one goes out, so sends
// queue rather than interleave.
func (c *Client) writer() {
	for {
		text, err := c.outbound.Pop()
		if err != nil {
			return
		}
		if err := c.tc.Send(transport.CodeMessage, []byte(text)); err != nil {
			c.log.WithFields(logrus.Fields{
				"function": "writer",
				"error":    err,
			}).Error("Failed to send message")
			c.tc.Close()
			return
		}
		select {
		case <-c.echo:
		case <-c.tc.Closed():
			return
		}
	}
}

// IsLoginRequired blocks until the server's first password-phase response
// arrives. A connection lost before then counts as not requiring one.
func (c *Client) IsLoginRequired() bool {
	select {
	case <-c.pwGate:
		return c.pwRequired
	case <-c.tc.Closed():
		return false
	}
}

// Login submits one password attempt and blocks for the verdict. A password
// that fails local validation is reported as incorrect without touching the
// network, mirroring the server's policy.
func (c *Client) Login(password string) (LoginResult, error) {
	if err := transport.ValidatePassword(password); err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "Login",
			"error":    err,
		}).Warn("Password rejected locally")
		return LoginIncorrect, nil
	}
	if err := c.tc.SendPayload([]byte(password)); err != nil {
		return LoginIncorrect, ErrConnectionLost
	}
	code, err := c.loginResults.Pop()
	if err != nil {
		return LoginIncorrect, ErrConnectionLost
	}
	if code == transport.CodeCorrectPassword {
		return LoginCorrect, nil
	}
	return LoginIncorrect, nil
}

// WaitAuthenticated blocks until the whole login sequence (password and
// username) has succeeded, failed, or timed out.
func (c *Client) WaitAuthenticated(timeout time.Duration) bool {
	select {
	case <-c.authedGate:
		return true
	case <-c.failedGate:
		return false
	case <-c.tc.Closed():
		return false
	case <-time.After(timeout):
		return false
	}
}

// Send enqueues one chat message. Messages go out strictly one round trip
// at a time; a second Send before the first completes queues behind it.
func (c *Client) Send(text string) error {
	if !c.authed.Load() {
		return ErrNotAuthenticated
	}
	if err := transport.ValidateMessage(text); err != nil {
		return err
	}
	c.outbound.Push(text)
	return nil
}

// Receive blocks for the next event in arrival order.
func (c *Client) Receive() (Event, error) {
	ev, err := c.events.Pop()
	if err != nil {
		return nil, ErrConnectionLost
	}
	return ev, nil
}

// UserName reports the display name this client was created with.
func (c *Client) UserName() string {
	return c.userName
}

// Terminate announces the shutdown to the server and closes the connection.
func (c *Client) Terminate() {
	c.tc.Terminate("client terminated")
}
