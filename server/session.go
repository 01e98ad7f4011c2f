package server

import (
	"bytes"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/oldschool/crypto"
	"github.com/opd-ai/oldschool/transport"
)

// Connection state machine (server side):
// Connected -> KeyExchanged -> {AwaitingPassword -> Authenticated | Rejected}
//           -> UsernameNegotiated -> Active -> Terminated.

// maxPasswordFailures is how many wrong passwords a connection gets before
// it is rejected for good.
const maxPasswordFailures = 3

// authenticate walks a freshly accepted connection through key exchange,
// the password gate, and username negotiation. On success the connection
// becomes broadcast-eligible; every failure path terminates it.
func (s *Server) authenticate(c *conn) {
	if err := s.exchangeKey(c); err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "authenticate",
			"error":    err,
		}).Warn("Key exchange failed")
		s.terminate(c, "key exchange failed")
		return
	}

	ok, err := s.checkPassword(c)
	if err != nil {
		s.terminate(c, "connection lost during login")
		return
	}
	if !ok {
		// checkPassword already announced the rejection.
		s.terminate(c, "3 failed login attempts")
		return
	}

	s.negotiateUserName(c)
}

// exchangeKey requests the client's session key and activates it. The key
// block itself travels in the clear; everything after this step is encoded.
func (s *Server) exchangeKey(c *conn) error {
	if err := c.tc.SendCode(transport.CodeKey); err != nil {
		return err
	}
	block, err := c.tc.RecvPayload()
	if err != nil {
		return err
	}
	key, err := crypto.ParseKey(block)
	if err != nil {
		return err
	}
	c.tc.ActivateKey(key)
	c.log.WithField("function", "exchangeKey").Info("Session key established")
	return nil
}

// checkPassword runs the password gate: up to maxPasswordFailures attempts,
// each wrong one answered only after the anti-brute-force delay. Returns
// false once the attempts are exhausted; the caller terminates.
func (s *Server) checkPassword(c *conn) (bool, error) {
	if s.opts.Password == "" {
		return true, c.tc.SendCode(transport.CodePasswordNotRequired)
	}

	if err := c.tc.SendCode(transport.CodePasswordRequired); err != nil {
		return false, err
	}

	for fails := 0; fails < maxPasswordFailures; {
		password, err := c.tc.RecvPayload()
		if err != nil {
			return false, err
		}
		if bytes.Equal(password, []byte(s.opts.Password)) {
			c.log.WithField("function", "checkPassword").Info("Password accepted")
			return true, c.tc.SendCode(transport.CodeCorrectPassword)
		}

		fails++
		c.log.WithFields(logrus.Fields{
			"function": "checkPassword",
			"failures": fails,
		}).Warn("Incorrect password")

		time.Sleep(s.opts.FailDelay)
		if err := c.tc.SendCode(transport.CodeIncorrectPassword); err != nil {
			return false, err
		}
		if fails == maxPasswordFailures {
			return false, c.tc.SendCode(transport.CodeLoginFailed)
		}
	}
	return false, nil
}

// negotiateUserName requests and validates the display name, then assigns
// the connection its identity and makes it broadcast-eligible.
func (s *Server) negotiateUserName(c *conn) {
	if err := c.tc.SendCode(transport.CodeUserName); err != nil {
		s.terminate(c, "connection lost during login")
		return
	}
	raw, err := c.tc.RecvPayload()
	if err != nil {
		s.terminate(c, "connection lost during login")
		return
	}

	if err := transport.ValidateUserName(raw); err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "negotiateUserName",
			"error":    err,
		}).Warn("Inappropriate user name")
		if err := c.tc.SendCode(transport.CodeUserNameBad); err == nil {
			s.terminate(c, "inappropriate user name")
		} else {
			c.tc.Close()
		}
		return
	}

	// The registry entry must exist before LoginOK goes out: a client may
	// send its first message the instant it sees the code. A failed send
	// below closes the connection, and the close callback removes the entry.
	s.mu.Lock()
	c.name = transport.PadName(string(raw))
	c.id = s.nextID
	s.nextID++
	c.authed = true
	s.authed = append(s.authed, c)
	s.mu.Unlock()

	if err := c.tc.SendCode(transport.CodeUserNameOK); err != nil {
		c.tc.Close()
		return
	}
	if err := c.tc.SendCode(transport.CodeLoginOK); err != nil {
		c.tc.Close()
		return
	}

	c.log.WithFields(logrus.Fields{
		"function": "negotiateUserName",
		"name":     string(raw),
		"id":       c.id,
	}).Info("Client authenticated")

	s.signalMembership()
}
