// Package server implements the chat server: it accepts connections, walks
// each one through the key-exchange and authentication state machine, tracks
// the registry of live and authenticated members, and relays messages and
// user-list updates to everyone who has logged in.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/oldschool/queue"
	"github.com/opd-ai/oldschool/transport"
)

// Options configures a Server.
type Options struct {
	// Addr is the TCP listen address; defaults to ":31415".
	Addr string

	// Password protects the server when non-empty. Clients get three
	// attempts before the connection is terminated.
	Password string

	// AcceptTimeout bounds each blocking Accept so the loop can re-check
	// for shutdown. Defaults to transport.AcceptTimeout.
	AcceptTimeout time.Duration

	// FailDelay is how long the server waits before answering a wrong
	// password, slowing down brute force. Defaults to 3 seconds.
	FailDelay time.Duration
}

// Server owns the listening socket and the connection registry.
type Server struct {
	opts   Options
	ln     net.Listener
	log    *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*conn]struct{} // every live connection, authenticating or not
	authed []*conn            // broadcast-eligible members, in login order
	nextID int

	// jobs serializes all payload fan-out through one dispatcher, so every
	// client observes broadcasts in the same order.
	jobs       *queue.Queue[job]
	membership chan struct{}
	wg         sync.WaitGroup
}

// job asks the dispatcher to receive a payload from one member's connection.
type job struct {
	c    *conn
	code transport.Code
}

// conn is the server-side record of one accepted socket.
type conn struct {
	tc     *transport.Conn
	log    *logrus.Entry
	id     int
	name   string // padded to the fixed wire width
	authed bool
}

// New binds the listening socket. Run must be called to start serving.
func New(opts Options) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = fmt.Sprintf(":%d", transport.DefaultPort)
	}
	if opts.AcceptTimeout == 0 {
		opts.AcceptTimeout = transport.AcceptTimeout
	}
	if opts.FailDelay == 0 {
		opts.FailDelay = 3 * time.Second
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", opts.Addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:       opts,
		ln:         ln,
		log:        logrus.WithField("component", "server"),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[*conn]struct{}),
		jobs:       queue.New[job]("server.jobs"),
		membership: make(chan struct{}, 1),
	}
	return s, nil
}

// Addr reports the bound listen address, useful when Options.Addr asked for
// an ephemeral port.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Members reports the display names of the authenticated members, in login
// order.
func (s *Server) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.authed))
	for _, m := range s.authed {
		names = append(names, strings.TrimRight(m.name, " "))
	}
	return names
}

// Run serves until Shutdown. It blocks in the accept loop; the dispatcher
// and the user-list notifier run alongside it.
func (s *Server) Run() error {
	s.log.WithFields(logrus.Fields{
		"function": "Run",
		"addr":     s.Addr(),
		"password": s.opts.Password != "",
	}).Info("Server is ready and running")

	s.wg.Add(2)
	go s.dispatchLoop()
	go s.notifyLoop()

	return s.acceptLoop()
}

// Shutdown terminates every connection with the given reason and stops the
// accept loop.
func (s *Server) Shutdown(reason string) {
	s.log.WithFields(logrus.Fields{
		"function": "Shutdown",
		"reason":   reason,
	}).Info("Shutting down")

	s.cancel()
	s.ln.Close()
	s.jobs.Close()

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.tc.Terminate(reason)
	}
	s.wg.Wait()
}

// acceptLoop blocks on Accept with a bounded deadline so shutdown is
// noticed; a timeout is retried, not treated as an error.
func (s *Server) acceptLoop() error {
	tcpLn, _ := s.ln.(*net.TCPListener)
	for {
		if tcpLn != nil {
			if err := tcpLn.SetDeadline(time.Now().Add(s.opts.AcceptTimeout)); err != nil {
				return err
			}
		}
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(nc)
	}
}

// handle registers a freshly accepted socket and walks it through the
// authentication state machine. The connection joins the registry before the
// handshake so it can be terminated cleanly even mid-handshake.
func (s *Server) handle(nc net.Conn) {
	c := &conn{
		tc:  transport.NewConn(nc, nc.RemoteAddr().String()),
		log: s.log.WithField("peer", nc.RemoteAddr().String()),
	}
	c.log.WithField("function", "handle").Info("Connection accepted")

	c.tc.RegisterHandler(transport.CodeMessage, func(_ *transport.Conn, code transport.Code) {
		s.jobs.Push(job{c: c, code: code})
	})
	c.tc.RegisterHandler(transport.CodeTerminate, func(_ *transport.Conn, code transport.Code) {
		s.jobs.Push(job{c: c, code: code})
	})
	c.tc.OnClose(func() {
		s.drop(c)
	})

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.tc.Start()
	s.authenticate(c)
}

// terminate announces a reason to the peer and closes; deregistration runs
// through the connection's close callback.
func (s *Server) terminate(c *conn, reason string) {
	c.log.WithFields(logrus.Fields{
		"function": "terminate",
		"reason":   reason,
	}).Warn("Terminating connection")
	c.tc.Terminate(reason)
}

// drop removes a connection from the registry. Fired exactly once per
// connection via the transport close callback; a membership change for an
// authenticated member wakes the user-list notifier.
func (s *Server) drop(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	wasAuthed := c.authed
	if wasAuthed {
		c.authed = false
		for i, m := range s.authed {
			if m == c {
				s.authed = append(s.authed[:i], s.authed[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	c.log.WithField("function", "drop").Info("Connection removed from registry")
	if wasAuthed {
		s.signalMembership()
	}
}

func (s *Server) signalMembership() {
	select {
	case s.membership <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single broadcast dispatcher: it performs every payload
// receive triggered by a member's control code and every fan-out, which
// serializes broadcast order server-wide.
func (s *Server) dispatchLoop() {
	defer s.wg.Done()
	for {
		j, err := s.jobs.Pop()
		if err != nil {
			return
		}
		switch j.code {
		case transport.CodeMessage:
			s.relayMessage(j.c)
		case transport.CodeTerminate:
			s.peerTerminated(j.c)
		}
	}
}

// relayMessage receives one chat message from a member, prepends the
// sender's display name, and broadcasts it to every authenticated member,
// the sender included.
func (s *Server) relayMessage(c *conn) {
	msg, err := c.tc.RecvPayload()
	if err != nil {
		s.terminate(c, "failed to receive message")
		return
	}

	s.mu.Lock()
	authed, sender := c.authed, c.name
	s.mu.Unlock()
	if !authed {
		c.log.WithField("function", "relayMessage").Warn("Message from unauthenticated connection dropped")
		return
	}
	// The honest client enforces this bound before sending; a modified one
	// does not get to broadcast arbitrarily large payloads.
	if err := transport.ValidateMessage(string(msg)); err != nil {
		s.terminate(c, "message too long")
		return
	}
	c.log.WithFields(logrus.Fields{
		"function": "relayMessage",
		"sender":   sender,
		"size":     len(msg),
	}).Info("Relaying message")

	s.broadcast(transport.CodeMessage, transport.FormatMessage(msg, sender))
}

// peerTerminated consumes the reason payload of a client-initiated
// termination and closes the connection.
func (s *Server) peerTerminated(c *conn) {
	reason, err := c.tc.RecvPayload()
	if err == nil {
		c.log.WithFields(logrus.Fields{
			"function": "peerTerminated",
			"reason":   string(reason),
		}).Info("Peer terminated connection")
	}
	c.tc.Close()
}

// broadcast delivers a code plus payload to every authenticated member. A
// failure to deliver to one recipient terminates only that connection.
func (s *Server) broadcast(code transport.Code, payload []byte) {
	s.mu.Lock()
	members := make([]*conn, len(s.authed))
	copy(members, s.authed)
	s.mu.Unlock()

	for _, m := range members {
		if err := m.tc.Send(code, payload); err != nil {
			m.log.WithFields(logrus.Fields{
				"function": "broadcast",
				"error":    err,
			}).Warn("Delivery failed")
			s.terminate(m, "delivery failed")
		}
	}
}

// notifyLoop pushes a recomputed user list to every authenticated member
// whenever membership changes. It sleeps on the membership signal rather
// than polling snapshots.
func (s *Server) notifyLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.membership:
		}

		s.mu.Lock()
		members := make([]*conn, len(s.authed))
		copy(members, s.authed)
		s.mu.Unlock()

		s.log.WithFields(logrus.Fields{
			"function": "notifyLoop",
			"members":  len(members),
		}).Debug("Sending user lists")

		for _, m := range members {
			others := make([]string, 0, len(members)-1)
			for _, o := range members {
				if o.id != m.id {
					others = append(others, o.name)
				}
			}
			// An empty list still goes out: the last member left behind
			// learns the room emptied.
			if err := m.tc.Send(transport.CodeUsers, transport.FormatUserList(others)); err != nil {
				s.terminate(m, "delivery failed")
			}
		}
	}
}
