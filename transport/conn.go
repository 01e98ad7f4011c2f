package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/oldschool/crypto"
	"github.com/opd-ai/oldschool/queue"
)

// maxPayload bounds a single decoded transfer to keep a misbehaving peer
// from forcing an arbitrary allocation.
const maxPayload = 1 << 20

var (
	// ErrConnClosed is returned by operations on a connection that has been
	// closed or lost.
	ErrConnClosed = errors.New("connection closed")

	// ErrPayloadTooLarge indicates a DataLength announcing more than
	// maxPayload bytes.
	ErrPayloadTooLarge = errors.New("announced payload too large")

	// ErrChunkTooLarge indicates a Data unit claiming more than ChunkSize
	// bytes.
	ErrChunkTooLarge = errors.New("chunk exceeds maximum size")
)

// Handler consumes one control code on behalf of a connection owner.
//
// Handlers run on the connection's demultiplexing reader and therefore must
// not block and must not receive payloads themselves; anything that needs a
// payload hands the code off to a long-lived worker through a queue.
type Handler func(c *Conn, code Code)

// Conn wraps one reliable byte-stream connection with control-code framing,
// the chunked-transfer integrity protocol, and cipher integration.
//
// One payload may be in flight per direction at a time: SendPayload holds the
// send lock for the whole chunk/ack exchange, and RecvPayload holds the
// receive lock. Individual wire units from concurrent activities (for
// example an acknowledgement emitted while a payload send is waiting for its
// own acks) interleave safely because the peer's reader demultiplexes them
// by category.
type Conn struct {
	nc  net.Conn
	log *logrus.Entry

	wireMu sync.Mutex // guards one wire unit write
	sendMu sync.Mutex // guards one whole payload send
	recvMu sync.Mutex // guards one whole payload receive

	keyMu     sync.RWMutex
	key       *crypto.Key
	keyActive bool

	lengths *queue.Queue[uint64]
	digests *queue.Queue[[]byte]
	chunks  *queue.Queue[[]byte]
	acks    *queue.Queue[[]byte]

	handlersMu sync.RWMutex
	handlers   map[Code]Handler

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

// NewConn wraps nc. The name tags log lines and queue diagnostics. The
// demultiplexing reader does not run until Start is called, so handlers can
// be registered race-free in between.
func NewConn(nc net.Conn, name string) *Conn {
	return &Conn{
		nc:       nc,
		log:      logrus.WithField("conn", name),
		lengths:  queue.New[uint64](name + ".lengths"),
		digests:  queue.New[[]byte](name + ".digests"),
		chunks:   queue.New[[]byte](name + ".chunks"),
		acks:     queue.New[[]byte](name + ".acks"),
		handlers: make(map[Code]Handler),
		closed:   make(chan struct{}),
	}
}

// RegisterHandler installs the handler for a control code, replacing any
// previous one.
func (c *Conn) RegisterHandler(code Code, handler Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[code] = handler
}

// OnClose installs a callback fired exactly once when the connection is
// closed or lost.
func (c *Conn) OnClose(fn func()) {
	c.onClose = fn
}

// Start launches the background reader.
func (c *Conn) Start() {
	go c.readLoop()
}

// Closed is closed when the connection is torn down.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// RemoteAddr reports the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// ActivateKey installs the session key. Payloads sent or received after
// activation pass through the cipher; the key exchange itself happens before
// activation and therefore travels in the clear.
func (c *Conn) ActivateKey(key *crypto.Key) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	c.key = key
	c.keyActive = true
}

// sessionKey returns the active key, or nil while the exchange is pending.
func (c *Conn) sessionKey() *crypto.Key {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	if !c.keyActive {
		return nil
	}
	return c.key
}

// SendCode writes a bare control code.
func (c *Conn) SendCode(code Code) error {
	return c.writeUnit(code, nil)
}

// Send writes a control code followed by a chunked payload as one exchange.
func (c *Conn) Send(code Code, payload []byte) error {
	if err := checkWidth(code); err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.writeUnit(code, nil); err != nil {
		return err
	}
	return c.sendPayloadLocked(payload)
}

// SendPayload writes a chunked payload with no leading control code, used
// when the peer has already asked for it (password, user name, key block).
func (c *Conn) SendPayload(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendPayloadLocked(payload)
}

// sendPayloadLocked encrypts if a key is active, announces the length, then
// moves 256-byte chunks with a digest-then-data-until-acked discipline.
// Callers hold sendMu.
func (c *Conn) sendPayloadLocked(payload []byte) error {
	data := payload
	if key := c.sessionKey(); key != nil {
		data = key.Encrypt(payload)
	}

	var lenBuf [lengthSize]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(data)))
	if err := c.writeUnit(CodeDataLength, lenBuf[:]); err != nil {
		return err
	}

	count := chunkCount(uint64(len(data)))
	c.log.WithFields(logrus.Fields{
		"function": "SendPayload",
		"size":     len(data),
		"chunks":   count,
	}).Debug("Sending payload")

	for i := 0; i < count; i++ {
		end := (i + 1) * ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[i*ChunkSize : end]

		if err := c.writeUnit(CodeHash, digestChunk(chunk)); err != nil {
			return err
		}
		if err := c.sendChunkUntilAcked(chunk, i); err != nil {
			return err
		}
	}
	return nil
}

// sendChunkUntilAcked resends the identical chunk until the peer confirms
// its integrity. The retry count is bounded only by connection teardown: a
// rejection means local corruption was detected, and the transfer cannot
// advance past it.
func (c *Conn) sendChunkUntilAcked(chunk []byte, index int) error {
	framed := make([]byte, chunkSizePrefix+len(chunk))
	binary.LittleEndian.PutUint16(framed, uint16(len(chunk)))
	copy(framed[chunkSizePrefix:], chunk)

	for {
		if err := c.writeUnit(CodeData, framed); err != nil {
			return err
		}
		ack, err := c.acks.Pop()
		if err != nil {
			return fmt.Errorf("waiting for chunk ack: %w", ErrConnClosed)
		}
		if bytes.Equal(ack, ackOK) {
			return nil
		}
		c.log.WithFields(logrus.Fields{
			"function": "sendChunkUntilAcked",
			"chunk":    index,
		}).Warn("Chunk rejected by peer, resending")
	}
}

// RecvPayload assembles the next payload from the handoff queues, acking
// each chunk and re-requesting corrupted ones, then decrypts if a key is
// active. A decrypt failure means the reassembled bytes were never valid
// ciphertext, distinct from the transmission corruption the digest check
// repairs.
func (c *Conn) RecvPayload() ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	size, err := c.lengths.Pop()
	if err != nil {
		return nil, fmt.Errorf("waiting for payload length: %w", ErrConnClosed)
	}
	if size > maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}

	count := chunkCount(size)
	data := make([]byte, 0, size)
	for i := 0; i < count; i++ {
		digest, err := c.digests.Pop()
		if err != nil {
			return nil, fmt.Errorf("waiting for chunk digest: %w", ErrConnClosed)
		}
		chunk, err := c.recvChunkUntilValid(digest, i)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
	}

	if key := c.sessionKey(); key != nil {
		plain, err := key.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("decrypting payload: %w", err)
		}
		return plain, nil
	}
	return data, nil
}

// recvChunkUntilValid pops chunk attempts until one matches the expected
// digest, acknowledging each attempt so the sender knows whether to resend.
func (c *Conn) recvChunkUntilValid(digest []byte, index int) ([]byte, error) {
	for {
		chunk, err := c.chunks.Pop()
		if err != nil {
			return nil, fmt.Errorf("waiting for chunk data: %w", ErrConnClosed)
		}
		if bytes.Equal(digestChunk(chunk), digest) {
			if err := c.writeUnit(CodeAck, ackOK); err != nil {
				return nil, err
			}
			return chunk, nil
		}
		c.log.WithFields(logrus.Fields{
			"function": "recvChunkUntilValid",
			"chunk":    index,
		}).Warn("Chunk digest mismatch, requesting resend")
		if err := c.writeUnit(CodeAck, ackNo); err != nil {
			return nil, err
		}
	}
}

// Terminate announces a termination reason to the peer, then closes. Both
// steps are best effort; the peer also treats a bare connection loss as
// termination.
func (c *Conn) Terminate(reason string) {
	if len(reason) > MaxReasonLen {
		reason = reason[:MaxReasonLen]
	}
	if err := c.Send(CodeTerminate, []byte(reason)); err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "Terminate",
			"error":    err,
		}).Debug("Could not announce termination")
	}
	c.Close()
}

// Close tears down the connection and releases every blocked activity.
// Close is idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.lengths.Close()
		c.digests.Close()
		c.chunks.Close()
		c.acks.Close()
		if err := c.nc.Close(); err != nil {
			c.log.WithFields(logrus.Fields{
				"function": "Close",
				"error":    err,
			}).Debug("Closing underlying connection")
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// writeUnit writes one atomic wire unit: the 3-byte code plus its fixed
// trailer. The wire mutex keeps concurrent units from interleaving
// mid-write.
func (c *Conn) writeUnit(code Code, trailer []byte) error {
	if err := checkWidth(code); err != nil {
		return err
	}
	buf := make([]byte, codeSize+len(trailer))
	buf[0] = byte(code)
	buf[1] = byte(code >> 8)
	buf[2] = byte(code >> 16)
	copy(buf[codeSize:], trailer)

	c.wireMu.Lock()
	defer c.wireMu.Unlock()
	if _, err := c.nc.Write(buf); err != nil {
		return fmt.Errorf("writing %v unit: %w", code, err)
	}
	c.log.WithFields(logrus.Fields{
		"function": "writeUnit",
		"code":     code.String(),
		"bytes":    len(trailer),
	}).Debug("Sent wire unit")
	return nil
}

// readLoop is the demultiplexing reader: payload-shaped units feed the
// category queues, all other codes dispatch to their handler. It runs until
// the stream errors out, then tears the connection down so every blocked
// activity observes the loss.
func (c *Conn) readLoop() {
	defer c.Close()

	for {
		code, err := c.readCode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err,
				}).Warn("Connection lost")
			}
			return
		}

		switch code {
		case CodeDataLength:
			buf, err := c.readFull(lengthSize)
			if err != nil {
				return
			}
			c.lengths.Push(binary.LittleEndian.Uint64(buf))
		case CodeHash:
			buf, err := c.readFull(DigestSize)
			if err != nil {
				return
			}
			c.digests.Push(buf)
		case CodeData:
			chunk, err := c.readChunk()
			if err != nil {
				c.log.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err,
				}).Warn("Bad data unit")
				return
			}
			c.chunks.Push(chunk)
		case CodeAck:
			buf, err := c.readFull(ackSize)
			if err != nil {
				return
			}
			c.acks.Push(buf)
		default:
			c.dispatch(code)
		}
	}
}

// dispatch hands a control code to its registered handler, if any.
func (c *Conn) dispatch(code Code) {
	c.handlersMu.RLock()
	handler := c.handlers[code]
	c.handlersMu.RUnlock()

	if handler == nil {
		c.log.WithFields(logrus.Fields{
			"function": "dispatch",
			"code":     code.String(),
		}).Debug("No handler for code")
		return
	}
	handler(c, code)
}

// readCode blocks for the next 3-byte control code.
func (c *Conn) readCode() (Code, error) {
	buf, err := c.readFull(codeSize)
	if err != nil {
		return 0, err
	}
	code := Code(buf[0]) | Code(buf[1])<<8 | Code(buf[2])<<16
	c.log.WithFields(logrus.Fields{
		"function": "readCode",
		"code":     code.String(),
	}).Debug("Received code")
	return code, nil
}

// readChunk reads one size-prefixed Data unit trailer.
func (c *Conn) readChunk() ([]byte, error) {
	sizeBuf, err := c.readFull(chunkSizePrefix)
	if err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint16(sizeBuf)
	if size > ChunkSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, size)
	}
	return c.readFull(int(size))
}

func (c *Conn) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// chunkCount reports how many chunks carry a payload of the given encoded
// length. An empty payload occupies no chunks.
func chunkCount(size uint64) int {
	return int((size + ChunkSize - 1) / ChunkSize)
}

// digestChunk computes the 16-byte integrity digest of a chunk. The digest
// defends against transmission corruption only; collision resistance is not
// required, both ends just have to agree on the function.
func digestChunk(chunk []byte) []byte {
	h, _ := blake2b.New(DigestSize, nil)
	h.Write(chunk)
	return h.Sum(nil)
}
