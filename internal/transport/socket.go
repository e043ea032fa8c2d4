package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/scoutapp/scout-apm-go/internal/logging"
)

// Frame layout: a 4-byte big-endian length word followed by the JSON payload.
// The high bit of the length word flags a zstd-compressed payload.
const (
	compressedFlag = 1 << 31
	maxFrameSize   = 1 << 26 // 64 MiB, far beyond any sane batch
)

var errFrameTooLarge = errors.New("frame exceeds maximum size")

// ConnConfig configures a core agent connection.
type ConnConfig struct {
	// SocketPath is the filesystem path of the core agent unix socket.
	SocketPath string
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// AckTimeout bounds the best-effort read of the agent's response frame.
	AckTimeout time.Duration
	// Compress enables zstd compression of outgoing payloads.
	Compress bool
	Logger   *logging.Logger
}

func (c *ConnConfig) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
}

// Conn is a framed connection to the core agent. Not safe for concurrent use;
// the sender serializes access through its run loop.
type Conn struct {
	config  ConnConfig
	logger  *logging.Logger
	conn    net.Conn
	encoder *zstd.Encoder
}

// NewConn creates an unconnected Conn. The socket is dialed lazily on the
// first send.
func NewConn(config ConnConfig) (*Conn, error) {
	config.applyDefaults()
	c := &Conn{config: config, logger: config.Logger}

	if config.Compress {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		c.encoder = encoder
	}
	return c, nil
}

// Connected reports whether the socket is currently dialed.
func (c *Conn) Connected() bool {
	return c.conn != nil
}

// Connect dials the core agent socket if not already connected.
func (c *Conn) Connect() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.config.SocketPath, c.config.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial core agent socket: %w", err)
	}
	c.conn = conn
	c.logger.Debug("connected to core agent",
		zap.String("socket", c.config.SocketPath))
	return nil
}

// Close tears down the socket. Safe to call when not connected.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Send marshals and writes one command, then reads the agent's response
// frame best-effort. Any error leaves the connection closed so the next send
// redials.
func (c *Conn) Send(cmd Command) error {
	if err := c.Connect(); err != nil {
		return err
	}

	payload, err := Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	if err := writeFrame(c.conn, payload, c.encoder); err != nil {
		c.Close()
		return fmt.Errorf("write frame: %w", err)
	}

	// The agent acks every command. The ack carries no information the
	// agent side acts on, so a missing or slow ack is not a send failure.
	c.conn.SetReadDeadline(time.Now().Add(c.config.AckTimeout))
	if _, err := readFrame(c.conn); err != nil {
		if !errors.Is(err, io.EOF) && !isTimeout(err) {
			c.Close()
		}
		c.logger.Debug("no ack from core agent", zap.Error(err))
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// writeFrame frames and writes one payload. A non-nil encoder compresses the
// payload and sets the high bit of the length word.
func writeFrame(w io.Writer, payload []byte, encoder *zstd.Encoder) error {
	flags := uint32(0)
	if encoder != nil {
		payload = encoder.EncodeAll(payload, nil)
		flags = compressedFlag
	}
	if len(payload) > maxFrameSize {
		return errFrameTooLarge
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload))|flags)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame and returns the decoded payload.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	word := binary.BigEndian.Uint32(header[:])
	compressed := word&compressedFlag != 0
	length := word &^ uint32(compressedFlag)
	if length > maxFrameSize {
		return nil, errFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	if compressed {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer decoder.Close()
		return decoder.DecodeAll(payload, nil)
	}
	return payload, nil
}
