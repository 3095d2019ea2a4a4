// Package wire handles reading and writing newline-delimited JSON messages
// over a net.Conn.
//
// Wire format:
//
//	<json>\n
//
// Every line is a single message. Lines longer than MaxMessageSize are
// rejected without being buffered in full.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	"go.klb.dev/clipkeep/internal/message"
)

const (
	// MaxMessageSize is the largest message we will read (16 MiB).
	MaxMessageSize = 16 * 1024 * 1024

	writeDeadline = 5 * time.Second
)

// ErrTooLarge is returned by ReadLine for oversize messages.
var ErrTooLarge = errors.New("wire: message too large")

// Conn wraps a net.Conn with buffered newline-delimited JSON framing.
type Conn struct {
	conn net.Conn
	br   *bufio.Reader
}

// New wraps conn.
func New(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		br:   bufio.NewReaderSize(conn, 64*1024),
	}
}

// Underlying returns the underlying net.Conn.
func (c *Conn) Underlying() net.Conn { return c.conn }

// SetReadDeadline sets or clears the read deadline.
func (c *Conn) SetReadDeadline(d time.Duration) {
	if d == 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(d))
	}
}

// SetWriteDeadline sets or clears the write deadline.
func (c *Conn) SetWriteDeadline(d time.Duration) {
	if d == 0 {
		_ = c.conn.SetWriteDeadline(time.Time{})
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(d))
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }

// WriteLine writes raw followed by a newline.
func (c *Conn) WriteLine(raw []byte) error {
	if len(raw)+1 > MaxMessageSize {
		return fmt.Errorf("%w (%d bytes)", ErrTooLarge, len(raw)+1)
	}
	line := append(raw, '\n')

	c.SetWriteDeadline(writeDeadline)
	_, err := c.conn.Write(line)
	c.SetWriteDeadline(0)
	return err
}

// ReadLine reads one newline-terminated line without the newline.
func (c *Conn) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.br.ReadSlice('\n')
		if len(line)+len(chunk) > MaxMessageSize {
			return nil, fmt.Errorf("%w (over %d bytes)", ErrTooLarge, MaxMessageSize)
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return line[:len(line)-1], nil
	}
}

// WriteRequest sends req.
func (c *Conn) WriteRequest(req *message.Request) error {
	raw, err := message.Encode(req)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return c.WriteLine(raw)
}

// ReadRequest receives one request.
func (c *Conn) ReadRequest() (*message.Request, error) {
	line, err := c.ReadLine()
	if err != nil {
		return nil, err
	}
	return message.DecodeRequest(line)
}

// WriteResponse sends resp.
func (c *Conn) WriteResponse(resp *message.Response) error {
	raw, err := message.Encode(resp)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return c.WriteLine(raw)
}

// ReadResponse receives one response.
func (c *Conn) ReadResponse() (*message.Response, error) {
	line, err := c.ReadLine()
	if err != nil {
		return nil, err
	}
	return message.DecodeResponse(line)
}
