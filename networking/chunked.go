package networking

import (
	"errors"
	"io"
	"strconv"
)

const (
	// ResponseHeader is sent once per connection, before the first chunk.
	ResponseHeader = "HTTP/1.1 200 OK\r\n" +
		"Connection: keep-alive\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n"
	// CRLF terminates the size line and every chunk payload.
	CRLF = "\r\n"
	// LastChunk ends a chunked body.
	LastChunk = "0\r\n\r\n"
)

// ErrChunkSize is returned when a payload does not match the declared chunk size.
var ErrChunkSize = errors.New("payload length does not match chunk size")

// ChunkHeader encodes the size line preceding a chunk payload
func ChunkHeader(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	line := strconv.AppendInt(make([]byte, 0, 18), int64(size), 16)
	return append(line, CRLF...), nil
}

// ChunkWriter writes fixed-size chunked transfer frames to a stream
type ChunkWriter struct {
	w      io.Writer
	size   int
	header []byte
}

// NewChunkWriter prepares framing for chunks of exactly size bytes
func NewChunkWriter(w io.Writer, size int) (*ChunkWriter, error) {
	header, err := ChunkHeader(size)
	if err != nil {
		return nil, err
	}
	return &ChunkWriter{w: w, size: size, header: header}, nil
}

// Size returns the declared size of every data chunk.
func (c *ChunkWriter) Size() int {
	return c.size
}

// WriteHeaders writes the response header block.
func (c *ChunkWriter) WriteHeaders() error {
	_, err := io.WriteString(c.w, ResponseHeader)
	return err
}

// WriteChunk writes size line, payload and terminator in that order. The first
// failing write ends the frame; nothing is retried.
func (c *ChunkWriter) WriteChunk(payload []byte) error {
	if len(payload) != c.size {
		return ErrChunkSize
	}
	if _, err := c.w.Write(c.header); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	_, err := io.WriteString(c.w, CRLF)
	return err
}

// Close writes the terminal zero-size chunk. It does not close the underlying writer.
func (c *ChunkWriter) Close() error {
	_, err := io.WriteString(c.w, LastChunk)
	return err
}
