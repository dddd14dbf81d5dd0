package controller

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"fast_server/config"
	"fast_server/networking"
	"fast_server/payload"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConn replays a request and records or fails writes.
type scriptedConn struct {
	net.Conn

	request []byte
	readErr error

	out    bytes.Buffer
	failAt int // 1-based write that fails, 0 never
	writes int

	readDeadlines  int
	writeDeadlines int
	closed         atomic.Bool
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	if c.readErr != nil {
		return 0, c.readErr
	}
	if len(c.request) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.request)
	c.request = c.request[n:]
	return n, nil
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	c.writes++
	if c.failAt > 0 && c.writes >= c.failAt {
		return 0, syscall.EPIPE
	}
	return c.out.Write(p)
}

func (c *scriptedConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *scriptedConn) SetReadDeadline(time.Time) error {
	c.readDeadlines++
	return nil
}

func (c *scriptedConn) SetWriteDeadline(time.Time) error {
	c.writeDeadlines++
	return nil
}

const getRequest = "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"

func newTestStreamer(t *testing.T, budget uint64, chunk int, mutate func(*config.Server)) *Streamer {
	t.Helper()
	cfg := config.Default()
	cfg.MaxSendBytes = config.ByteSize(budget)
	cfg.ChunkSize = config.ByteSize(chunk)
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	pattern, err := payload.ParsePattern(cfg.Pattern)
	require.NoError(t, err)
	pool, err := payload.NewPool(chunk, pattern)
	require.NoError(t, err)
	return NewStreamer(NewBudget(budget), pool, cfg)
}

// decodedStream is the wire output split into its framing parts.
type decodedStream struct {
	sizes      []int
	payload    int
	terminated bool
}

// decodeStream parses header block and chunk frames, failing on any framing error.
func decodeStream(t *testing.T, raw []byte) decodedStream {
	t.Helper()
	require.True(t, bytes.HasPrefix(raw, []byte(networking.ResponseHeader)), "missing header block")
	raw = raw[len(networking.ResponseHeader):]

	var ds decodedStream
	for len(raw) > 0 {
		require.False(t, ds.terminated, "data after terminal chunk")
		end := bytes.Index(raw, []byte("\r\n"))
		require.Positive(t, end, "missing size line")
		size, err := strconv.ParseInt(string(raw[:end]), 16, 64)
		require.NoError(t, err)
		raw = raw[end+2:]

		if size == 0 {
			require.Equal(t, "\r\n", string(raw), "terminal chunk must end the stream")
			raw = nil
			ds.terminated = true
			continue
		}
		require.GreaterOrEqual(t, len(raw), int(size)+2, "truncated chunk")
		require.Equal(t, "\r\n", string(raw[size:size+2]), "chunk terminator")
		ds.sizes = append(ds.sizes, int(size))
		ds.payload += int(size)
		raw = raw[size+2:]
	}
	return ds
}

func TestStreamTwoMebibyteBudget(t *testing.T) {
	s := newTestStreamer(t, 2<<20, 1<<20, nil)
	conn := &scriptedConn{request: []byte(getRequest)}

	res, err := s.Stream(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, uint64(2<<20), res.Sent)
	assert.Equal(t, uint64(2), res.Chunks)
	assert.Equal(t, len(getRequest), res.Request)

	ds := decodeStream(t, conn.out.Bytes())
	assert.Equal(t, []int{1 << 20, 1 << 20}, ds.sizes)
	assert.Equal(t, 2097152, ds.payload)
	assert.True(t, ds.terminated)
	assert.Contains(t, conn.out.String(), "100000\r\n")
}

func TestStreamZeroBudget(t *testing.T) {
	s := newTestStreamer(t, 0, 1<<20, nil)
	conn := &scriptedConn{request: []byte(getRequest)}

	res, err := s.Stream(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Zero(t, res.Chunks)
	assert.Equal(t, networking.ResponseHeader+networking.LastChunk, conn.out.String())
}

func TestStreamChunkCount(t *testing.T) {
	const chunk = 64
	budgets := []uint64{1, 63, 64, 65, 127, 128, 129, 1000, 4096}

	for _, budget := range budgets {
		t.Run(strconv.FormatUint(budget, 10), func(t *testing.T) {
			s := newTestStreamer(t, budget, chunk, nil)
			conn := &scriptedConn{request: []byte(getRequest)}

			res, err := s.Stream(context.Background(), conn)
			require.NoError(t, err)

			want := (budget + chunk - 1) / chunk
			assert.Equal(t, want, res.Chunks)
			assert.GreaterOrEqual(t, res.Sent, budget)
			assert.Less(t, res.Sent, budget+chunk)

			ds := decodeStream(t, conn.out.Bytes())
			assert.Len(t, ds.sizes, int(want))
			for _, size := range ds.sizes {
				assert.Equal(t, chunk, size)
			}
			assert.Equal(t, int(res.Sent), ds.payload)
			assert.True(t, ds.terminated)
			assert.Equal(t, 1, bytes.Count(conn.out.Bytes(), []byte("\r\n0\r\n\r\n")))
		})
	}
}

func TestStreamPeerClosedBeforeRequest(t *testing.T) {
	s := newTestStreamer(t, 1<<20, 1024, nil)
	conn := &scriptedConn{}

	res, err := s.Stream(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Zero(t, res.Request)
	assert.Zero(t, conn.writes)
	assert.Zero(t, conn.out.Len())
}

func TestStreamReadFailure(t *testing.T) {
	s := newTestStreamer(t, 1<<20, 1024, nil)
	conn := &scriptedConn{readErr: os.ErrDeadlineExceeded}

	res, err := s.Stream(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, Aborted, res.State)
	assert.ErrorIs(t, res.Cause, os.ErrDeadlineExceeded)
	assert.Zero(t, conn.writes)
	assert.True(t, conn.closed.Load())
}

func TestStreamHeaderWriteFailure(t *testing.T) {
	s := newTestStreamer(t, 1<<20, 1024, nil)
	conn := &scriptedConn{request: []byte(getRequest), failAt: 1}

	res, err := s.Stream(context.Background(), conn)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EPIPE))
	assert.Equal(t, Aborted, res.State)
	assert.Equal(t, 1, conn.writes)
	assert.True(t, conn.closed.Load())
}

func TestStreamClientDisconnectMidStream(t *testing.T) {
	const chunk = 256
	s := newTestStreamer(t, 10*chunk, chunk, nil)
	// Headers, two full chunks of three writes, then the third size line
	// succeeds and its payload write fails.
	failAt := 1 + 2*3 + 2
	conn := &scriptedConn{request: []byte(getRequest), failAt: failAt}

	res, err := s.Stream(context.Background(), conn)
	require.NoError(t, err, "disconnects are not errors")
	assert.Equal(t, Aborted, res.State)
	assert.ErrorIs(t, res.Cause, syscall.EPIPE)
	assert.Equal(t, uint64(2*chunk), res.Sent)
	assert.Equal(t, uint64(2), res.Chunks)
	assert.Equal(t, failAt, conn.writes, "no write is attempted after the failure")
	assert.True(t, conn.closed.Load())
	assert.False(t, bytes.HasSuffix(conn.out.Bytes(), []byte(networking.LastChunk)))
}

func TestStreamTerminalChunkFailure(t *testing.T) {
	const chunk = 128
	s := newTestStreamer(t, chunk, chunk, nil)
	conn := &scriptedConn{request: []byte(getRequest), failAt: 1 + 3 + 1}

	res, err := s.Stream(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, Aborted, res.State)
	assert.Equal(t, uint64(chunk), res.Sent)
}

func TestStreamArmsDeadlines(t *testing.T) {
	const chunk = 32
	s := newTestStreamer(t, 3*chunk, chunk, func(cfg *config.Server) {
		cfg.ReadTimeout = time.Second
		cfg.WriteTimeout = time.Second
	})
	conn := &scriptedConn{request: []byte(getRequest)}

	res, err := s.Stream(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	// Set and cleared around the request read.
	assert.Equal(t, 2, conn.readDeadlines)
	// Headers, three chunks, terminal chunk.
	assert.Equal(t, 5, conn.writeDeadlines)
}

func TestStreamNoDeadlinesByDefault(t *testing.T) {
	s := newTestStreamer(t, 64, 32, nil)
	conn := &scriptedConn{request: []byte(getRequest)}

	_, err := s.Stream(context.Background(), conn)
	require.NoError(t, err)
	assert.Zero(t, conn.readDeadlines)
	assert.Zero(t, conn.writeDeadlines)
}

func TestStreamRateLimitHonoursContext(t *testing.T) {
	const chunk = 16
	s := newTestStreamer(t, 100*chunk, chunk, func(cfg *config.Server) {
		cfg.RateLimit = 1
	})
	conn := &scriptedConn{request: []byte(getRequest)}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := s.Stream(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, Aborted, res.State)
	// The bucket starts full, so exactly one chunk goes out.
	assert.Equal(t, uint64(chunk), res.Sent)
	assert.True(t, conn.closed.Load())
}

func TestStreamRandomPayload(t *testing.T) {
	const chunk = 512
	s := newTestStreamer(t, chunk, chunk, func(cfg *config.Server) {
		cfg.Pattern = "random"
	})
	conn := &scriptedConn{request: []byte(getRequest)}

	_, err := s.Stream(context.Background(), conn)
	require.NoError(t, err)

	raw := conn.out.Bytes()
	body := raw[len(networking.ResponseHeader)+len("200\r\n"):]
	body = body[:chunk]
	assert.False(t, bytes.Equal(body, make([]byte, chunk)))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reading-request", ReadingRequest.String())
	assert.Equal(t, "headers-sent", HeadersSent.String())
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestBudget(t *testing.T) {
	b := NewBudget(32 << 30)
	assert.Equal(t, uint64(32<<30), b.Limit())
}
