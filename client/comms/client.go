package comms

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"fast_server/constants"
	"fast_server/networking"

	"golang.org/x/sync/errgroup"
)

const userAgent = "fast_server-bench/1"

// Client opens streaming connections against a throughput server
type Client struct {
	addr  string
	dscp  int
	mptcp bool
	limit int64
}

// Result describes one drained stream
type Result struct {
	Bytes    int64
	Duration time.Duration
	Complete bool // Terminal chunk received
}

// Summary aggregates the results of parallel streams
type Summary struct {
	Results  []Result
	Bytes    int64
	Duration time.Duration
}

// Throughput returns the aggregate rate in bytes per second.
func (s Summary) Throughput() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Duration.Seconds()
}

// NewClient prepares a client for addr. A positive limit stops every stream
// after that many body bytes.
func NewClient(addr string, dscp int, mptcp bool, limit int64) *Client {
	return &Client{addr: addr, dscp: dscp, mptcp: mptcp, limit: limit}
}

// Fetch opens one connection, sends a request and drains the chunked body
func (c *Client) Fetch(ctx context.Context) (Result, error) {
	var res Result

	dial := new(net.Dialer)
	// Set MPTCP.
	dial.SetMultipathTCP(c.mptcp)
	conn, err := dial.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return res, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	if c.dscp > 0 {
		// Best effort, not every platform honours it.
		networking.SetDSCP(conn, c.dscp)
	}

	begin := time.Now()
	request := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\n\r\n", c.addr, userAgent)
	if _, err := io.WriteString(conn, request); err != nil {
		return res, err
	}

	resp, err := http.ReadResponse(bufio.NewReaderSize(conn, constants.CLIENT_READ_BUFFER), nil)
	if err != nil {
		return res, fmt.Errorf("read response: %w", err)
	}
	// The body is never closed: closing it would drain the rest of the stream.
	// Closing conn ends it instead.
	if resp.StatusCode != http.StatusOK {
		return res, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var body io.Reader = resp.Body
	if c.limit > 0 {
		body = io.LimitReader(resp.Body, c.limit)
	}
	res.Bytes, err = io.Copy(io.Discard, body)
	if err != nil {
		res.Duration = time.Since(begin)
		return res, fmt.Errorf("stream interrupted after %d bytes: %w", res.Bytes, err)
	}

	res.Complete = true
	if c.limit > 0 && res.Bytes == c.limit {
		// A stream ending exactly at the limit still has its terminal chunk to
		// read; anything else means the server had more to send.
		var next [1]byte
		n, err := resp.Body.Read(next[:])
		res.Complete = n == 0 && err == io.EOF
	}
	res.Duration = time.Since(begin)
	return res, nil
}

// Run drains conns parallel streams and waits for all of them
func (c *Client) Run(ctx context.Context, conns int) (Summary, error) {
	if conns < 1 {
		conns = 1
	}
	sum := Summary{Results: make([]Result, conns)}

	g, gctx := errgroup.WithContext(ctx)
	begin := time.Now()
	for i := 0; i < conns; i++ {
		g.Go(func() error {
			res, err := c.Fetch(gctx)
			sum.Results[i] = res
			return err
		})
	}
	err := g.Wait()
	sum.Duration = time.Since(begin)

	for _, r := range sum.Results {
		sum.Bytes += r.Bytes
	}
	return sum, err
}
