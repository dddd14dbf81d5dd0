package payload

import (
	"fmt"
	"sync"
)

// Pattern selects what the payload buffers are filled with
type Pattern string

const (
	// Zero leaves buffers zeroed.
	Zero Pattern = "zero"
	// Random fills buffers with an AES-CTR keystream so they do not compress.
	Random Pattern = "random"
)

// ParsePattern validates a pattern name
func ParsePattern(name string) (Pattern, error) {
	switch Pattern(name) {
	case Zero, Random:
		return Pattern(name), nil
	default:
		return "", fmt.Errorf("unknown payload pattern %q", name)
	}
}

// Pool hands out fixed-size payload buffers. A buffer is owned by one connection
// between Get and Put and is reused for every chunk it sends.
type Pool struct {
	size    int
	pattern Pattern
	pool    sync.Pool
	mu      sync.Mutex
	stream  *Keystream
}

// NewPool creates a pool of buffers of the given size filled with pattern
func NewPool(size int, pattern Pattern) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid payload size %d", size)
	}
	if _, err := ParsePattern(string(pattern)); err != nil {
		return nil, err
	}
	p := &Pool{size: size, pattern: pattern}
	if pattern == Random {
		ks, err := NewKeystream()
		if err != nil {
			return nil, err
		}
		p.stream = ks
	}
	p.pool.New = func() any {
		buf := make([]byte, p.size)
		p.fill(buf)
		return &buf
	}
	return p, nil
}

// fill applies the pattern to a freshly allocated buffer
func (p *Pool) fill(buf []byte) {
	if p.stream == nil {
		return
	}
	// Keystream is not safe for concurrent use.
	p.mu.Lock()
	p.stream.Fill(buf)
	p.mu.Unlock()
}

// Size returns the length of every buffer in the pool.
func (p *Pool) Size() int {
	return p.size
}

// Pattern returns the fill pattern.
func (p *Pool) Pattern() Pattern {
	return p.pattern
}

// Get borrows a buffer of exactly Size bytes
func (p *Pool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer. Buffers of a foreign size are dropped. Contents are kept
// as is since only the length matters on the wire.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil || len(*buf) != p.size {
		return
	}
	p.pool.Put(buf)
}
