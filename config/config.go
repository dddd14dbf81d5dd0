package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"fast_server/constants"
	"fast_server/payload"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv.
const (
	EnvPort         = "HTTP_SERVER_PORT"
	EnvListen       = "HTTP_SERVER_LISTEN"
	EnvMaxSendBytes = "MAX_SEND_BYTES"
	EnvLogLevel     = "LOG_LEVEL"
)

// Largest accepted chunk size. Each live connection holds one chunk in memory.
const maxChunkSize = 64 << 20

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ByteSize is a byte count that also parses human units such as "32GiB" or "512m".
type ByteSize uint64

// ParseByteSize parses a plain integer or a binary unit size
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return ByteSize(n), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	return b.UnmarshalText([]byte(value.Value))
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Log configures the logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Server holds every setting of the streaming server
type Server struct {
	Listen        string        `yaml:"listen"`
	Port          int           `yaml:"port"`
	MaxSendBytes  ByteSize      `yaml:"max_send_bytes"`
	ChunkSize     ByteSize      `yaml:"chunk_size"`
	RequestBuffer int           `yaml:"request_buffer"`
	Pattern       string        `yaml:"pattern"`
	DSCP          int           `yaml:"dscp"`
	MPTCP         bool          `yaml:"mptcp"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	RateLimit     ByteSize      `yaml:"rate_limit"`
	Log           Log           `yaml:"log"`
}

// Default returns the built-in settings
func Default() *Server {
	return &Server{
		Listen:        constants.DEFAULT_LISTEN,
		Port:          constants.DEFAULT_PORT,
		MaxSendBytes:  constants.DEFAULT_MAX_SEND_BYTES,
		ChunkSize:     constants.STREAM_CHUNK_SIZE,
		RequestBuffer: constants.REQUEST_BUFFER_SIZE,
		Pattern:       constants.DEFAULT_PATTERN,
		Log:           Log{Level: "info", Format: "text"},
	}
}

// Load returns defaults overlaid with the YAML file at path. An empty path
// returns the defaults.
func Load(path string) (*Server, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables. Unset variables are skipped.
func (s *Server) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvPort, v)
		}
		s.Port = port
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		s.Listen = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvMaxSendBytes); ok && v != "" {
		size, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvMaxSendBytes, v)
		}
		s.MaxSendBytes = size
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		s.Log.Level = strings.TrimSpace(v)
	}
	return nil
}

// Overrides are command line values layered over file and environment. Zero
// values keep the configured setting, so a flag cannot force a zero port or DSCP.
type Overrides struct {
	Listen       string
	Port         int
	DSCP         int
	MPTCP        bool
	Pattern      string
	LogLevel     string
	LogFormat    string
	MaxSendBytes string
	ChunkSize    string
	RateLimit    string
	ReadTimeout  string
	WriteTimeout string
}

// ApplyOverrides copies every non-zero override into s.
func (s *Server) ApplyOverrides(o Overrides) error {
	if o.Listen != "" {
		s.Listen = o.Listen
	}
	if o.Port != 0 {
		s.Port = o.Port
	}
	if o.DSCP != 0 {
		s.DSCP = o.DSCP
	}
	if o.MPTCP {
		s.MPTCP = true
	}
	if o.Pattern != "" {
		s.Pattern = o.Pattern
	}
	if o.LogLevel != "" {
		s.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		s.Log.Format = o.LogFormat
	}
	sizes := []struct {
		flag string
		dst  *ByteSize
	}{
		{o.MaxSendBytes, &s.MaxSendBytes},
		{o.ChunkSize, &s.ChunkSize},
		{o.RateLimit, &s.RateLimit},
	}
	for _, sz := range sizes {
		if sz.flag == "" {
			continue
		}
		if err := sz.dst.UnmarshalText([]byte(sz.flag)); err != nil {
			return fmt.Errorf("%w: size %q: %v", ErrInvalid, sz.flag, err)
		}
	}
	durations := []struct {
		flag string
		dst  *time.Duration
	}{
		{o.ReadTimeout, &s.ReadTimeout},
		{o.WriteTimeout, &s.WriteTimeout},
	}
	for _, d := range durations {
		if d.flag == "" {
			continue
		}
		v, err := time.ParseDuration(d.flag)
		if err != nil {
			return fmt.Errorf("%w: duration %q: %v", ErrInvalid, d.flag, err)
		}
		*d.dst = v
	}
	return nil
}

// Validate checks the settings before the server is built
func (s *Server) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, s.Port)
	}
	if s.ChunkSize == 0 || s.ChunkSize > maxChunkSize {
		return fmt.Errorf("%w: chunk size %s", ErrInvalid, s.ChunkSize)
	}
	// The sent counter may run up to one chunk past the budget.
	if s.MaxSendBytes > ByteSize(math.MaxUint64)-s.ChunkSize {
		return fmt.Errorf("%w: max send bytes %d too large", ErrInvalid, uint64(s.MaxSendBytes))
	}
	if s.RequestBuffer <= 0 {
		return fmt.Errorf("%w: request buffer %d", ErrInvalid, s.RequestBuffer)
	}
	if _, err := payload.ParsePattern(s.Pattern); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if s.DSCP < 0 || s.DSCP > 63 {
		return fmt.Errorf("%w: dscp %d out of range", ErrInvalid, s.DSCP)
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalid)
	}
	return nil
}

// Address returns the host:port to bind.
func (s *Server) Address() string {
	return net.JoinHostPort(s.Listen, strconv.Itoa(s.Port))
}
