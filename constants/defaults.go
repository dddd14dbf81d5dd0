package constants

const Title = "Chunked transfer throughput server"

const (
	DEFAULT_LISTEN         = "127.0.0.1"
	DEFAULT_PORT           = 8089
	DEFAULT_MAX_SEND_BYTES = 32 << 30 // 32 GiB per connection
	STREAM_CHUNK_SIZE      = 1 << 20  // 1 MiB payload per chunk
	REQUEST_BUFFER_SIZE    = 4096     // Initial request read, content discarded
	DEFAULT_PATTERN        = "zero"   // Payload fill
	DEFAULT_DSCP           = 0x0A     // QoS for high throughput (client side)
	DEFAULT_CLIENT_CONNS   = 1        // Parallel bench connections
	CLIENT_READ_BUFFER     = 256 << 10
	MIN_ACCEPT_BACKOFF_MS  = 5
	MAX_ACCEPT_BACKOFF_MS  = 1000
)
