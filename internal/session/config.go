package session

import "time"

const (
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second

	// GraceMargin is added to the keep-alive interval to get the read timeout.
	GraceMargin = 5 * time.Second
)

// Config controls the heartbeat of a control connection.
type Config struct {
	KeepAlive         bool
	KeepAliveInterval time.Duration
	// WriteTimeout bounds every line written to the stream.
	WriteTimeout time.Duration

	grace time.Duration
}

func DefaultConfig() Config {
	return Config{
		KeepAlive:         true,
		KeepAliveInterval: DefaultKeepAliveInterval,
		WriteTimeout:      DefaultWriteTimeout,
	}
}

func (c Config) keepAliveEnabled() bool {
	return c.KeepAlive && c.KeepAliveInterval > 0
}

// Timeout is how long a single line read may block. Zero means reads are unbounded.
func (c Config) Timeout() time.Duration {
	if !c.keepAliveEnabled() {
		return 0
	}
	grace := c.grace
	if grace <= 0 {
		grace = GraceMargin
	}
	return c.KeepAliveInterval + grace
}

// WithGraceMargin returns a copy of c whose read timeout uses d instead of GraceMargin.
func (c Config) WithGraceMargin(d time.Duration) Config {
	c.grace = d
	return c
}

func (c Config) writeTimeout() time.Duration {
	if c.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return c.WriteTimeout
}
