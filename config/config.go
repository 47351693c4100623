// Package config holds the connection knobs with their defaults, validation,
// and environment loading.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config carries every tunable of a connection. The zero value is not
// usable; start from Default.
type Config struct {
	// Host selects network mode over TCP when set. When neither Host nor
	// SocketPath is set the connection runs over stdin/stdout.
	Host string `envconfig:"HOST"`
	// Port is the engine TCP port.
	Port int `envconfig:"PORT"`
	// SocketPath selects network mode over a UNIX stream socket.
	SocketPath string `envconfig:"SOCKET"`
	// TrackName tags this client in engine logs and handler attribution.
	TrackName string `envconfig:"TRACKNAME"`
	// Role is the %%>connect role: global, channel, play, record or playrec.
	Role string `envconfig:"ROLE"`

	// Reconnect arms the reconnect timer in network mode. It is forced off
	// in stdio mode.
	Reconnect bool `envconfig:"RECONNECT"`
	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration `envconfig:"RECONNECT_TIMEOUT"`

	// DispatchTimeout bounds every correlated request: dispatch, install,
	// uninstall, watch, unwatch and setlocal.
	DispatchTimeout time.Duration `envconfig:"DISPATCH_TIMEOUT"`
	// AcknowledgeTimeout bounds how long handlers may hold an incoming
	// message before it is acknowledged as received.
	AcknowledgeTimeout time.Duration `envconfig:"ACKNOWLEDGE_TIMEOUT"`
	// CallTimeout is the fallback deadline for channel media operations.
	CallTimeout time.Duration `envconfig:"CALL_TIMEOUT"`

	// BufSize caps the length of one outbound line; longer lines truncate.
	BufSize int `envconfig:"BUFSIZE"`
	// QueueLimit bounds the offline FIFO; overflow is an error.
	QueueLimit int `envconfig:"QUEUE_LIMIT"`

	// ChannelMode marks a process launched by the engine to serve a single
	// synthetic call leg over its stdio.
	ChannelMode bool `envconfig:"CHANNEL_MODE"`
	// HandleSignals makes SIGINT perform a graceful close and exit.
	HandleSignals bool `envconfig:"HANDLE_SIGNALS"`
	// Debug traces every wire line in both directions.
	Debug bool `envconfig:"DEBUG"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Port:               5040,
		TrackName:          "next-yate",
		Role:               "global",
		Reconnect:          true,
		ReconnectWait:      10 * time.Second,
		DispatchTimeout:    10 * time.Second,
		AcknowledgeTimeout: 10 * time.Second,
		CallTimeout:        time.Hour,
		BufSize:            8192,
		QueueLimit:         100,
		HandleSignals:      true,
	}
}

// FromEnv returns Default overridden by YATE_* environment variables.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := envconfig.Process("yate", &cfg); err != nil {
		return cfg, fmt.Errorf("config.FromEnv: %w", err)
	}
	return cfg, cfg.Validate()
}

// Network reports whether the connection runs over a socket rather than
// stdio.
func (c Config) Network() bool {
	return c.Host != "" || c.SocketPath != ""
}

// Address returns the dial network and address for network mode.
func (c Config) Address() (network, addr string) {
	if c.SocketPath != "" {
		return "unix", c.SocketPath
	}
	return "tcp", fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.Host != "" && c.SocketPath != "" {
		return fmt.Errorf("config: host and socket path are mutually exclusive")
	}
	if c.Host != "" && (c.Port <= 0 || c.Port > 65535) {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.TrackName == "" {
		return fmt.Errorf("config: track name is required")
	}
	switch c.Role {
	case "global", "channel", "play", "record", "playrec":
	default:
		return fmt.Errorf("config: invalid role %q", c.Role)
	}
	if c.BufSize <= 0 {
		return fmt.Errorf("config: bufsize must be positive")
	}
	if c.QueueLimit <= 0 {
		return fmt.Errorf("config: queue limit must be positive")
	}
	if c.ReconnectWait <= 0 || c.DispatchTimeout <= 0 || c.AcknowledgeTimeout <= 0 || c.CallTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.ChannelMode && c.Network() {
		return fmt.Errorf("config: channel mode requires a stdio connection")
	}
	return nil
}
