package interop

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/glycerine/interop/callbacks"
)

var ErrBadConfig = fmt.Errorf("interop: bad config")

const defaultMaxFrameBytes = 1024 * 1024 // 1MB

// Config holds the channel's tuning. The zero
// timeouts mean wait forever.
type Config struct {

	// Identity is how peers address this channel.
	// Empty means NewChannel makes one up.
	Identity string

	// Transport carries frames. Nil means TCP.
	Transport Transport

	// These are timeouts for connection and transport tuning.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// HandshakeTimeout bounds both the hello exchange
	// on a new link and each session open. A Connect
	// whose open is neither accepted nor rejected in
	// time fails.
	HandshakeTimeout time.Duration

	// CompressAlgo is applied to frame bodies we send:
	// "" (none), "s2", "lz4", "zstd:01", "zstd:03",
	// "zstd:07", "zstd:11". Receivers handle all of them.
	CompressAlgo string

	// Checksum adds a blake3 sum of each frame body.
	// Frames that carry one are always verified.
	Checksum bool

	// MaxFrameBytes caps both header and body.
	MaxFrameBytes int

	// MaxInboundLinks caps how many accepted links
	// each AcceptEndpoint keeps open at once. More
	// dialers wait. Zero means no cap.
	MaxInboundLinks int

	// Sink receives everything that is traced rather
	// than returned. Nil means callbacks.DefaultSink.
	Sink callbacks.Sink
}

func NewConfig() *Config {
	return &Config{
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxFrameBytes:    defaultMaxFrameBytes,
	}
}

// fileConfig is the TOML shape of Config. Durations
// are strings like "1500ms".
type fileConfig struct {
	Identity         string `toml:"identity"`
	Transport        string `toml:"transport"` // "tcp", "quic" or "mem"
	ConnectTimeout   string `toml:"connect_timeout"`
	ReadTimeout      string `toml:"read_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	CompressAlgo     string `toml:"compress_algo"`
	Checksum         bool   `toml:"checksum"`
	MaxFrameBytes    int    `toml:"max_frame_bytes"`
	MaxInboundLinks  int    `toml:"max_inbound_links"`
	Quiet            *bool  `toml:"quiet"`
}

// LoadConfig starts from NewConfig and overrides
// whatever the TOML file at path sets.
func LoadConfig(path string) (*Config, error) {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("%w: reading '%v': %w", ErrBadConfig, path, err)
	}
	if und := md.Undecoded(); len(und) > 0 {
		return nil, fmt.Errorf("%w: '%v' has unknown keys %v", ErrBadConfig, path, und)
	}
	cfg := NewConfig()
	cfg.Identity = fc.Identity
	cfg.CompressAlgo = fc.CompressAlgo
	cfg.Checksum = fc.Checksum
	cfg.MaxInboundLinks = fc.MaxInboundLinks
	if fc.MaxFrameBytes != 0 {
		cfg.MaxFrameBytes = fc.MaxFrameBytes
	}
	switch fc.Transport {
	case "", "tcp":
		cfg.Transport = TCPTransport{}
	case "mem":
		cfg.Transport = DefaultMemTransport
	case "quic":
		cfg.Transport = &QUICTransport{}
	default:
		return nil, fmt.Errorf("%w: unknown transport '%v'", ErrBadConfig, fc.Transport)
	}
	durs := []struct {
		s   string
		dst *time.Duration
	}{
		{fc.ConnectTimeout, &cfg.ConnectTimeout},
		{fc.ReadTimeout, &cfg.ReadTimeout},
		{fc.WriteTimeout, &cfg.WriteTimeout},
		{fc.HandshakeTimeout, &cfg.HandshakeTimeout},
	}
	for _, d := range durs {
		if d.s == "" {
			continue
		}
		*d.dst, err = time.ParseDuration(d.s)
		if err != nil {
			return nil, fmt.Errorf("%w: '%v': %w", ErrBadConfig, path, err)
		}
	}
	if fc.Quiet != nil {
		cfg.Sink = &callbacks.LogSink{Name: "interop", Quiet: *fc.Quiet}
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if _, err := encodeMagic7(c.CompressAlgo); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("%w: MaxFrameBytes must be positive, not %v", ErrBadConfig, c.MaxFrameBytes)
	}
	if c.MaxInboundLinks < 0 {
		return fmt.Errorf("%w: MaxInboundLinks must not be negative", ErrBadConfig)
	}
	if c.ConnectTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.HandshakeTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrBadConfig)
	}
	return nil
}

func (c *Config) sink() callbacks.Sink {
	if c.Sink == nil {
		return callbacks.DefaultSink
	}
	return c.Sink
}

func (c *Config) transport() Transport {
	if c.Transport == nil {
		return TCPTransport{}
	}
	return c.Transport
}
