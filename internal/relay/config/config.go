// Package config loads streamrelay configuration from command line
// flags with environment variable overrides.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds the relay configuration.
type Config struct {
	// Console-facing stream input.
	StreamBindAddr string
	AudioPort      int
	VideoPort      int

	// Viewer-facing output.
	ViewerBindAddr string
	ViewerPort     int
	AdvertiseAddr  string // address placed in the SDP handed to viewers

	// MonitorAddr, when set, receives a low-rate µ-law copy of the
	// audio stream for diagnostics.
	MonitorAddr string

	// Reorder buffer tuning.
	WindowStart int
	WindowMin   int
	WindowMax   int
	BaseTimeout time.Duration
	MinTimeout  time.Duration
	MaxTimeout  time.Duration
	ReinitGrace time.Duration

	// Handoff queue capacity (power of two).
	QueueCapacity uint
	// FlushInterval is the cadence of the timeout sweep tick.
	FlushInterval time.Duration

	LogLevel string
}

// Load parses flags and applies environment overrides. It uses the
// provided FlagSet so tests can call it without touching the global
// flag state.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.StreamBindAddr, "bind", "0.0.0.0", "Stream input bind address")
	fs.IntVar(&cfg.AudioPort, "audio-port", 9296, "Audio stream UDP port")
	fs.IntVar(&cfg.VideoPort, "video-port", 9297, "Video stream UDP port")
	fs.StringVar(&cfg.ViewerBindAddr, "viewer-bind", "0.0.0.0", "Viewer server bind address")
	fs.IntVar(&cfg.ViewerPort, "viewer-port", 8080, "Viewer server HTTP port")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address advertised in SDP (auto-detected if not set)")
	fs.StringVar(&cfg.MonitorAddr, "monitor", "", "UDP destination for the µ-law audio monitor tap (disabled if not set)")
	fs.IntVar(&cfg.WindowStart, "window-start", 32, "Initial reorder window size")
	fs.IntVar(&cfg.WindowMin, "window-min", 16, "Minimum reorder window size")
	fs.IntVar(&cfg.WindowMax, "window-max", 512, "Maximum reorder window size (power of two)")
	fs.DurationVar(&cfg.BaseTimeout, "base-timeout", 50*time.Millisecond, "Base release timeout")
	fs.DurationVar(&cfg.MinTimeout, "min-timeout", 20*time.Millisecond, "Release timeout lower clamp")
	fs.DurationVar(&cfg.MaxTimeout, "max-timeout", 500*time.Millisecond, "Release timeout upper clamp")
	fs.DurationVar(&cfg.ReinitGrace, "reinit-grace", time.Second, "Minimum interval between window reinitializations")
	fs.UintVar(&cfg.QueueCapacity, "queue-capacity", 256, "Handoff queue capacity (power of two)")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", 10*time.Millisecond, "Reorder buffer sweep interval")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Environment overrides
	if v := os.Getenv("STREAM_BIND"); v != "" {
		cfg.StreamBindAddr = v
	}
	if v := os.Getenv("AUDIO_PORT"); v != "" {
		cfg.AudioPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("VIDEO_PORT"); v != "" {
		cfg.VideoPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("VIEWER_BIND"); v != "" {
		cfg.ViewerBindAddr = v
	}
	if v := os.Getenv("VIEWER_PORT"); v != "" {
		cfg.ViewerPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("MONITOR_ADDR"); v != "" {
		cfg.MonitorAddr = v
	}
	if v := os.Getenv("ADVERTISE"); v != "" {
		cfg.AdvertiseAddr = v
	} else if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline constructors would
// refuse, so a bad value kills the process at startup instead of
// surfacing when the first stream arrives.
func (c *Config) Validate() error {
	if c.WindowMin < 1 || c.WindowMin > c.WindowStart || c.WindowStart > c.WindowMax {
		return fmt.Errorf("window bounds must satisfy 1 <= min <= start <= max, got %d/%d/%d",
			c.WindowMin, c.WindowStart, c.WindowMax)
	}
	if c.WindowMax&(c.WindowMax-1) != 0 || c.WindowMax >= 0x8000 {
		return fmt.Errorf("window-max must be a power of two below 32768, got %d", c.WindowMax)
	}
	if c.QueueCapacity < 2 || c.QueueCapacity&(c.QueueCapacity-1) != 0 {
		return fmt.Errorf("queue-capacity must be a power of two >= 2, got %d", c.QueueCapacity)
	}
	if c.BaseTimeout <= 0 {
		return fmt.Errorf("base-timeout must be positive, got %v", c.BaseTimeout)
	}
	if c.MinTimeout <= 0 || c.MinTimeout > c.MaxTimeout {
		return fmt.Errorf("timeout bounds must satisfy 0 < min <= max, got %v/%v",
			c.MinTimeout, c.MaxTimeout)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush-interval must be positive, got %v", c.FlushInterval)
	}
	return nil
}

// getPrimaryInterfaceIP detects the primary network interface IP
// address for SDP advertisement.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
