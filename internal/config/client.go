package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/walletbridge/internal/wire"
)

// ClientConfig holds configuration for the page side: relay, in-page bridge
// and provider.
type ClientConfig struct {
	HostURL        string        `yaml:"host_url"`
	PortName       string        `yaml:"port_name"`
	Channel        string        `yaml:"channel"`
	Origin         string        `yaml:"origin"`
	ClientName     string        `yaml:"client_name"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Reconnect      bool          `yaml:"reconnect"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *ClientConfig) BindFlags(fs *flag.FlagSet) {
	c.ConfigFile = GetEnv("CONFIG_FILE", DefaultConfigPath("client.yaml"))
	c.LogLevel = GetEnv("LOG_LEVEL", "warn")
	c.HostURL = GetEnv("HOST_URL", "ws://localhost:8765/bridge/connect")
	c.PortName = GetEnv("PORT_NAME", wire.DefaultPortName)
	c.Channel = GetEnv("BRIDGE_CHANNEL", wire.DefaultChannel)
	c.Origin = GetEnv("ORIGIN", "http://localhost:8765")
	if d, err := parseSeconds(GetEnv("REQUEST_TIMEOUT", "600")); err == nil {
		c.RequestTimeout = d
	} else {
		c.RequestTimeout = 10 * time.Minute
	}
	if d, err := parseSeconds(GetEnv("CONNECT_TIMEOUT", "10")); err == nil {
		c.ConnectTimeout = d
	} else {
		c.ConnectTimeout = 10 * time.Second
	}
	if b, err := strconv.ParseBool(GetEnv("RECONNECT", "false")); err == nil {
		c.Reconnect = b
	}
	if f, err := strconv.ParseFloat(GetEnv("RATE_LIMIT", "0"), 64); err == nil {
		c.RateLimit = f
	}
	if n, err := strconv.Atoi(GetEnv("RATE_BURST", "16")); err == nil {
		c.RateBurst = n
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dapp-" + uuid.NewString()[:8]
	}
	c.ClientName = GetEnv("CLIENT_NAME", host)

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "client config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.HostURL, "host-url", c.HostURL, "wallet host WebSocket URL (e.g. ws://localhost:8765/bridge/connect)")
	fs.StringVar(&c.PortName, "port-name", c.PortName, "channel name presented to the host")
	fs.StringVar(&c.Channel, "channel", c.Channel, "page bus channel identifier")
	fs.StringVar(&c.Origin, "origin", c.Origin, "page origin sent during the handshake")
	fs.StringVar(&c.ClientName, "client-name", c.ClientName, "client display name shown in host state")
	fs.Func("request-timeout", "per-request timeout (seconds or duration)", func(v string) error {
		d, err := parseSeconds(v)
		if err != nil {
			return err
		}
		c.RequestTimeout = d
		return nil
	})
	fs.Func("connect-timeout", "time to wait for the host connection (seconds or duration)", func(v string) error {
		d, err := parseSeconds(v)
		if err != nil {
			return err
		}
		c.ConnectTimeout = d
		return nil
	})
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "reconnect to the host on failure")
	fs.BoolVar(&c.Reconnect, "r", c.Reconnect, "short for --reconnect")
	fs.Float64Var(&c.RateLimit, "rate-limit", c.RateLimit, "max page messages per second forwarded to the host (0 disables)")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "burst size for --rate-limit")
}

// Limit returns the configured relay rate limit.
func (c *ClientConfig) Limit() rate.Limit {
	if c.RateLimit <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.RateLimit)
}

// LoadFile populates the config from a YAML file. Fields already set remain unless
// overwritten by corresponding entries in the file.
func (c *ClientConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
