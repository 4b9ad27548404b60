package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/mcp-http-bridge/internal/child"
)

// Correlation modes understood by the correlator.
const (
	CorrelationID   = "id"
	CorrelationFIFO = "fifo"
)

// BridgeConfig holds configuration for the HTTP bridge.
type BridgeConfig struct {
	Port                 int           `yaml:"port"`
	Host                 string        `yaml:"host"`
	PublicURL            string        `yaml:"public_url"`
	Command              string        `yaml:"command"`
	Args                 []string      `yaml:"args"`
	Env                  []string      `yaml:"env"`
	Dir                  string        `yaml:"dir"`
	Stderr               string        `yaml:"stderr"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	KeepAlive            time.Duration `yaml:"keepalive"`
	StopTimeout          time.Duration `yaml:"stop_timeout"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	Correlation          string        `yaml:"correlation"`
	MaxBodyBytes         int64         `yaml:"max_body_bytes"`
	MaxFrameBytes        int           `yaml:"max_frame_bytes"`
	AllowedOrigins       []string      `yaml:"allowed_origins"`
	ForwardNotifications bool          `yaml:"forward_notifications"`
	MetricsAddr          string        `yaml:"metrics_addr"`
	ConfigFile           string        `yaml:"-"`
	LogLevel             string        `yaml:"log_level"`
}

// Built-in defaults. The child command is the containerised MCP server the
// bridge was written for.
const (
	DefaultPort           = 18888
	DefaultRequestTimeout = 30 * time.Second
	DefaultKeepAlive      = 15 * time.Second
	DefaultStopTimeout    = 5 * time.Second
	DefaultMaxBodyBytes   = 4 << 20
	DefaultMaxFrameBytes  = 10 << 20
)

var defaultCommand = []string{"docker", "exec", "-i", "mcp-serve", "/app/mcp-serve", "-transport", "stdio"}

// SetDefaults initializes c with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Command == "" {
		c.Command = defaultCommand[0]
		c.Args = append([]string(nil), defaultCommand[1:]...)
	}
	if c.Stderr == "" {
		c.Stderr = child.StderrLog
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.Correlation == "" {
		c.Correlation = CorrelationID
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{"*"}
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("bridge.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BridgeConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	// BRIDGE_PORT wins over the generic PORT.
	for _, key := range []string{"PORT", "BRIDGE_PORT"} {
		if v := GetEnv(key, ""); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.Port = n
			}
		}
	}
	if v := GetEnv("BRIDGE_HOST", ""); v != "" {
		c.Host = v
	}
	if v := GetEnv("PUBLIC_URL", ""); v != "" {
		c.PublicURL = v
	}
	if v := GetEnv("MCP_COMMAND", ""); v != "" {
		c.Command = v
		c.Args = nil
	}
	if v := GetEnv("MCP_ARGS", ""); v != "" {
		c.Args = strings.Fields(v)
	}
	if v := GetEnv("MCP_STDERR", ""); v != "" {
		c.Stderr = strings.ToLower(v)
	}
	if v := GetEnv("REQUEST_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := GetEnv("KEEPALIVE_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.KeepAlive = d
		}
	}
	if v := GetEnv("SHUTDOWN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ShutdownTimeout = d
		}
	}
	if v := GetEnv("CORRELATION", ""); v != "" {
		c.Correlation = strings.ToLower(v)
	}
	if v := GetEnv("MAX_BODY_BYTES", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxBodyBytes = n
		}
	}
	if v := GetEnv("MAX_FRAME_BYTES", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxFrameBytes = n
		}
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("FORWARD_NOTIFICATIONS", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ForwardNotifications = b
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
}

// BindFlags binds command line flags on fs using the current config values as
// defaults. Call it after SetDefaults, LoadFile and ApplyEnv.
func (c *BridgeConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.Host, "host", c.Host, "HTTP listen host; empty listens on all interfaces")
	fs.StringVar(&c.PublicURL, "public-url", c.PublicURL, "base URL advertised in the SSE endpoint event (defaults to http://<request host>)")
	fs.StringVar(&c.Command, "command", c.Command, "child executable; arguments follow a -- separator")
	fs.StringVar(&c.Stderr, "stderr", c.Stderr, "child stderr handling (log, discard, inherit)")
	fs.Func("request-timeout", "seconds to wait for a child reply", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	fs.DurationVar(&c.KeepAlive, "keepalive", c.KeepAlive, "SSE heartbeat interval")
	fs.DurationVar(&c.StopTimeout, "stop-timeout", c.StopTimeout, "grace period before the child is killed on shutdown")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "time allowed for in-flight HTTP requests on shutdown")
	fs.StringVar(&c.Correlation, "correlation", c.Correlation, "reply matching: id (rewrite and match ids) or fifo (one request at a time)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body", c.MaxBodyBytes, "maximum POST /message body size in bytes")
	fs.IntVar(&c.MaxFrameBytes, "max-frame", c.MaxFrameBytes, "maximum size of one line of child output in bytes")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins (* for any)", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.BoolVar(&c.ForwardNotifications, "forward-notifications", c.ForwardNotifications, "relay unsolicited child messages to SSE clients")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the main port")
}

// ApplyArgs takes the positional arguments left after flag parsing as the
// child command line, replacing the configured one.
func (c *BridgeConfig) ApplyArgs(args []string) {
	if len(args) == 0 {
		return
	}
	c.Command = args[0]
	c.Args = append([]string(nil), args[1:]...)
}

// Validate reports configuration values the bridge cannot run with.
func (c *BridgeConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Command) == "" {
		errs = append(errs, errors.New("child command is empty"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Correlation {
	case CorrelationID, CorrelationFIFO:
	default:
		errs = append(errs, fmt.Errorf("unknown correlation mode %q", c.Correlation))
	}
	switch c.Stderr {
	case child.StderrLog, child.StderrDiscard, child.StderrInherit:
	default:
		errs = append(errs, fmt.Errorf("unknown stderr policy %q", c.Stderr))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.KeepAlive <= 0 {
		errs = append(errs, errors.New("keepalive interval must be positive"))
	}
	if c.MaxBodyBytes <= 0 || c.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("size limits must be positive"))
	}
	return errors.Join(errs...)
}

// ListenAddr returns the address the HTTP server binds to.
func (c *BridgeConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SharedMetrics reports whether /metrics is served on the main listener.
func (c *BridgeConfig) SharedMetrics() bool {
	if c.MetricsAddr == "" {
		return true
	}
	host, port, err := net.SplitHostPort(c.MetricsAddr)
	if err != nil {
		return false
	}
	if p, err := strconv.Atoi(port); err != nil || p != c.Port {
		return false
	}
	return anyHost(c.Host) || anyHost(host) || strings.EqualFold(host, c.Host) || (loopback(host) && loopback(c.Host))
}

func anyHost(h string) bool {
	return h == "" || h == "0.0.0.0" || h == "::"
}

func loopback(h string) bool {
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadFile populates the config from a YAML file. Fields absent from the file
// keep their current values.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
