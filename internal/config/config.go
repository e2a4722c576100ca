package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the sipek daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	SIPPort    int
	NoUDP      bool
	NoTCP      bool
	UseTLS     bool // TLS listens on SIPPort+1
	TLSCert    string
	TLSKey     string
	ExternalIP string // address advertised in SDP

	StunAddress string
	NameServer  string
	VAD         bool
	ECTail      time.Duration
	ClockRate   int

	PollingEvents bool // host polls for events instead of a dispatcher goroutine
	MaxCalls      int
	UserAgent     string

	AutoLoop       bool
	AutoPlayback   bool
	PlayFile       string
	AutoRecord     bool
	RecordFile     string
	AutoConference bool

	CallDuration time.Duration // 0 disables the cap

	DND            bool
	AutoAnswer     bool
	CFU            bool
	CFUNumber      string
	CFNR           bool
	CFNRNumber     string
	CFB            bool
	CFBNumber      string
	NoReplyTimeout time.Duration

	NoReferSub     bool
	PublishEnabled bool
	RegisterExpiry int // seconds

	HostEncoding string

	CallLogDSN     string // empty selects SQLite in DataDir
	CallLogMaxDays int    // 0 keeps entries forever
	APISecret      string // HS256 secret for API bearer tokens; empty disables auth
	APIRateLimit   float64
}

// defaults
const (
	defaultDataDir        = "./data"
	defaultHTTPPort       = 8080
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultSIPPort        = 5060
	defaultECTail         = 200 * time.Millisecond
	defaultClockRate      = 8000
	defaultMaxCalls       = 4
	defaultUserAgent      = "sipekd"
	defaultNoReplyTimeout = 15 * time.Second
	defaultRegisterExpiry = 3600
	defaultHostEncoding   = "utf-8"
	defaultAPIRateLimit   = 20
)

// envPrefix is the prefix for all sipek environment variables.
const envPrefix = "SIPEK_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	fs := newFlagSet(cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("sipekd", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call log database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "control API listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port (TLS uses the next port)")
	fs.BoolVar(&cfg.NoUDP, "no-udp", false, "disable the SIP UDP transport")
	fs.BoolVar(&cfg.NoTCP, "no-tcp", false, "disable the SIP TCP transport")
	fs.BoolVar(&cfg.UseTLS, "use-tls", false, "enable the SIP TLS transport")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "IP address advertised in SDP (auto-detected if empty)")

	fs.StringVar(&cfg.StunAddress, "stun-address", "", "STUN server host:port")
	fs.StringVar(&cfg.NameServer, "name-server", "", "DNS server host[:port] for SIP resolution")
	fs.BoolVar(&cfg.VAD, "vad", true, "enable voice activity detection")
	fs.DurationVar(&cfg.ECTail, "ec-tail", defaultECTail, "echo canceller tail length (0 disables)")
	fs.IntVar(&cfg.ClockRate, "clock-rate", defaultClockRate, "conference bridge clock rate in Hz")

	fs.BoolVar(&cfg.PollingEvents, "polling-events", false, "deliver events from a poll loop instead of a dispatcher goroutine")
	fs.IntVar(&cfg.MaxCalls, "max-calls", defaultMaxCalls, "maximum number of simultaneous calls")
	fs.StringVar(&cfg.UserAgent, "user-agent", defaultUserAgent, "SIP User-Agent header")

	fs.BoolVar(&cfg.AutoLoop, "auto-loop", false, "loop call audio back to the caller")
	fs.BoolVar(&cfg.AutoPlayback, "auto-playback", false, "play play-file into answered calls")
	fs.StringVar(&cfg.PlayFile, "play-file", "", "WAV file for auto playback")
	fs.BoolVar(&cfg.AutoRecord, "auto-record", false, "record answered calls to record-file")
	fs.StringVar(&cfg.RecordFile, "record-file", "", "WAV file for auto recording")
	fs.BoolVar(&cfg.AutoConference, "auto-conference", false, "bridge every call with media into one conference")

	fs.DurationVar(&cfg.CallDuration, "call-duration", 0, "hang up confirmed calls after this long (0 disables)")

	fs.BoolVar(&cfg.DND, "dnd", false, "reject incoming calls (do not disturb)")
	fs.BoolVar(&cfg.AutoAnswer, "auto-answer", false, "answer incoming calls automatically")
	fs.BoolVar(&cfg.CFU, "cfu", false, "forward all incoming calls to cfu-number")
	fs.StringVar(&cfg.CFUNumber, "cfu-number", "", "unconditional forwarding destination")
	fs.BoolVar(&cfg.CFNR, "cfnr", false, "forward unanswered calls to cfnr-number")
	fs.StringVar(&cfg.CFNRNumber, "cfnr-number", "", "no-reply forwarding destination")
	fs.BoolVar(&cfg.CFB, "cfb", false, "forward incoming calls to cfb-number while busy")
	fs.StringVar(&cfg.CFBNumber, "cfb-number", "", "busy forwarding destination")
	fs.DurationVar(&cfg.NoReplyTimeout, "no-reply-timeout", defaultNoReplyTimeout, "ring time before no-reply forwarding")

	fs.BoolVar(&cfg.NoReferSub, "no-refer-sub", false, "send Refer-Sub: false with transfers")
	fs.BoolVar(&cfg.PublishEnabled, "publish", false, "publish presence with SIP PUBLISH")
	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", defaultRegisterExpiry, "registration expiry in seconds")

	fs.StringVar(&cfg.HostEncoding, "host-encoding", defaultHostEncoding, "character encoding of text passed to the host")

	fs.StringVar(&cfg.CallLogDSN, "calllog-dsn", "", "call log database (empty for SQLite in data-dir, or a postgres:// URL)")
	fs.IntVar(&cfg.CallLogMaxDays, "calllog-max-days", 0, "delete call log entries older than this many days (0 keeps them)")
	fs.StringVar(&cfg.APISecret, "api-secret", "", "HS256 secret for control API bearer tokens (empty disables auth)")
	fs.Float64Var(&cfg.APIRateLimit, "api-rate-limit", defaultAPIRateLimit, "control API requests per second per client IP")

	return fs
}

// envName maps a flag name to its environment variable, e.g.
// "http-port" to SIPEK_HTTP_PORT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		env := envName(f.Name)
		val, ok := os.LookupEnv(env)
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", env, err))
		}
	})
	return errors.Join(errs...)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.UseTLS && c.SIPPort == 65535 {
		return fmt.Errorf("sip-port must leave room for the TLS port with use-tls, got %d", c.SIPPort)
	}
	if c.NoUDP && c.NoTCP && !c.UseTLS {
		return fmt.Errorf("no-udp and no-tcp leave no SIP transport; enable use-tls or drop one of them")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}
	if c.UseTLS && c.TLSCert == "" {
		return fmt.Errorf("use-tls requires tls-cert and tls-key")
	}

	switch c.ClockRate {
	case 8000, 16000, 32000, 44100, 48000:
	default:
		return fmt.Errorf("clock-rate must be one of 8000, 16000, 32000, 44100, 48000; got %d", c.ClockRate)
	}
	if c.ECTail < 0 {
		return fmt.Errorf("ec-tail must not be negative, got %s", c.ECTail)
	}

	if c.MaxCalls < 1 || c.MaxCalls > 256 {
		return fmt.Errorf("max-calls must be between 1 and 256, got %d", c.MaxCalls)
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		return fmt.Errorf("user-agent must not be empty")
	}

	if c.AutoPlayback && c.PlayFile == "" {
		return fmt.Errorf("auto-playback requires play-file")
	}
	if c.AutoRecord && c.RecordFile == "" {
		return fmt.Errorf("auto-record requires record-file")
	}

	if c.CallDuration < 0 {
		return fmt.Errorf("call-duration must not be negative, got %s", c.CallDuration)
	}
	if c.NoReplyTimeout <= 0 {
		return fmt.Errorf("no-reply-timeout must be positive, got %s", c.NoReplyTimeout)
	}
	if c.RegisterExpiry < 60 {
		return fmt.Errorf("register-expiry must be at least 60 seconds, got %d", c.RegisterExpiry)
	}

	if strings.TrimSpace(c.HostEncoding) == "" {
		return fmt.Errorf("host-encoding must not be empty")
	}
	if c.CallLogMaxDays < 0 {
		return fmt.Errorf("calllog-max-days must not be negative, got %d", c.CallLogMaxDays)
	}
	if c.APIRateLimit <= 0 {
		return fmt.Errorf("api-rate-limit must be positive, got %v", c.APIRateLimit)
	}

	return nil
}

// TLSPort returns the SIP TLS listen port.
func (c *Config) TLSPort() int {
	return c.SIPPort + 1
}

// MediaIP returns the IP address to advertise in SDP.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
