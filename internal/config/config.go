package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"socks4-proxy/internal/domain"
)

// Config holds all proxy settings.
type Config struct {
	ListenAddr         netip.AddrPort
	DNSServer          netip.AddrPort
	ConnectTimeout     time.Duration
	NegotiationTimeout time.Duration
	TickInterval       time.Duration
	MaxFieldLength     int
	MaxBuffered        int
	RejectReplies      bool

	LogLevel  string
	LogFormat string
}

// Load parses args (without the program name). Every flag defaults to the
// matching SOCKS4_* environment variable when it is set.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("socks4-proxy", pflag.ContinueOnError)
	fs.SortFlags = false

	listen := fs.String("listen", getEnv("SOCKS4_LISTEN", "0.0.0.0:1080"), "IPv4 address and port to accept SOCKS4 clients on")
	dnsServer := fs.String("dns-server", getEnv("SOCKS4_DNS_SERVER", "8.8.8.8:53"), "IPv4 DNS server used to resolve SOCKS4a host names")
	connectTimeout := fs.Duration("connect-timeout", getEnvDuration("SOCKS4_CONNECT_TIMEOUT", 10*time.Second), "Timeout for resolving and connecting to the destination (0 disables)")
	negotiationTimeout := fs.Duration("negotiation-timeout", getEnvDuration("SOCKS4_NEGOTIATION_TIMEOUT", 10*time.Second), "Timeout for a client to send its complete request (0 disables)")
	tick := fs.Duration("tick", getEnvDuration("SOCKS4_TICK", 500*time.Millisecond), "How often pending connects are checked for expiry")
	maxField := fs.Int("max-field-length", getEnvInt("SOCKS4_MAX_FIELD_LENGTH", 255), "Maximum user id and host name length")
	maxBuffered := fs.Int("max-buffered", getEnvInt("SOCKS4_MAX_BUFFERED", 64<<10), "Maximum unconsumed bytes buffered per direction")
	reject := fs.Bool("reject-replies", getEnvBool("SOCKS4_REJECT_REPLIES", true), "Send a 0x5B reply before closing failed handshakes")
	logLevel := fs.String("log-level", getEnv("SOCKS4_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	logFormat := fs.String("log-format", getEnv("SOCKS4_LOG_FORMAT", "text"), "Log format: text|json")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	listenAddr, err := netip.ParseAddrPort(*listen)
	if err != nil {
		return nil, fmt.Errorf("invalid --listen: %w", err)
	}
	dnsAddr, err := parseDNSServer(*dnsServer)
	if err != nil {
		return nil, fmt.Errorf("invalid --dns-server: %w", err)
	}

	cfg := &Config{
		ListenAddr:         listenAddr,
		DNSServer:          dnsAddr,
		ConnectTimeout:     *connectTimeout,
		NegotiationTimeout: *negotiationTimeout,
		TickInterval:       *tick,
		MaxFieldLength:     *maxField,
		MaxBuffered:        *maxBuffered,
		RejectReplies:      *reject,
		LogLevel:           strings.ToLower(*logLevel),
		LogFormat:          strings.ToLower(*logFormat),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.ListenAddr.Addr().Is4() {
		return errors.New("--listen must be an IPv4 address")
	}
	if !c.DNSServer.Addr().Is4() {
		return errors.New("--dns-server must be an IPv4 address")
	}
	if c.ConnectTimeout < 0 {
		return errors.New("--connect-timeout must be >= 0")
	}
	if c.NegotiationTimeout < 0 {
		return errors.New("--negotiation-timeout must be >= 0")
	}
	if c.TickInterval <= 0 {
		return errors.New("--tick must be > 0")
	}
	if c.MaxFieldLength <= 0 || c.MaxFieldLength > domain.MaxHostLength {
		return fmt.Errorf("--max-field-length must be in 1..%d", domain.MaxHostLength)
	}
	if c.MaxBuffered < c.MaxFieldLength*2+8 {
		return errors.New("--max-buffered cannot hold a full request")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported --log-level: %s", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported --log-format: %s", c.LogFormat)
	}
	return nil
}

// parseDNSServer accepts host:port or a bare address on port 53.
func parseDNSServer(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, 53), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
