package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-mysensors-gateway/internal/framer"
	"github.com/kstaniek/go-mysensors-gateway/internal/logging"
	"github.com/kstaniek/go-mysensors-gateway/internal/message"
)

type appConfig struct {
	configFile      string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	gatewayID       int
	gatewayName     string
	networkType     string
	delimiter       string
	maxMessageSize  int
	errorBackoff    time.Duration
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	queueBuffer     int
	queuePolicy     string
	logMetricsEvery time.Duration
	maxClients      int
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	logMessages     bool
}

func defaultConfig() *appConfig {
	return &appConfig{
		serialDev:      "/dev/ttyUSB0",
		baud:           115200,
		serialReadTO:   50 * time.Millisecond,
		gatewayID:      1,
		gatewayName:    "serial-gateway",
		networkType:    string(message.NetworkMySensors),
		delimiter:      `\n`,
		maxMessageSize: framer.DefaultMaxSize,
		errorBackoff:   framer.DefaultErrorBackoff,
		listenAddr:     ":5003",
		logFormat:      "text",
		logLevel:       "info",
		queueBuffer:    512,
		queuePolicy:    "drop",
		clientReadTO:   60 * time.Second,
	}
}

func parseFlags() (*appConfig, bool) {
	return parseArgs(flag.CommandLine, os.Args[1:])
}

// parseArgs registers all options on fs and resolves them with precedence
// flag > environment > config file > default.
func parseArgs(fs *flag.FlagSet, args []string) (*appConfig, bool) {
	cfg := defaultConfig()
	fs.StringVar(&cfg.configFile, "config", "", "Optional YAML config file")
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "Serial device path")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	fs.IntVar(&cfg.gatewayID, "gateway-id", cfg.gatewayID, "Gateway identifier stamped on every message")
	fs.StringVar(&cfg.gatewayName, "gateway-name", cfg.gatewayName, "Gateway display name")
	fs.StringVar(&cfg.networkType, "network-type", cfg.networkType, "Network type: MY_SENSORS|PHANT_IO|MY_CONTROLLER|RF_LINK")
	fs.StringVar(&cfg.delimiter, "delimiter", cfg.delimiter, `Message delimiter: single char, escape (\n, \r, \t, \0) or hex (0x0A)`)
	fs.IntVar(&cfg.maxMessageSize, "max-message-size", cfg.maxMessageSize, "Maximum message size in bytes")
	fs.DurationVar(&cfg.errorBackoff, "error-backoff", cfg.errorBackoff, "Pause after a failed serial read")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "TCP listen address")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: trace|debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.queueBuffer, "queue-buffer", cfg.queueBuffer, "Per-client queue buffer (messages)")
	fs.StringVar(&cfg.queuePolicy, "queue-policy", cfg.queuePolicy, "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default serial-gateway-<hostname>)")
	fs.BoolVar(&cfg.logMessages, "log-messages", false, "Log every assembled message at info level")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		fmt.Printf("flag error: %v\n", err)
		return nil, false
	}

	// Track which flags were explicitly set to give them precedence.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if v, ok := os.LookupEnv("MYC_GATEWAY_CONFIG"); ok && cfg.configFile == "" {
		cfg.configFile = strings.TrimSpace(v)
	}
	if cfg.configFile != "" {
		if err := applyConfigFile(cfg, cfg.configFile, setFlags); err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.queuePolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid queue-policy: %s", c.queuePolicy)
	}
	if _, err := message.ParseNetworkType(c.networkType); err != nil {
		return fmt.Errorf("invalid network-type: %w", err)
	}
	if _, err := parseDelimiter(c.delimiter); err != nil {
		return fmt.Errorf("invalid delimiter: %w", err)
	}
	if c.serialDev == "" {
		return errors.New("serial device must be set")
	}
	if c.gatewayID < 0 {
		return fmt.Errorf("gateway-id must be >= 0 (got %d)", c.gatewayID)
	}
	if c.queueBuffer <= 0 {
		return fmt.Errorf("queue-buffer must be > 0 (got %d)", c.queueBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.maxMessageSize <= 0 {
		return fmt.Errorf("max-message-size must be > 0 (got %d)", c.maxMessageSize)
	}
	if c.errorBackoff <= 0 {
		return fmt.Errorf("error-backoff must be > 0")
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// framerConfig converts the validated options into framing constants.
func (c *appConfig) framerConfig() framer.Config {
	d, _ := parseDelimiter(c.delimiter)
	return framer.Config{Delimiter: d, MaxSize: c.maxMessageSize, ErrorBackoff: c.errorBackoff}
}

// parseDelimiter accepts a single character, a backslash escape or a hex
// byte such as 0x0A. NUL is rejected because the framer treats zero as unset.
func parseDelimiter(s string) (byte, error) {
	switch s {
	case `\n`:
		return '\n', nil
	case `\r`:
		return '\r', nil
	case `\t`:
		return '\t', nil
	case `\0`:
		return 0, errors.New("NUL delimiter not supported")
	case "":
		return 0, errors.New("empty delimiter")
	}
	if len(s) == 1 {
		return s[0], nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseUint(s[2:], 16, 8)
		if err != nil {
			return 0, fmt.Errorf("bad hex delimiter %q: %w", s, err)
		}
		if n == 0 {
			return 0, errors.New("NUL delimiter not supported")
		}
		return byte(n), nil
	}
	return 0, fmt.Errorf("delimiter %q must be a single byte", s)
}

// applyEnvOverrides maps MYC_GATEWAY_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	setErr := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := get(flagName, key); ok {
			*dst = v
		}
	}
	num := func(flagName, key string, dst *int) {
		if v, ok := get(flagName, key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				setErr(key, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName, key string, dst *time.Duration) {
		if v, ok := get(flagName, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				setErr(key, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName, key string, dst *bool) {
		if v, ok := get(flagName, key); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				setErr(key, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("serial", "MYC_GATEWAY_SERIAL", &c.serialDev)
	num("baud", "MYC_GATEWAY_BAUD", &c.baud)
	dur("serial-read-timeout", "MYC_GATEWAY_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	num("gateway-id", "MYC_GATEWAY_ID", &c.gatewayID)
	str("gateway-name", "MYC_GATEWAY_NAME", &c.gatewayName)
	str("network-type", "MYC_GATEWAY_NETWORK_TYPE", &c.networkType)
	str("delimiter", "MYC_GATEWAY_DELIMITER", &c.delimiter)
	num("max-message-size", "MYC_GATEWAY_MAX_MESSAGE_SIZE", &c.maxMessageSize)
	dur("error-backoff", "MYC_GATEWAY_ERROR_BACKOFF", &c.errorBackoff)
	str("listen", "MYC_GATEWAY_LISTEN", &c.listenAddr)
	str("log-format", "MYC_GATEWAY_LOG_FORMAT", &c.logFormat)
	str("log-level", "MYC_GATEWAY_LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "MYC_GATEWAY_METRICS", &c.metricsAddr)
	num("queue-buffer", "MYC_GATEWAY_QUEUE_BUFFER", &c.queueBuffer)
	str("queue-policy", "MYC_GATEWAY_QUEUE_POLICY", &c.queuePolicy)
	dur("log-metrics-interval", "MYC_GATEWAY_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	num("max-clients", "MYC_GATEWAY_MAX_CLIENTS", &c.maxClients)
	dur("client-read-timeout", "MYC_GATEWAY_CLIENT_READ_TIMEOUT", &c.clientReadTO)
	boolean("mdns-enable", "MYC_GATEWAY_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "MYC_GATEWAY_MDNS_NAME", &c.mdnsName)
	boolean("log-messages", "MYC_GATEWAY_LOG_MESSAGES", &c.logMessages)
	return firstErr
}
