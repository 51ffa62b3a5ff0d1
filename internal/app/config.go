package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"wormhole/internal/code"
	"wormhole/internal/proxy"
	"wormhole/internal/services/session"
	"wormhole/internal/services/transit"
)

const (
	// DefaultAppID is the application id of text and file transfers.
	DefaultAppID = "lothar.com/wormhole/text-xfer"

	DefaultRelayURL      = "ws://relay.magic-wormhole.io:4000/v1"
	DefaultTransitHelper = "tcp:transit.magic-wormhole.io:4001"
	DefaultLogLevel      = "NOTICE"

	// DefaultConnectTimeout bounds reaching the rendezvous relay, in
	// milliseconds.
	DefaultConnectTimeout = 30 * 1000
	// DefaultTransitTimeout bounds transit negotiation, in milliseconds.
	DefaultTransitTimeout = 30 * 1000
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stderr will be used.
	File string

	// Level specifies the log level.
	Level string
}

// Validate validates the logging configuration.
func (lCfg *Logging) Validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = DefaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Config holds everything a send or receive needs. It can be loaded from a
// TOML file and overridden by command line flags.
type Config struct {
	// AppID namespaces our traffic on the relay.
	AppID string

	// RelayURL is the rendezvous relay, ws:// or wss://.
	RelayURL string

	// TransitHelper is the transit relay as "tcp:host:port". Empty means
	// direct connections only.
	TransitHelper string

	// CodeLength is the number of words in a generated code.
	CodeLength int

	// Verify shows the verifier and asks before sending anything.
	Verify bool

	// NoListen disables the transit listener.
	NoListen bool

	// ListenAddr is the transit listen address, ":0" by default.
	ListenAddr string

	// AdvertiseAddrs replaces the local addresses put in transit hints.
	AdvertiseAddrs []string

	// Tor routes every connection through Tor and disables listening.
	Tor bool

	// DumpTiming is a file the timing events are written to on exit.
	DumpTiming string

	// ConnectTimeout bounds reaching the relay, in milliseconds.
	ConnectTimeout int

	// LonelyTimeout bounds the wait for the other side, in milliseconds.
	// Zero waits forever.
	LonelyTimeout int

	// TransitTimeout bounds transit negotiation, in milliseconds.
	TransitTimeout int

	// RelayDelay holds back transit relay attempts, in milliseconds.
	RelayDelay int

	// MaxAuthFailures is how many undecryptable messages end a session.
	MaxAuthFailures int

	// Proxy is the optional outgoing proxy. Tor implies a tor+socks5 proxy
	// on the default port unless one is given.
	Proxy *proxy.Config

	// Logging is the logging configuration.
	Logging *Logging
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		AppID:         DefaultAppID,
		RelayURL:      DefaultRelayURL,
		TransitHelper: DefaultTransitHelper,
		CodeLength:    code.DefaultLength,
	}
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (c *Config) FixupAndValidate() error {
	if c.AppID == "" {
		c.AppID = DefaultAppID
	}
	if c.RelayURL == "" {
		c.RelayURL = DefaultRelayURL
	}
	if !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return fmt.Errorf("config: RelayURL '%v' must be ws:// or wss://", c.RelayURL)
	}
	if c.TransitHelper != "" {
		if _, err := transit.ParseRelay(c.TransitHelper); err != nil {
			return fmt.Errorf("config: TransitHelper: %w", err)
		}
	}
	if c.CodeLength == 0 {
		c.CodeLength = code.DefaultLength
	}
	if c.CodeLength < code.MinWords || c.CodeLength > code.MaxWords {
		return fmt.Errorf("config: CodeLength must be %d to %d", code.MinWords, code.MaxWords)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.LonelyTimeout < 0 {
		return fmt.Errorf("config: LonelyTimeout '%v' is negative", c.LonelyTimeout)
	}
	if c.TransitTimeout <= 0 {
		c.TransitTimeout = DefaultTransitTimeout
	}
	if c.RelayDelay <= 0 {
		c.RelayDelay = int(transit.DefaultRelayDelay / time.Millisecond)
	}
	if c.MaxAuthFailures <= 0 {
		c.MaxAuthFailures = session.DefaultMaxAuthFailures
	}

	if c.Tor {
		if !c.Proxy.Enabled() {
			c.Proxy = proxy.Tor()
		}
		// Listening would reveal our address to the peer.
		c.NoListen = true
	}
	if c.Proxy != nil {
		if err := c.Proxy.FixupAndValidate(); err != nil {
			return err
		}
	}

	if c.Logging == nil {
		c.Logging = &Logging{Level: DefaultLogLevel}
	}
	return c.Logging.Validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
