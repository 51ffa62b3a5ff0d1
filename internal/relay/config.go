package relay

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultRendezvousAddress = ":4000"
	DefaultTransitAddress    = ":4001"

	// DefaultPruneInterval is how often idle state is swept, in milliseconds.
	DefaultPruneInterval = 60 * 1000
	// DefaultMaxIdle is how long unattended state survives, in milliseconds.
	DefaultMaxIdle = 2 * 60 * 60 * 1000

	defaultLogLevel = "NOTICE"
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

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Config is the relay daemon configuration.
type Config struct {
	// RendezvousAddress is the HTTP listen address for /v1 and /metrics.
	RendezvousAddress string

	// TransitAddress is the TCP listen address of the transit relay. Empty
	// disables it.
	TransitAddress string

	// DisableMetrics turns off the /metrics endpoint.
	DisableMetrics bool

	// MOTD is sent to every client in the welcome message.
	MOTD string

	// WelcomeError, when set, makes the relay turn every client away.
	WelcomeError string

	// PruneInterval is how often idle state is swept, in milliseconds.
	PruneInterval int

	// MaxIdle is how long a nameplate or mailbox nobody is attached to
	// survives, in milliseconds.
	MaxIdle int

	// Logging is the logging configuration.
	Logging *Logging
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (c *Config) FixupAndValidate() error {
	if c.RendezvousAddress == "" {
		c.RendezvousAddress = DefaultRendezvousAddress
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = DefaultMaxIdle
	}
	if c.Logging == nil {
		c.Logging = &Logging{Level: defaultLogLevel}
	}
	return c.Logging.validate()
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		RendezvousAddress: DefaultRendezvousAddress,
		TransitAddress:    DefaultTransitAddress,
	}
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
