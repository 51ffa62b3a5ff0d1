// Package proxy implements support for an upstream (outgoing) SOCKS5 proxy,
// used to route rendezvous and transit connections through Tor.
package proxy

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	TypeNone      = "none"
	TypeTorSocks5 = "tor+socks5"
	TypeSocks5    = "socks5"

	netUnix = "unix"
	netTCP  = "tcp"

	// DefaultTorAddress is the SOCKS port of a stock tor daemon.
	DefaultTorAddress = "127.0.0.1:9050"

	maxSocks5AuthLen = 255
)

var torSocks5ProcessIsolation string

// Config is the proxy configuration.
type Config struct {
	// Type is the proxy type ("none", "socks5", "tor+socks5").
	Type string

	// Network is the proxy address' network (`unix`, `tcp`).
	Network string

	// Address is the proxy's address.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string

	auth *proxy.Auth
}

// DialContextFn is a function that matches the Dialer.DialContext prototype.
type DialContextFn func(context.Context, string, string) (net.Conn, error)

// Tor returns a config for the local tor daemon.
func Tor() *Config {
	return &Config{Type: TypeTorSocks5, Network: netTCP, Address: DefaultTorAddress}
}

// Enabled reports whether connections go through a proxy.
func (cfg *Config) Enabled() bool {
	return cfg != nil && cfg.Type != "" && cfg.Type != TypeNone
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	cfg.Type = strings.ToLower(cfg.Type)
	switch cfg.Type {
	case "":
		cfg.Type = TypeNone
	case TypeNone:
	case TypeSocks5, TypeTorSocks5:
		uLen, pLen := len(cfg.User), len(cfg.Password)
		if uLen > maxSocks5AuthLen {
			return fmt.Errorf("proxy/config: User too long")
		}
		if pLen > maxSocks5AuthLen {
			return fmt.Errorf("proxy/config: Password too long")
		}
		if uLen != 0 && pLen == 0 || uLen == 0 && pLen != 0 {
			return fmt.Errorf("proxy/config: Both User and Password must be specified")
		}
		if uLen != 0 && pLen != 0 {
			if cfg.Type == TypeTorSocks5 {
				return fmt.Errorf("proxy/config: Tor SOCKS5 conflicts with setting User/Password")
			}
			cfg.auth = &proxy.Auth{
				User:     cfg.User,
				Password: cfg.Password,
			}
		}

		if cfg.Network == "" {
			cfg.Network = netTCP
		}
		if cfg.Address == "" && cfg.Type == TypeTorSocks5 {
			cfg.Address = DefaultTorAddress
		}
		cfg.Network = strings.ToLower(cfg.Network)
		switch cfg.Network {
		case netTCP:
			if err := ensureAddrIPPort(cfg.Address); err != nil {
				return fmt.Errorf("proxy/config: Address '%v' is invalid: %v", cfg.Address, err)
			}
		case netUnix:
			fi, err := os.Lstat(cfg.Address)
			if err != nil {
				return fmt.Errorf("proxy/config: Address '%v' failed to stat(): %v", cfg.Address, err)
			}
			if fi.Mode()&os.ModeSocket == 0 {
				return fmt.Errorf("proxy/config: Address '%v' does not appear to be a socket", cfg.Address)
			}
		default:
			return fmt.Errorf("proxy/config: Network '%v' is invalid", cfg.Network)
		}
	default:
		return fmt.Errorf("proxy/config: Type '%v' is invalid", cfg.Type)
	}
	return nil
}

// ToDialContext returns a function matching Dialer.DialContext() that will
// utilize the configured proxy or nil iff no proxy is configured. Tor
// circuits are isolated per tag.
func (cfg *Config) ToDialContext(tag string) DialContextFn {
	if cfg == nil {
		return nil
	}
	switch cfg.Type {
	case TypeNone, "":
		return nil
	case TypeSocks5, TypeTorSocks5:
		return cfg.newContextSOCKS5(tag)
	default:
		panic("proxy: ToDialContext(): invalid type: " + cfg.Type)
	}
}

func (cfg *Config) newContextSOCKS5(tag string) DialContextFn {
	auth := cfg.auth
	if cfg.Type == TypeTorSocks5 {
		// Craft a SOCKSPort isolation entry from `tag`, and jam it into
		// the User/Password.
		sum := sha512.Sum512_256([]byte(tag))
		auth = &proxy.Auth{
			User:     torSocks5ProcessIsolation + hex.EncodeToString(sum[:16]),
			Password: string([]byte{0x00}),
		}
	}

	network, address := cfg.Network, cfg.Address
	return func(ctx context.Context, targetNet, targetAddr string) (net.Conn, error) {
		d, err := proxy.SOCKS5(network, address, auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("proxy: SOCKS5 dialer does not support contexts")
		}
		return cd.DialContext(ctx, targetNet, targetAddr)
	}
}

// Direct returns a plain dialer's DialContext.
func Direct() DialContextFn {
	d := &net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext
}

func ensureAddrIPPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if net.ParseIP(host) == nil {
		return fmt.Errorf("host '%v' is not an IP address", host)
	}
	if port == "" || port == "0" {
		return fmt.Errorf("port '%v' is invalid", port)
	}
	return nil
}

func init() {
	// Initialize the per-process Tor SOCKS isolation tag.
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(os.Getpid()))
	binary.BigEndian.PutUint64(buf[8:], uint64(time.Now().Unix()))
	sum := sha512.Sum512_256(buf[:])
	torSocks5ProcessIsolation = "wormhole:" + hex.EncodeToString(sum[:8]) + ":"
}
