package transit

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// HintType is the kind of a connection hint.
type HintType string

const (
	// HintDirect is a TCP address of the peer itself.
	HintDirect HintType = "direct-tcp-v1"
	// HintRelay is a TCP address of a transit relay.
	HintRelay HintType = "relay-v1"
)

// Hint is one way to reach a side.
type Hint struct {
	Type     HintType `json:"type"`
	Hostname string   `json:"hostname"`
	Port     int      `json:"port"`
	Priority float64  `json:"priority,omitempty"`
}

// Addr returns host:port.
func (h Hint) Addr() string {
	return net.JoinHostPort(h.Hostname, strconv.Itoa(h.Port))
}

func (h Hint) String() string { return string(h.Type) + ":" + h.Addr() }

type hintsMessage struct {
	Hints []Hint `json:"hints-v1"`
}

// EncodeHints renders hints as the body of the transit phase.
func EncodeHints(hints []Hint) ([]byte, error) {
	if hints == nil {
		hints = []Hint{}
	}
	return json.Marshal(hintsMessage{Hints: hints})
}

// DecodeHints parses the peer's transit phase. Hints of unknown type or
// with bad addresses are skipped.
func DecodeHints(b []byte) ([]Hint, error) {
	var m hintsMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("transit: malformed hints: %w", err)
	}
	out := make([]Hint, 0, len(m.Hints))
	for _, h := range m.Hints {
		if h.Type != HintDirect && h.Type != HintRelay {
			continue
		}
		if h.Hostname == "" || h.Port <= 0 || h.Port > 65535 {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// ParseRelay parses a relay location given as "tcp:host:port" or
// "host:port".
func ParseRelay(s string) (Hint, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "tcp:")
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Hint{}, fmt.Errorf("transit: bad relay address %q: %w", s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Hint{}, fmt.Errorf("transit: bad relay port %q", port)
	}
	if host == "" {
		return Hint{}, fmt.Errorf("transit: relay address %q has no host", s)
	}
	return Hint{Type: HintRelay, Hostname: host, Port: p}, nil
}

// localAddresses lists the unicast addresses of this host, skipping
// link-local ones.
func localAddresses() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipn.IP
		if ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
			continue
		}
		out = append(out, ip.String())
	}
	return out, nil
}
