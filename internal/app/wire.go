package app

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"wormhole/internal/domain"
	"wormhole/internal/log"
	"wormhole/internal/proxy"
	"wormhole/internal/rendezvous"
	"wormhole/internal/retry"
	"wormhole/internal/services/session"
	"wormhole/internal/services/transit"
	"wormhole/internal/timing"
)

// Wire bundles the logging backend, timing and dialers built from a Config.
type Wire struct {
	Config  *Config
	Backend *log.Backend
	Timing  *timing.Timing

	// Rendezvous dials the rendezvous relay. Tests swap in an in-memory
	// server here.
	Rendezvous rendezvous.DialFunc

	// Dial makes outbound transit connections.
	Dial proxy.DialContextFn

	Retry retry.Policy

	log *logging.Logger
}

// NewWire constructs the dependency graph from cfg, which must have been
// through FixupAndValidate. A nil t gets a fresh Timing.
func NewWire(cfg *Config, t *timing.Timing) (*Wire, error) {
	if cfg.Logging == nil {
		return nil, errors.New("app: config was not validated")
	}
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	if t == nil {
		t = timing.New()
	}

	dial := proxy.Direct()
	if cfg.Proxy.Enabled() {
		dial = cfg.Proxy.ToDialContext("wormhole")
	}

	w := &Wire{
		Config:     cfg,
		Backend:    backend,
		Timing:     t,
		Rendezvous: rendezvous.WebSocketDialer(cfg.RelayURL, dial),
		Dial:       dial,
		Retry:      retry.DefaultPolicy(),
		log:        backend.GetLogger("app"),
	}
	return w, nil
}

// Logger returns a logger for module.
func (w *Wire) Logger(module string) *logging.Logger { return w.Backend.GetLogger(module) }

// OpenSession connects to the relay and opens a session for code, or for a
// freshly generated code when code is empty. A malformed code is rejected
// before connecting.
func (w *Wire) OpenSession(ctx context.Context, c string) (*session.Session, error) {
	return session.Dial(ctx, session.Config{
		AppID:           domain.AppID(w.Config.AppID),
		Code:            c,
		CodeLength:      w.Config.CodeLength,
		Timeout:         millis(w.Config.LonelyTimeout),
		MaxAuthFailures: w.Config.MaxAuthFailures,
		AppVersions:     domain.AppVersions{},
		ConnectTimeout:  millis(w.Config.ConnectTimeout),
	}, rendezvous.Config{
		Dial:  w.Rendezvous,
		Log:   w.Logger("rendezvous"),
		Retry: w.Retry,
	}, session.Deps{
		Log:    w.Logger("session"),
		Timing: w.Timing,
	})
}

// TransitConfig returns the negotiation settings; Key and sides are filled
// in by transit.Establish.
func (w *Wire) TransitConfig() (transit.Config, error) {
	cfg := transit.Config{
		Listen:         !w.Config.NoListen,
		ListenAddr:     w.Config.ListenAddr,
		AdvertiseAddrs: w.Config.AdvertiseAddrs,
		Dial:           w.Dial,
		RelayDelay:     millis(w.Config.RelayDelay),
		Timeout:        millis(w.Config.TransitTimeout),
		Log:            w.Logger("transit"),
		Timing:         w.Timing,
	}
	if w.Config.TransitHelper != "" {
		h, err := transit.ParseRelay(w.Config.TransitHelper)
		if err != nil {
			return transit.Config{}, err
		}
		cfg.Relays = []transit.Hint{h}
	}
	return cfg, nil
}

// Close writes the timing dump, if configured, and closes the log.
func (w *Wire) Close() error {
	var err error
	if w.Config.DumpTiming != "" {
		w.Timing.Stop()
		if werr := w.Timing.Write(w.Config.DumpTiming); werr != nil {
			err = fmt.Errorf("app: writing timing data: %w", werr)
		}
	}
	if cerr := w.Backend.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
