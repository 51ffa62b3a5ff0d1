package relay

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"wormhole/internal/log"
	"wormhole/internal/rendezvous"
	"wormhole/internal/services/transit"
	"wormhole/internal/worker"
)

// Relay is a running relay daemon.
type Relay struct {
	worker.Worker

	cfg     *Config
	backend *log.Backend
	log     *logging.Logger

	rendezvous *rendezvous.Server
	transit    *transit.RelayServer
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec

	httpLn    net.Listener
	transitLn net.Listener
	http      *http.Server

	shutdownOnce sync.Once
}

// New starts a relay with cfg, which must have been through
// FixupAndValidate.
func New(cfg *Config) (*Relay, error) {
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	r := &Relay{
		cfg:        cfg,
		backend:    backend,
		log:        backend.GetLogger("relay"),
		rendezvous: rendezvous.NewServer(backend.GetLogger("rendezvous")),
		transit:    transit.NewRelayServer(backend.GetLogger("transit")),
		requests:   newRequestCounter(),
	}
	r.rendezvous.SetMOTD(cfg.MOTD)
	if cfg.WelcomeError != "" {
		r.rendezvous.SetWelcomeError(cfg.WelcomeError)
	}
	r.registry = newRegistry(r.rendezvous, r.transit, r.requests)

	if r.httpLn, err = net.Listen("tcp", cfg.RendezvousAddress); err != nil {
		backend.Close()
		return nil, fmt.Errorf("relay: rendezvous listener: %w", err)
	}
	if cfg.TransitAddress != "" {
		if r.transitLn, err = net.Listen("tcp", cfg.TransitAddress); err != nil {
			r.httpLn.Close()
			backend.Close()
			return nil, fmt.Errorf("relay: transit listener: %w", err)
		}
	}

	r.http = &http.Server{Handler: r.handler(), ReadHeaderTimeout: 10 * time.Second}
	r.Go(func() {
		if err := r.http.Serve(r.httpLn); err != nil && err != http.ErrServerClosed {
			r.log.Errorf("HTTP server: %v", err)
		}
	})
	if r.transitLn != nil {
		r.Go(func() {
			if err := r.transit.Serve(r.transitLn); err != nil {
				r.log.Errorf("Transit relay: %v", err)
			}
		})
		r.log.Noticef("Transit relay listening on %v", r.transitLn.Addr())
	}
	r.Go(r.pruneWorker)
	r.log.Noticef("Rendezvous relay listening on ws://%v/v1", r.httpLn.Addr())
	return r, nil
}

// RendezvousAddr is the address of the HTTP listener.
func (r *Relay) RendezvousAddr() net.Addr { return r.httpLn.Addr() }

// TransitAddr is the address of the transit listener, or nil.
func (r *Relay) TransitAddr() net.Addr {
	if r.transitLn == nil {
		return nil
	}
	return r.transitLn.Addr()
}

// Rendezvous returns the rendezvous server.
func (r *Relay) Rendezvous() *rendezvous.Server { return r.rendezvous }

func (r *Relay) pruneWorker() {
	interval := millis(r.cfg.PruneInterval)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.HaltCh():
			return
		case now := <-t.C:
			if n := r.rendezvous.Prune(now, millis(r.cfg.MaxIdle)); n > 0 {
				r.log.Debugf("Pruned %d idle nameplates and mailboxes", n)
			}
		}
	}
}

// Shutdown stops both listeners, drops every client and waits for the
// background workers to return.
func (r *Relay) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.log.Notice("Shutting down")
		_ = r.http.Close()
		_ = r.transit.Close()
		r.rendezvous.DropConnections()
		r.Halt()
		_ = r.backend.Close()
	})
}
