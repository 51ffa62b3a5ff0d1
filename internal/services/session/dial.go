package session

import (
	"context"

	"wormhole/internal/rendezvous"
)

// Dial checks the code, connects a rendezvous client for rc and opens a
// Session on it. The code is rejected before any connection is made, and
// cfg.ConnectTimeout bounds the connect. rc.AppID defaults to cfg.AppID;
// deps.Client is ignored.
func Dial(ctx context.Context, cfg Config, rc rendezvous.Config, deps Deps) (*Session, error) {
	cfg, c, err := prepare(cfg)
	if err != nil {
		return nil, err
	}
	if rc.AppID == "" {
		rc.AppID = cfg.AppID
	}
	if rc.Side == "" {
		rc.Side = rendezvous.NewSide()
	}
	if rc.Timing == nil {
		rc.Timing = deps.Timing
	}

	dialCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	client, err := rendezvous.Dial(dialCtx, rc)
	if err != nil {
		return nil, err
	}
	deps.Client = client
	return open(ctx, cfg, c, deps)
}
