package transit

import (
	"context"

	"wormhole/internal/domain"
)

// Exchanger is what negotiation needs from a wormhole session.
type Exchanger interface {
	Side() domain.Side
	PeerSide() domain.Side
	TransitKey() ([]byte, error)
	ExchangeTransitHints(ctx context.Context, ours []byte) ([]byte, error)
}

// Establish swaps hints with the peer over ex and runs the negotiation.
// Key, Side and PeerSide in cfg are filled in from ex.
func Establish(ctx context.Context, ex Exchanger, cfg Config) (*Conn, error) {
	key, err := ex.TransitKey()
	if err != nil {
		return nil, err
	}
	cfg.Key = key
	cfg.Side = ex.Side()
	cfg.PeerSide = ex.PeerSide()

	n, err := New(cfg)
	if err != nil {
		return nil, err
	}
	defer n.Close()

	ours, err := EncodeHints(n.Hints())
	if err != nil {
		return nil, err
	}
	body, err := ex.ExchangeTransitHints(ctx, ours)
	if err != nil {
		return nil, err
	}
	theirs, err := DecodeHints(body)
	if err != nil {
		return nil, err
	}
	return n.Connect(ctx, theirs)
}
