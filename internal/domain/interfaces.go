package domain

import "context"

// PhaseChannel is the ordered, deduplicated phase transport that the key
// exchange runs over. Next never returns messages sent by our own side.
type PhaseChannel interface {
	Side() Side
	SendPhase(ctx context.Context, phase Phase, body []byte) error
	Next(ctx context.Context) (PhaseMessage, error)
}

// RendezvousClient is how we talk to the rendezvous relay, all with context.
type RendezvousClient interface {
	PhaseChannel

	AllocateNameplate(ctx context.Context) (Nameplate, error)
	ClaimNameplate(ctx context.Context, nameplate Nameplate) (MailboxID, error)
	OpenMailbox(ctx context.Context, mailbox MailboxID) error
	ReleaseNameplate(ctx context.Context) error
	WaitConfirmed(ctx context.Context) error
	CloseMailbox(ctx context.Context, mood Mood) error
	Close() error
}
