package custody

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Transfer records a single custody movement.
type Transfer struct {
	Direction string // "receive" or "release"
	Account   uuid.UUID
	Asset     string
	Amount    uint64
}

// StubCustodian is an in-process Custodian for tests and local development.
// Every settled movement is recorded; hooks can inject failures or call
// back into the caller to model hostile rails.
type StubCustodian struct {
	mu        sync.Mutex
	transfers []Transfer
	onReceive func(ctx context.Context, account uuid.UUID, asset string, amount uint64) error
	onRelease func(ctx context.Context, account uuid.UUID, asset string, amount uint64) error
}

func NewStubCustodian() *StubCustodian {
	return &StubCustodian{}
}

// SetReceiveFunc installs a hook run in place of the default receive.
func (s *StubCustodian) SetReceiveFunc(fn func(ctx context.Context, account uuid.UUID, asset string, amount uint64) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReceive = fn
}

// SetReleaseFunc installs a hook run in place of the default release.
func (s *StubCustodian) SetReleaseFunc(fn func(ctx context.Context, account uuid.UUID, asset string, amount uint64) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRelease = fn
}

func (s *StubCustodian) Receive(ctx context.Context, account uuid.UUID, asset string, amount uint64) error {
	s.mu.Lock()
	hook := s.onReceive
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, account, asset, amount); err != nil {
			return err
		}
	}

	s.record(Transfer{Direction: "receive", Account: account, Asset: asset, Amount: amount})
	return nil
}

func (s *StubCustodian) Release(ctx context.Context, account uuid.UUID, asset string, amount uint64) error {
	s.mu.Lock()
	hook := s.onRelease
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, account, asset, amount); err != nil {
			return err
		}
	}

	s.record(Transfer{Direction: "release", Account: account, Asset: asset, Amount: amount})
	return nil
}

func (s *StubCustodian) record(t Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, t)
}

// Transfers returns a copy of all settled movements in order.
func (s *StubCustodian) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transfer, len(s.transfers))
	copy(out, s.transfers)
	return out
}
