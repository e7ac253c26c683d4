// Package testutil provides common testing utilities and mock
// implementations.
package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/R3E-Network/paychan/internal/app/domain/transfer"
	"github.com/R3E-Network/paychan/internal/app/settlement"
)

// MockBackend is a scriptable settlement.Backend that records every call.
type MockBackend struct {
	mu sync.Mutex

	Token       string
	AccountAddr string
	PeerAddr    string
	InfoRecord  json.RawMessage

	// PrepareErr, when set, is returned from HandleIncomingPrepare.
	PrepareErr error

	// ClaimFn, when set, produces the outgoing claim.
	ClaimFn func(outgoingFulfilled string) (json.RawMessage, error)

	connects       int
	disconnects    int
	prepared       []transfer.Transfer
	outgoingSums   []string
	incomingClaims []json.RawMessage
}

var _ settlement.Backend = (*MockBackend)(nil)

// NewMockBackend returns a backend with the given shared secret and fixed
// addresses.
func NewMockBackend(token, account, peer string) *MockBackend {
	return &MockBackend{Token: token, AccountAddr: account, PeerAddr: peer}
}

func (m *MockBackend) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	return nil
}

func (m *MockBackend) HandleIncomingPrepare(_ context.Context, t transfer.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PrepareErr != nil {
		return m.PrepareErr
	}
	m.prepared = append(m.prepared, t)
	return nil
}

func (m *MockBackend) CreateOutgoingClaim(_ context.Context, outgoingFulfilled string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outgoingSums = append(m.outgoingSums, outgoingFulfilled)
	if m.ClaimFn != nil {
		return m.ClaimFn(outgoingFulfilled)
	}
	return nil, nil
}

func (m *MockBackend) HandleIncomingClaim(_ context.Context, claim json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incomingClaims = append(m.incomingClaims, claim)
	return nil
}

func (m *MockBackend) AuthToken() string        { return m.Token }
func (m *MockBackend) Account() string          { return m.AccountAddr }
func (m *MockBackend) PeerAccount() string      { return m.PeerAddr }
func (m *MockBackend) Info() json.RawMessage    { return m.InfoRecord }

func (m *MockBackend) Disconnect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	return nil
}

// Prepared returns the transfers admitted so far.
func (m *MockBackend) Prepared() []transfer.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transfer.Transfer(nil), m.prepared...)
}

// OutgoingSums returns every outgoing-fulfilled total passed to
// CreateOutgoingClaim.
func (m *MockBackend) OutgoingSums() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outgoingSums...)
}

// IncomingClaims returns every claim handed to HandleIncomingClaim.
func (m *MockBackend) IncomingClaims() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.incomingClaims...)
}

// Connects reports how many times Connect ran.
func (m *MockBackend) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// Disconnects reports how many times Disconnect ran.
func (m *MockBackend) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}
