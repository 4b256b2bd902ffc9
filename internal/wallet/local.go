package wallet

import (
	"context"
	"crypto/ecdsa"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
)

// Local is an in-process SDK holding a single key. It pushes session changes
// to subscribers and is meant for development networks.
type Local struct {
	key    *ecdsa.PrivateKey
	wallet Wallet
	feed   event.Feed

	mu     sync.Mutex
	active bool
}

func NewLocal(key *ecdsa.PrivateKey) *Local {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &Local{
		key:    key,
		wallet: Wallet{ID: "local-" + addr.Hex()[2:10], Address: addr},
	}
}

func (l *Local) Login(context.Context) error {
	l.setActive(true)
	return nil
}

func (l *Local) Logout(context.Context) error {
	l.setActive(false)
	return nil
}

func (l *Local) IsSessionActive(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active, nil
}

func (l *Local) Wallet(context.Context) (Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return Wallet{}, ErrNoSession
	}
	return l.wallet, nil
}

func (l *Local) SignMessage(_ context.Context, walletID string, digest [32]byte) ([]byte, error) {
	l.mu.Lock()
	active := l.active
	l.mu.Unlock()
	if !active || walletID != l.wallet.ID {
		return nil, ErrNoSession
	}
	return crypto.Sign(digest[:], l.key)
}

func (l *Local) SubscribeSession(ch chan<- SessionEvent) event.Subscription {
	return l.feed.Subscribe(ch)
}

func (l *Local) setActive(active bool) {
	l.mu.Lock()
	changed := l.active != active
	l.active = active
	l.mu.Unlock()
	if changed {
		l.feed.Send(SessionEvent{Active: active})
	}
}
