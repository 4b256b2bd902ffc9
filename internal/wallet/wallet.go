package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

var ErrNoSession = errors.New("no active wallet session")

type Environment string

const (
	EnvironmentBeta    Environment = "BETA"
	EnvironmentProd    Environment = "PROD"
	EnvironmentSandbox Environment = "SANDBOX"
	EnvironmentLocal   Environment = "LOCAL"
)

func ParseEnvironment(s string) (Environment, error) {
	switch env := Environment(strings.ToUpper(strings.TrimSpace(s))); env {
	case EnvironmentBeta, EnvironmentProd, EnvironmentSandbox, EnvironmentLocal:
		return env, nil
	default:
		return "", fmt.Errorf("unknown wallet environment %q", s)
	}
}

// Wallet is the key-share wallet bound to the current session.
type Wallet struct {
	ID      string         `json:"id"`
	Address common.Address `json:"address"`
}

// SDK is the surface of the wallet/session SDK the page drives.
type SDK interface {
	IsSessionActive(ctx context.Context) (bool, error)
	Wallet(ctx context.Context) (Wallet, error)
	// SignMessage returns a 65-byte secp256k1 signature over digest.
	SignMessage(ctx context.Context, walletID string, digest [32]byte) ([]byte, error)
	Logout(ctx context.Context) error
}

// SessionEvent reports a session state change pushed by the SDK.
type SessionEvent struct {
	Active bool
}

// Subscriber is implemented by SDKs that push session changes instead of
// having to be polled.
type Subscriber interface {
	SubscribeSession(ch chan<- SessionEvent) event.Subscription
}

// Loginer is implemented by SDKs whose login can be started from the page
// rather than from a hosted widget.
type Loginer interface {
	Login(ctx context.Context) error
}
