package page

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/compose-network/sponsored-transfer/internal/bundler"
	"github.com/compose-network/sponsored-transfer/internal/smartaccount"
	"github.com/compose-network/sponsored-transfer/internal/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const (
	demoRecipient = "0x5DF100D986A370029Ae8F09Bb56b67DA1950548E"
	testChainID   = 11155111
)

var entryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

type fakeSigner struct {
	addr   common.Address
	closed atomic.Bool
}

func (s *fakeSigner) Address() common.Address { return s.addr }
func (s *fakeSigner) SignMessage(context.Context, []byte) ([]byte, error) {
	return make([]byte, crypto.SignatureLength), nil
}
func (s *fakeSigner) Balance(context.Context) (*big.Int, error) {
	return big.NewInt(1_500_000_000_000_000_000), nil
}
func (s *fakeSigner) Close() { s.closed.Store(true) }

type executeCall struct {
	to    common.Address
	value *big.Int
	data  []byte
}

type fakeAccount struct {
	sender common.Address
	closed atomic.Bool

	mu    sync.Mutex
	calls []executeCall
}

func (a *fakeAccount) GetSender() common.Address { return a.sender }

func (a *fakeAccount) Execute(to common.Address, value *big.Int, data []byte) (*smartaccount.Builder, error) {
	a.mu.Lock()
	a.calls = append(a.calls, executeCall{to: to, value: value, data: data})
	a.mu.Unlock()
	return smartaccount.NewBuilder().SetSender(a.sender).SetCallData(append(to.Bytes(), value.Bytes()...)), nil
}

func (a *fakeAccount) Close() { a.closed.Store(true) }

func (a *fakeAccount) executeCalls() []executeCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]executeCall(nil), a.calls...)
}

type fakeConnector struct {
	signerCalls  atomic.Int32
	accountCalls atomic.Int32
	// signerFailures is how many Signer calls fail before one succeeds.
	signerFailures atomic.Int32

	mu       sync.Mutex
	signers  []*fakeSigner
	accounts []*fakeAccount
}

func (c *fakeConnector) Signer(ctx context.Context, sdk wallet.SDK) (smartaccount.Signer, error) {
	c.signerCalls.Add(1)
	if c.signerFailures.Load() > 0 {
		c.signerFailures.Add(-1)
		return nil, errors.New("rpc chain id does not match")
	}
	w, err := sdk.Wallet(ctx)
	if err != nil {
		return nil, err
	}
	s := &fakeSigner{addr: w.Address}
	c.mu.Lock()
	c.signers = append(c.signers, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConnector) Account(_ context.Context, s smartaccount.Signer) (Account, error) {
	c.accountCalls.Add(1)
	acc := &fakeAccount{sender: common.BytesToAddress(crypto.Keccak256(s.Address().Bytes())[12:])}
	c.mu.Lock()
	c.accounts = append(c.accounts, acc)
	c.mu.Unlock()
	return acc, nil
}

func (c *fakeConnector) lastAccount() *fakeAccount {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.accounts) == 0 {
		return nil
	}
	return c.accounts[len(c.accounts)-1]
}

type fakeSender struct {
	hash    common.Hash
	txHash  common.Hash
	timeout bool
	sendErr error
	gate    chan struct{}

	ops atomic.Int32
}

func (s *fakeSender) SendUserOperation(ctx context.Context, b smartaccount.OperationBuilder, opts bundler.SendOptions) (*bundler.SendResponse, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	op, err := b.BuildOp(ctx, entryPoint, big.NewInt(testChainID))
	if err != nil {
		return nil, err
	}
	s.ops.Add(1)
	if opts.OnBuild != nil {
		opts.OnBuild(op)
	}
	return bundler.NewSendResponse(s.hash, func(ctx context.Context) (*bundler.Receipt, error) {
		if s.gate != nil {
			select {
			case <-s.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if s.timeout {
			return nil, nil
		}
		return &bundler.Receipt{UserOpHash: s.hash, TransactionHash: s.txHash, Success: true}, nil
	}), nil
}

type clientCounter struct {
	calls  atomic.Int32
	sender *fakeSender
	err    error
}

func (c *clientCounter) factory() ClientFactory {
	return func(context.Context) (Sender, error) {
		c.calls.Add(1)
		if c.err != nil {
			return nil, c.err
		}
		return c.sender, nil
	}
}

// pollingSDK has no push notifications, so the page has to poll it.
type pollingSDK struct {
	active atomic.Bool
	checks atomic.Int32
	wallet wallet.Wallet
}

func (s *pollingSDK) IsSessionActive(context.Context) (bool, error) {
	s.checks.Add(1)
	return s.active.Load(), nil
}

func (s *pollingSDK) Wallet(context.Context) (wallet.Wallet, error) {
	if !s.active.Load() {
		return wallet.Wallet{}, wallet.ErrNoSession
	}
	return s.wallet, nil
}

func (s *pollingSDK) SignMessage(context.Context, string, [32]byte) ([]byte, error) {
	return nil, errors.New("not used")
}

func (s *pollingSDK) Logout(context.Context) error {
	s.active.Store(false)
	return nil
}

// stickySDK keeps its session through Logout, like a hosted session that is
// re-established before the next poll.
type stickySDK struct {
	pollingSDK
}

func (s *stickySDK) Logout(context.Context) error { return nil }

type harness struct {
	page      *Page
	sdk       *wallet.Local
	connector *fakeConnector
	clients   *clientCounter
	sender    *fakeSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	h := &harness{
		sdk:       wallet.NewLocal(key),
		connector: &fakeConnector{},
		sender: &fakeSender{
			hash:   common.HexToHash("0x0f0e"),
			txHash: common.HexToHash("0xabcdef"),
		},
	}
	h.clients = &clientCounter{sender: h.sender}
	h.page = New(h.sdk, h.connector, h.clients.factory(), Config{
		AppName:      "Capsule Stackup Example",
		LoginURL:     "https://login.example.org/login",
		PollInterval: 10 * time.Millisecond,
	})
	return h
}

// run starts the page and stops it when the test ends.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.page.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// login logs in and waits for the account to be built.
func (h *harness) login(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sdk.Login(context.Background()))
	require.Eventually(t, func() bool {
		return h.page.Status(context.Background()).Account != ""
	}, 2*time.Second, 5*time.Millisecond)
}
