// Package page holds the state behind the demo page: the wallet session, the
// smart account built for it, and the transfer log shown to the user.
package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/compose-network/sponsored-transfer/internal/bundler"
	"github.com/compose-network/sponsored-transfer/internal/helpers"
	"github.com/compose-network/sponsored-transfer/internal/logger"
	"github.com/compose-network/sponsored-transfer/internal/session"
	"github.com/compose-network/sponsored-transfer/internal/smartaccount"
	"github.com/compose-network/sponsored-transfer/internal/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const Intro = "A sample application to demonstrate how to integrate self-custodial\nsocial login and transacting with Capsule and userop.js."

var (
	ErrAccountNotInitialized = errors.New("account not initialized")
	ErrTransferInFlight      = errors.New("a transfer is already in flight")
	ErrLoginUnsupported      = errors.New("login happens on the wallet's hosted page")
)

// Account is a smart account that can wrap a call into a user operation.
type Account interface {
	GetSender() common.Address
	Execute(to common.Address, value *big.Int, data []byte) (*smartaccount.Builder, error)
}

// Connector builds the signer and account for a freshly active session.
type Connector interface {
	Signer(ctx context.Context, sdk wallet.SDK) (smartaccount.Signer, error)
	Account(ctx context.Context, signer smartaccount.Signer) (Account, error)
}

// Sender submits user operations.
type Sender interface {
	SendUserOperation(ctx context.Context, b smartaccount.OperationBuilder, opts bundler.SendOptions) (*bundler.SendResponse, error)
}

// ClientFactory opens a Sender for one transfer. A Sender that also has a
// Close method is closed once the transfer finishes.
type ClientFactory func(ctx context.Context) (Sender, error)

type Config struct {
	AppName      string
	LoginURL     string
	PollInterval time.Duration
}

type closer interface{ Close() }

// Page owns the wallet SDK handle for its whole lifetime.
type Page struct {
	sdk       wallet.SDK
	connector Connector
	clients   ClientFactory
	cfg       Config
	watcher   *session.Watcher
	events    *Log
	log       *logger.Logger

	mu         sync.Mutex
	active     bool
	generation uint64
	signer     smartaccount.Signer
	account    Account
	inflight   string
	retired    []closer
}

func New(sdk wallet.SDK, connector Connector, clients ClientFactory, cfg Config) *Page {
	return &Page{
		sdk:       sdk,
		connector: connector,
		clients:   clients,
		cfg:       cfg,
		watcher:   session.NewWatcher(sdk, cfg.PollInterval),
		events:    NewLog(Intro),
		log:       logger.Named("page"),
	}
}

func (p *Page) AppName() string  { return p.cfg.AppName }
func (p *Page) LoginURL() string { return p.cfg.LoginURL }

// Run follows the session until ctx is done.
func (p *Page) Run(ctx context.Context) error {
	ch := make(chan session.Event, 1)
	sub := p.watcher.Subscribe(ch)
	defer sub.Unsubscribe()

	go p.watcher.Run(ctx)

	retry := time.NewTicker(p.watcher.Interval())
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drop()
			return ctx.Err()
		case <-retry.C:
			if p.awaitingAccount() {
				p.log.Info("session active without an account, building it again")
				p.connect(ctx)
			}
		case ev := <-ch:
			if ev.Active {
				p.connect(ctx)
			} else {
				p.log.Info("session ended, dropping account")
				p.drop()
			}
		}
	}
}

// connect builds the signer and account unless they already exist.
func (p *Page) connect(ctx context.Context) {
	p.mu.Lock()
	p.active = true
	if p.signer != nil {
		p.mu.Unlock()
		return
	}
	gen := p.generation
	p.mu.Unlock()

	s, err := p.connector.Signer(ctx, p.sdk)
	if err != nil {
		p.log.Error("failed to create signer: %v", err)
		return
	}
	acc, err := p.connector.Account(ctx, s)
	if err != nil {
		p.log.Error("failed to create smart account: %v", err)
		closeIfCloser(s)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation || p.signer != nil {
		// logged out while we were building
		closeIfCloser(acc)
		closeIfCloser(s)
		return
	}
	p.signer, p.account = s, acc
	p.log.Info("smart account %s ready for owner %s", acc.GetSender().Hex(), s.Address().Hex())
}

// awaitingAccount reports an active session whose signer or account could not
// be built yet.
func (p *Page) awaitingAccount() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active && p.signer == nil
}

// drop forgets the signer and account. Their connections are closed once no
// transfer is using them.
func (p *Page) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
	p.generation++
	for _, v := range []interface{}{p.account, p.signer} {
		if c, ok := v.(closer); ok {
			p.retired = append(p.retired, c)
		}
	}
	p.signer, p.account = nil, nil
	if p.inflight == "" {
		p.closeRetired()
	}
}

func (p *Page) closeRetired() {
	for _, c := range p.retired {
		c.Close()
	}
	p.retired = nil
}

// Login starts a session for SDKs that can log in without their hosted page.
func (p *Page) Login(ctx context.Context) error {
	l, ok := p.sdk.(wallet.Loginer)
	if !ok {
		return ErrLoginUnsupported
	}
	if err := l.Login(ctx); err != nil {
		return fmt.Errorf("failed to login: %w", err)
	}
	return nil
}

// Logout ends the wallet session and discards the account.
func (p *Page) Logout(ctx context.Context) error {
	if err := p.sdk.Logout(ctx); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	p.drop()
	p.watcher.Reset()
	return nil
}

// Attempt is an accepted transfer that has not been submitted yet.
type Attempt struct {
	ID     string
	Target common.Address
	Value  *big.Int

	account Account
}

// BeginTransfer clears the log and validates the request. On success the
// page is busy until Complete is called with the returned attempt.
func (p *Page) BeginTransfer(recipient, amount string) (*Attempt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inflight != "" {
		return nil, ErrTransferInFlight
	}
	p.events.Reset()
	if p.account == nil {
		return nil, ErrAccountNotInitialized
	}
	p.events.Append("Sending transaction...")

	target, err := helpers.GetAddress(recipient)
	if err != nil {
		p.events.Append("Error: " + err.Error())
		return nil, err
	}
	value, err := helpers.ParseEther(amount)
	if err != nil {
		p.events.Append("Error: " + err.Error())
		return nil, err
	}

	a := &Attempt{ID: uuid.NewString(), Target: target, Value: value, account: p.account}
	p.inflight = a.ID
	return a, nil
}

// Complete submits the attempt and waits for its receipt. A nil receipt with
// a nil error means the wait timed out.
func (p *Page) Complete(ctx context.Context, a *Attempt) (receipt *bundler.Receipt, err error) {
	defer p.release(a.ID)
	defer func() {
		if err != nil {
			p.log.Error("transfer %s failed: %v", a.ID, err)
			p.events.Append("Error: " + err.Error())
		}
	}()

	client, err := p.clients(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init client: %w", err)
	}
	defer closeIfCloser(client)

	b, err := a.account.Execute(a.Target, a.Value, []byte{})
	if err != nil {
		return nil, err
	}
	res, err := client.SendUserOperation(ctx, b, bundler.SendOptions{
		OnBuild: func(op *smartaccount.UserOperation) {
			p.events.Append("Signed UserOperation: ")
			raw, err := json.MarshalIndent(op, "", "  ")
			if err != nil {
				raw = []byte(err.Error())
			}
			p.events.Append(string(raw))
		},
	})
	if err != nil {
		return nil, err
	}
	p.events.Append("UserOpHash: " + res.UserOpHash.Hex())

	p.events.Append("Waiting for transaction...")
	receipt, err = res.Wait(ctx)
	if err != nil {
		return nil, err
	}
	txHash := "null"
	if receipt != nil {
		txHash = receipt.TransactionHash.Hex()
	}
	p.events.Append("Transaction hash: " + txHash)
	return receipt, nil
}

// Transfer sends value to recipient from the smart account and waits for inclusion.
func (p *Page) Transfer(ctx context.Context, recipient, amount string) (*bundler.Receipt, error) {
	a, err := p.BeginTransfer(recipient, amount)
	if err != nil {
		return nil, err
	}
	return p.Complete(ctx, a)
}

func (p *Page) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight == id {
		p.inflight = ""
		p.closeRetired()
	}
}

// Events returns the log lines, oldest first.
func (p *Page) Events() []string {
	return p.events.Lines()
}

type Status struct {
	SessionActive bool   `json:"sessionActive"`
	Owner         string `json:"owner,omitempty"`
	Account       string `json:"account,omitempty"`
	Balance       string `json:"balance,omitempty"`
	Busy          bool   `json:"busy"`
	RequestID     string `json:"requestId,omitempty"`
}

type balancer interface {
	Balance(ctx context.Context) (*big.Int, error)
}

func (p *Page) Status(ctx context.Context) Status {
	p.mu.Lock()
	st := Status{
		SessionActive: p.active,
		Busy:          p.inflight != "",
		RequestID:     p.inflight,
	}
	s, acc := p.signer, p.account
	p.mu.Unlock()

	if s != nil {
		st.Owner = s.Address().Hex()
		if b, ok := s.(balancer); ok {
			if bal, err := b.Balance(ctx); err == nil {
				st.Balance = helpers.FormatEther(bal) + " ETH"
			} else {
				p.log.Warn("failed to read balance: %v", err)
			}
		}
	}
	if acc != nil {
		st.Account = acc.GetSender().Hex()
	}
	return st
}

func closeIfCloser(v interface{}) {
	if c, ok := v.(closer); ok {
		c.Close()
	}
}

// Log is the append-only list of status lines shown on the page.
type Log struct {
	mu    sync.Mutex
	lines []string
}

func NewLog(lines ...string) *Log {
	return &Log{lines: append([]string(nil), lines...)}
}

func (l *Log) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

// Reset replaces the log with lines.
func (l *Log) Reset(lines ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append([]string(nil), lines...)
}

func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func (l *Log) String() string {
	return strings.Join(l.Lines(), "\n")
}
