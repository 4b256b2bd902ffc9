package page

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/compose-network/sponsored-transfer/internal/helpers"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPageShowsIntro(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{Intro}, h.page.Events())
	assert.Equal(t, "Capsule Stackup Example", h.page.AppName())
}

func TestTransferWithoutSessionFailsFast(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	_, err := h.page.Transfer(context.Background(), demoRecipient, "0")
	require.ErrorIs(t, err, ErrAccountNotInitialized)
	assert.Equal(t, "account not initialized", err.Error())
	assert.Zero(t, h.clients.calls.Load())
	assert.Zero(t, h.sender.ops.Load())
	assert.Empty(t, h.page.Events())
	assert.False(t, h.page.Status(context.Background()).Busy)
}

func TestSessionActivationBuildsOneSignerAndAccount(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.login(t)

	// a repeated login is not a new session
	require.NoError(t, h.sdk.Login(context.Background()))
	time.Sleep(50 * time.Millisecond)

	assert.EqualValues(t, 1, h.connector.signerCalls.Load())
	assert.EqualValues(t, 1, h.connector.accountCalls.Load())

	st := h.page.Status(context.Background())
	assert.True(t, st.SessionActive)
	w, err := h.sdk.Wallet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, w.Address.Hex(), st.Owner)
	assert.Equal(t, h.connector.lastAccount().GetSender().Hex(), st.Account)
	assert.Equal(t, "1.5 ETH", st.Balance)
}

func TestPolledSessionBuildsOnce(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sdk := &pollingSDK{}
	sdk.wallet.ID = "w"
	sdk.wallet.Address = crypto.PubkeyToAddress(key.PublicKey)
	connector := &fakeConnector{}
	clients := &clientCounter{sender: &fakeSender{}}
	p := New(sdk, connector, clients.factory(), Config{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	sdk.active.Store(true)
	require.Eventually(t, func() bool { return p.Status(ctx).Account != "" }, 2*time.Second, 5*time.Millisecond)
	checks := sdk.checks.Load()
	require.Eventually(t, func() bool { return sdk.checks.Load() > checks+5 }, 2*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 1, connector.signerCalls.Load())
	assert.EqualValues(t, 1, connector.accountCalls.Load())
}

func TestTransferLogsProgressInOrder(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.login(t)

	receipt, err := h.page.Transfer(context.Background(), demoRecipient, "0")
	require.NoError(t, err)
	require.NotNil(t, receipt)

	events := h.page.Events()
	require.Len(t, events, 6)
	assert.Equal(t, "Sending transaction...", events[0])
	assert.Equal(t, "Signed UserOperation: ", events[1])
	assert.True(t, json.Valid([]byte(events[2])))
	assert.Contains(t, events[2], "\n  \"sender\": \""+h.connector.lastAccount().GetSender().Hex()+"\"")
	assert.Equal(t, "UserOpHash: "+h.sender.hash.Hex(), events[3])
	assert.Equal(t, "Waiting for transaction...", events[4])
	assert.Equal(t, "Transaction hash: "+h.sender.txHash.Hex(), events[5])

	calls := h.connector.lastAccount().executeCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, common.HexToAddress(demoRecipient), calls[0].to)
	assert.Zero(t, calls[0].value.Sign())
	assert.Empty(t, calls[0].data)
	assert.EqualValues(t, 1, h.clients.calls.Load())
	assert.False(t, h.page.Status(context.Background()).Busy)
}

func TestTransferTimeoutLogsNullHash(t *testing.T) {
	h := newHarness(t)
	h.sender.timeout = true
	h.run(t)
	h.login(t)

	receipt, err := h.page.Transfer(context.Background(), demoRecipient, "0")
	require.NoError(t, err)
	assert.Nil(t, receipt)
	events := h.page.Events()
	assert.Equal(t, "Transaction hash: null", events[len(events)-1])
}

func TestLogoutClearsAccount(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.login(t)
	acc := h.connector.lastAccount()

	require.NoError(t, h.page.Logout(context.Background()))

	_, err := h.page.Transfer(context.Background(), demoRecipient, "0")
	require.ErrorIs(t, err, ErrAccountNotInitialized)
	assert.Zero(t, h.clients.calls.Load())
	assert.True(t, acc.closed.Load())

	st := h.page.Status(context.Background())
	assert.Empty(t, st.Account)
	assert.Empty(t, st.Owner)
}

func TestLoginAfterLogoutBuildsFreshAccount(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.login(t)
	require.NoError(t, h.page.Logout(context.Background()))
	h.login(t)

	assert.EqualValues(t, 2, h.connector.signerCalls.Load())
	assert.EqualValues(t, 2, h.connector.accountCalls.Load())
	_, err := h.page.Transfer(context.Background(), demoRecipient, "0")
	require.NoError(t, err)
}

func TestSessionEndDropsAccount(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.login(t)

	// the session ends outside the page, e.g. it expired
	require.NoError(t, h.sdk.Logout(context.Background()))
	require.Eventually(t, func() bool {
		return h.page.Status(context.Background()).Account == ""
	}, 2*time.Second, 5*time.Millisecond)

	_, err := h.page.Transfer(context.Background(), demoRecipient, "0")
	require.ErrorIs(t, err, ErrAccountNotInitialized)
}

func TestSecondTransferRejectedWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.sender.gate = make(chan struct{})
	h.run(t)
	h.login(t)

	first, err := h.page.BeginTransfer(demoRecipient, "0")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	done := make(chan error, 1)
	go func() {
		_, err := h.page.Complete(context.Background(), first)
		done <- err
	}()

	_, err = h.page.BeginTransfer(demoRecipient, "0")
	require.ErrorIs(t, err, ErrTransferInFlight)
	st := h.page.Status(context.Background())
	assert.True(t, st.Busy)
	assert.Equal(t, first.ID, st.RequestID)
	// the rejected attempt leaves the running one's log alone
	assert.Equal(t, "Sending transaction...", h.page.Events()[0])

	close(h.sender.gate)
	require.NoError(t, <-done)

	second, err := h.page.BeginTransfer(demoRecipient, "0")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	_, err = h.page.Complete(context.Background(), second)
	require.NoError(t, err)
}

func TestLogoutDuringTransferClosesAccountAfterwards(t *testing.T) {
	h := newHarness(t)
	h.sender.gate = make(chan struct{})
	h.run(t)
	h.login(t)
	acc := h.connector.lastAccount()

	a, err := h.page.BeginTransfer(demoRecipient, "0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := h.page.Complete(context.Background(), a)
		done <- err
	}()

	require.NoError(t, h.page.Logout(context.Background()))
	assert.False(t, acc.closed.Load())

	close(h.sender.gate)
	require.NoError(t, <-done)
	assert.True(t, acc.closed.Load())
}

func TestTransferRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.login(t)

	_, err := h.page.Transfer(context.Background(), "0x5DF100D986A370029Ae8F09Bb56b67DA1950548e", "0")
	require.ErrorIs(t, err, helpers.ErrInvalidAddress)
	_, err = h.page.Transfer(context.Background(), demoRecipient, "-1")
	require.ErrorIs(t, err, helpers.ErrInvalidAmount)

	assert.Zero(t, h.clients.calls.Load())
	assert.False(t, h.page.Status(context.Background()).Busy)
	events := h.page.Events()
	require.Len(t, events, 2)
	assert.True(t, strings.HasPrefix(events[1], "Error: "))
}

func TestTransferFailureIsLoggedAndReleased(t *testing.T) {
	h := newHarness(t)
	h.sender.sendErr = errors.New("paymaster rejected the operation")
	h.run(t)
	h.login(t)

	_, err := h.page.Transfer(context.Background(), demoRecipient, "0")
	require.ErrorContains(t, err, "paymaster rejected")
	events := h.page.Events()
	assert.Equal(t, "Error: paymaster rejected the operation", events[len(events)-1])
	assert.False(t, h.page.Status(context.Background()).Busy)

	h.clients.err = errors.New("dial failed")
	h.sender.sendErr = nil
	_, err = h.page.Transfer(context.Background(), demoRecipient, "0")
	require.ErrorContains(t, err, "dial failed")
}

func TestSignerFailureIsRetriedWhileSessionActive(t *testing.T) {
	h := newHarness(t)
	h.connector.signerFailures.Store(2)
	h.run(t)

	require.NoError(t, h.sdk.Login(context.Background()))
	require.Eventually(t, func() bool {
		return h.page.Status(context.Background()).Account != ""
	}, 2*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 3, h.connector.signerCalls.Load())
	assert.EqualValues(t, 1, h.connector.accountCalls.Load())
	_, err := h.page.Transfer(context.Background(), demoRecipient, "0")
	require.NoError(t, err)
}

func TestLogoutWithSessionStillActiveReconnects(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sdk := &stickySDK{}
	sdk.wallet.ID = "w"
	sdk.wallet.Address = crypto.PubkeyToAddress(key.PublicKey)
	sdk.active.Store(true)
	connector := &fakeConnector{}
	clients := &clientCounter{sender: &fakeSender{}}
	// only the first poll and the logout re-check can see the session
	p := New(sdk, connector, clients.factory(), Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return p.Status(ctx).Account != "" }, 2*time.Second, 5*time.Millisecond)
	first := connector.lastAccount()

	require.NoError(t, p.Logout(ctx))
	require.Eventually(t, func() bool { return connector.accountCalls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Status(ctx).Account != "" }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.closed.Load())
	assert.EqualValues(t, 2, connector.signerCalls.Load())
}

func TestLog(t *testing.T) {
	l := NewLog("a")
	l.Append("b")
	assert.Equal(t, "a\nb", l.String())
	l.Reset()
	assert.Empty(t, l.Lines())
}
