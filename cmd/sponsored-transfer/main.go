package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/compose-network/sponsored-transfer/configs"
	"github.com/compose-network/sponsored-transfer/internal/bundler"
	"github.com/compose-network/sponsored-transfer/internal/logger"
	"github.com/compose-network/sponsored-transfer/internal/network"
	"github.com/compose-network/sponsored-transfer/internal/page"
	"github.com/compose-network/sponsored-transfer/internal/smartaccount"
	"github.com/compose-network/sponsored-transfer/internal/wallet"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gin-gonic/gin"
)

func main() {
	if lvl, ok := os.LookupEnv("LOG_LEVEL"); ok {
		logger.SetLogLevelFromString(lvl)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Fatal("%v", err)
	}
	logger.Info("shut down cleanly")
}

func run(ctx context.Context) error {
	cfg, err := configs.Load()
	if err != nil {
		return err
	}

	chain, err := network.Resolve(cfg.Env.Chain, cfg.Env.RPCURL)
	if err != nil {
		return err
	}

	sdk, loginURL, closeWallet, err := newWallet(cfg)
	if err != nil {
		return err
	}
	defer closeWallet()

	connector := &page.ChainConnector{
		Network:    chain,
		EntryPoint: cfg.Contracts.EntryPoint,
		Factory:    cfg.Contracts.SimpleAccountFactory,
		Salt:       big.NewInt(cfg.Contracts.AccountSalt),
	}
	if cfg.Paymaster.Enabled {
		pm, err := rpc.DialContext(ctx, cfg.Env.PaymasterURL)
		if err != nil {
			return fmt.Errorf("dial paymaster: %w", err)
		}
		defer pm.Close()
		connector.Paymaster = smartaccount.VerifyingPaymaster(pm, cfg.Paymaster.Context)
	} else {
		logger.Warn("paymaster disabled, the smart account pays its own gas")
	}

	clients := page.BundlerClients(cfg.Env.RPCURL, cfg.Contracts.EntryPoint,
		bundler.WithWaitTimeout(cfg.Bundler.WaitTimeout),
		bundler.WithWaitInterval(cfg.Bundler.WaitInterval),
	)

	p := page.New(sdk, connector, clients, page.Config{
		AppName:      cfg.Wallet.AppName,
		LoginURL:     loginURL,
		PollInterval: cfg.Session.PollInterval,
	})

	if !logger.Enabled(logger.DEBUG) {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := page.NewServer(p, page.ServerConfig{
		Addr:      cfg.Server.Addr,
		Recipient: cfg.Demo.Recipient,
		Amount:    cfg.Demo.Amount,
	})

	pageErr := make(chan error, 1)
	go func() { pageErr <- p.Run(ctx) }()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	if err := <-pageErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newWallet builds the SDK for the configured environment along with its
// cleanup. LOCAL runs an in-process key instead of the hosted session service.
func newWallet(cfg *configs.App) (wallet.SDK, string, func(), error) {
	env, err := wallet.ParseEnvironment(cfg.Wallet.Environment)
	if err != nil {
		return nil, "", nil, err
	}

	if env == wallet.EnvironmentLocal {
		key, err := localKey(cfg.Env.LocalWalletKey)
		if err != nil {
			return nil, "", nil, err
		}
		logger.Warn("using the LOCAL wallet for %s; do not use it with real funds", crypto.PubkeyToAddress(key.PublicKey).Hex())
		return wallet.NewLocal(key), "", func() {}, nil
	}

	client, err := wallet.New(env, wallet.Config{
		APIKey:  cfg.Env.APIKey,
		BaseURL: cfg.WalletBaseURL(),
	})
	if err != nil {
		return nil, "", nil, err
	}
	return client, client.LoginURL(cfg.Wallet.AppName), client.Close, nil
}

func localKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return crypto.GenerateKey()
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", configs.EnvLocalWalletKey, err)
	}
	return key, nil
}
