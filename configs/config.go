package configs

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/compose-network/sponsored-transfer/internal/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed config.yaml
var embeddedConfig []byte

const (
	configPathEnvVar = "CONFIG_PATH"
	dotEnvFile       = ".env"

	EnvAPIKey       = "CAPSULE_API_KEY"
	EnvRPCURL       = "RPC_URL"
	EnvPaymasterURL = "PAYMASTER_URL"
	EnvChain        = "CHAIN"

	// EnvLocalWalletKey optionally fixes the key of the LOCAL wallet environment.
	EnvLocalWalletKey = "LOCAL_WALLET_KEY"

	localWalletEnvironment = "LOCAL"
)

var ErrMissingEnv = errors.New("required environment value is undefined")

type (
	App struct {
		Wallet    Wallet    `yaml:"wallet"`
		Contracts Contracts `yaml:"contracts"`
		Paymaster Paymaster `yaml:"paymaster"`
		Session   Session   `yaml:"session"`
		Bundler   Bundler   `yaml:"bundler"`
		Demo      Demo      `yaml:"demo"`
		Server    Server    `yaml:"server"`

		Env Env `yaml:"-"`
	}
	Wallet struct {
		Environment  string            `yaml:"environment"`
		AppName      string            `yaml:"app-name"`
		Environments map[string]string `yaml:"environments"`
	}
	Contracts struct {
		EntryPoint           common.Address `yaml:"entry-point"`
		SimpleAccountFactory common.Address `yaml:"simple-account-factory"`
		AccountSalt          int64          `yaml:"account-salt"`
	}
	Paymaster struct {
		Enabled bool                   `yaml:"enabled"`
		Context map[string]interface{} `yaml:"context"`
	}
	Session struct {
		PollInterval time.Duration `yaml:"poll-interval"`
	}
	Bundler struct {
		WaitTimeout  time.Duration `yaml:"wait-timeout"`
		WaitInterval time.Duration `yaml:"wait-interval"`
	}
	Demo struct {
		Recipient string `yaml:"recipient"`
		Amount    string `yaml:"amount"`
	}
	Server struct {
		Addr string `yaml:"addr"`
	}

	// Env holds the values that must come from the environment.
	Env struct {
		APIKey       string
		RPCURL       string
		PaymasterURL string
		Chain        string

		LocalWalletKey string
	}
)

// Load reads .env when present, then the static configuration (embedded, or
// the file named by CONFIG_PATH) and the required environment values.
func Load() (*App, error) {
	if err := godotenv.Load(dotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", dotEnvFile, err)
	}

	data := embeddedConfig
	if configPath, isSet := os.LookupEnv(configPathEnvVar); isSet {
		logger.Info("%s environment variable set to: %s. Loading configuration", configPathEnvVar, configPath)
		var err error
		data, err = os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		logger.Debug("%s was not set, will use configuration values from embedded config.yaml", configPathEnvVar)
	}

	return LoadFrom(data, os.LookupEnv)
}

// LoadFrom parses data and resolves the environment through lookup.
func LoadFrom(data []byte, lookup func(string) (string, bool)) (*App, error) {
	var app App
	if err := yaml.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	env, envErr := LoadEnv(lookup)
	app.Env = env

	if err := errors.Join(envErr, app.validate()); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger.Info(`configuration loaded successfully.
			Wallet_Environment: %s
			Chain: %s
			RPC: %s
			EntryPoint: %s
			Factory: %s
			Paymaster_Enabled: %t`,
		app.Wallet.Environment,
		app.Env.Chain,
		app.Env.RPCURL,
		app.Contracts.EntryPoint.Hex(),
		app.Contracts.SimpleAccountFactory.Hex(),
		app.Paymaster.Enabled)
	return &app, nil
}

// LoadEnv resolves the four required values. Every missing one is reported.
func LoadEnv(lookup func(string) (string, bool)) (Env, error) {
	var (
		env Env
		err error
	)
	for _, v := range []struct {
		name string
		dst  *string
	}{
		{EnvAPIKey, &env.APIKey},
		{EnvRPCURL, &env.RPCURL},
		{EnvPaymasterURL, &env.PaymasterURL},
		{EnvChain, &env.Chain},
	} {
		val, ok := lookup(v.name)
		if !ok || strings.TrimSpace(val) == "" {
			err = errors.Join(err, fmt.Errorf("%w: %s is undefined", ErrMissingEnv, v.name))
			continue
		}
		*v.dst = strings.TrimSpace(val)
	}
	if key, ok := lookup(EnvLocalWalletKey); ok {
		env.LocalWalletKey = strings.TrimSpace(key)
	}
	return env, err
}

// LocalWallet reports whether the in-process wallet is selected instead of
// the hosted session service.
func (a *App) LocalWallet() bool {
	return strings.EqualFold(a.Wallet.Environment, localWalletEnvironment)
}

// WalletBaseURL returns the session service URL for the configured environment.
func (a *App) WalletBaseURL() string {
	return a.Wallet.Environments[strings.ToUpper(a.Wallet.Environment)]
}

func (a *App) validate() error {
	var err error

	if a.Wallet.Environment == "" {
		err = errors.Join(err, fmt.Errorf("field: 'wallet.environment' must be set"))
	} else if !a.LocalWallet() && a.WalletBaseURL() == "" {
		err = errors.Join(err, fmt.Errorf("field: 'wallet.environments' has no entry for '%s'", a.Wallet.Environment))
	}
	if a.Contracts.EntryPoint == (common.Address{}) {
		err = errors.Join(err, fmt.Errorf("field: 'contracts.entry-point' must be set and non-zero"))
	}
	if a.Contracts.SimpleAccountFactory == (common.Address{}) {
		err = errors.Join(err, fmt.Errorf("field: 'contracts.simple-account-factory' must be set and non-zero"))
	}
	if a.Contracts.AccountSalt < 0 {
		err = errors.Join(err, fmt.Errorf("field: 'contracts.account-salt' must not be negative"))
	}
	if a.Session.PollInterval <= 0 {
		err = errors.Join(err, fmt.Errorf("field: 'session.poll-interval' must be positive"))
	}
	if a.Bundler.WaitTimeout <= 0 || a.Bundler.WaitInterval <= 0 {
		err = errors.Join(err, fmt.Errorf("fields: 'bundler.wait-timeout' and 'bundler.wait-interval' must be positive"))
	}
	if a.Demo.Recipient == "" {
		err = errors.Join(err, fmt.Errorf("field: 'demo.recipient' must be set"))
	}
	if a.Server.Addr == "" {
		err = errors.Join(err, fmt.Errorf("field: 'server.addr' must be set"))
	}

	return err
}
