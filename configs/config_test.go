package configs

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullEnv() map[string]string {
	return map[string]string{
		EnvAPIKey:       "test-api-key",
		EnvRPCURL:       "https://rpc.example.org",
		EnvPaymasterURL: "https://paymaster.example.org",
		EnvChain:        "sepolia",
	}
}

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadEmbeddedConfig(t *testing.T) {
	app, err := LoadFrom(embeddedConfig, lookupFrom(fullEnv()))
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"), app.Contracts.EntryPoint)
	assert.Equal(t, common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454"), app.Contracts.SimpleAccountFactory)
	assert.True(t, app.Paymaster.Enabled)
	assert.Equal(t, "payg", app.Paymaster.Context["type"])
	assert.Equal(t, time.Second, app.Session.PollInterval)
	assert.Equal(t, 30*time.Second, app.Bundler.WaitTimeout)
	assert.Equal(t, 5*time.Second, app.Bundler.WaitInterval)
	assert.Equal(t, "0", app.Demo.Amount)
	assert.NotEmpty(t, app.WalletBaseURL())

	assert.Equal(t, "test-api-key", app.Env.APIKey)
	assert.Equal(t, "https://rpc.example.org", app.Env.RPCURL)
	assert.Equal(t, "https://paymaster.example.org", app.Env.PaymasterURL)
	assert.Equal(t, "sepolia", app.Env.Chain)
}

func TestMissingEnvIsReportedByName(t *testing.T) {
	for _, name := range []string{EnvAPIKey, EnvRPCURL, EnvPaymasterURL, EnvChain} {
		t.Run(name, func(t *testing.T) {
			env := fullEnv()
			delete(env, name)

			app, err := LoadFrom(embeddedConfig, lookupFrom(env))
			require.Nil(t, app)
			require.ErrorIs(t, err, ErrMissingEnv)
			assert.Contains(t, err.Error(), name+" is undefined")
		})
	}
}

func TestBlankEnvCountsAsMissing(t *testing.T) {
	env := fullEnv()
	env[EnvChain] = "   "

	_, err := LoadFrom(embeddedConfig, lookupFrom(env))
	require.ErrorIs(t, err, ErrMissingEnv)
	assert.Contains(t, err.Error(), EnvChain)
}

func TestAllMissingEnvAreJoined(t *testing.T) {
	_, err := LoadEnv(lookupFrom(nil))
	require.Error(t, err)
	for _, name := range []string{EnvAPIKey, EnvRPCURL, EnvPaymasterURL, EnvChain} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestInvalidStaticConfig(t *testing.T) {
	data := []byte(`
wallet:
  environment: NOWHERE
  environments:
    BETA: https://beta.example.org
session:
  poll-interval: 0s
`)
	_, err := LoadFrom(data, lookupFrom(fullEnv()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet.environments")
	assert.Contains(t, err.Error(), "contracts.entry-point")
	assert.Contains(t, err.Error(), "session.poll-interval")
	assert.Contains(t, err.Error(), "server.addr")
}

func TestMalformedYAML(t *testing.T) {
	_, err := LoadFrom([]byte("wallet: [unterminated"), lookupFrom(fullEnv()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config")
}

func TestLocalWalletNeedsNoServiceURL(t *testing.T) {
	data := strings.Replace(string(embeddedConfig), "environment: BETA", "environment: local", 1)
	env := fullEnv()
	env[EnvLocalWalletKey] = " 0xabc "

	app, err := LoadFrom([]byte(data), lookupFrom(env))
	require.NoError(t, err)
	assert.True(t, app.LocalWallet())
	assert.Empty(t, app.WalletBaseURL())
	assert.Equal(t, "0xabc", app.Env.LocalWalletKey)
}
