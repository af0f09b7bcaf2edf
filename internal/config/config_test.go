package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregtusar/tokenset/pkg/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "tokenset", cfg.Auth.Issuer)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "factory", cfg.Provisioning.FactoryAccount)
	assert.Empty(t, cfg.Database.Path)

	deposit, err := cfg.Provisioning.Deposit()
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000000000000", deposit.String())

	schedule, err := cfg.Rent.Schedule()
	require.NoError(t, err)
	assert.True(t, schedule.BaseMinimum.IsZero())
	assert.Equal(t, 4, cfg.Executor.Config().Workers)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
executor:
  workers: 2
  step_delay: 250ms
basket:
  id: index.factory
  owner: owner
  name: Index
  symbol: IDX
  components:
    - asset: btc
      ratio: 1
    - asset: eth
      ratio: 10
  owner_fee: "10000000000000"
  platform_fee: "5000000000000"
  platform_id: platform
  updatable: true
`)
	t.Setenv("TOKENSET_SERVER_PORT", "9100")
	t.Setenv("TOKENSET_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 250*time.Millisecond, cfg.Executor.StepDelay)

	basket, err := cfg.Basket.Build()
	require.NoError(t, err)
	assert.Equal(t, "owner", basket.Owner)
	require.Len(t, basket.Components, 2)
	assert.Equal(t, uint32(10), basket.Components[1].Ratio)
	assert.Equal(t, "10000000000000", basket.Fee.OwnerFee.String())
	assert.True(t, basket.Fee.Updatable)
}

func TestLoadRejectsBadAmount(t *testing.T) {
	path := writeConfig(t, `
provisioning:
  deposit_per_instance: "-5"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

type fakeSecrets map[string]string

func (f fakeSecrets) GetSecretWithDefault(_ context.Context, name, def string) string {
	if v, ok := f[name]; ok {
		return v
	}
	return def
}

func TestLoadSecretsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{GCP: GCPConfig{SecretNames: secrets.SecretNames{JWTSecret: "jwt"}}}
	loadSecrets(context.Background(), cfg, fakeSecrets{"jwt": "from-gcp"})
	assert.Equal(t, "from-gcp", cfg.Auth.JWTSecret)

	cfg.Auth.JWTSecret = "explicit"
	loadSecrets(context.Background(), cfg, fakeSecrets{"jwt": "from-gcp"})
	assert.Equal(t, "explicit", cfg.Auth.JWTSecret)
}
