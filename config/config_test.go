package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settled.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const validConfig = `
listen: ":9410"
database:
  dsn: "host=localhost user=settle dbname=settle"
ledger:
  endpoints:
    - "http://127.0.0.1:8545"
  contract: "0x00000000000000000000000000000000000000aa"
  chain_id: 31337
  signer_key: "4c0883a69102937d6231471b5dbb6204fe512961708279f1d2f1d2f1d2f1d2f1"
  confirm_timeout: "90s"
queue:
  max_retries: 7
  sequence_delay: "250ms"
settlement:
  sweep_interval: "15s"
  batch_size: 50
pricefeed:
  endpoint: "http://pricefeed:8080"
admin:
  bearer_token: "operator-token"
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9410", cfg.ListenAddress)
	require.Equal(t, 7, cfg.Queue.MaxRetries)
	require.Equal(t, 250*time.Millisecond, cfg.Queue.SequenceDelay.Duration)
	require.Equal(t, 5*time.Minute, cfg.Queue.RefreshInterval.Duration)
	require.Equal(t, 64, cfg.Queue.Capacity)
	require.Equal(t, 15*time.Second, cfg.Settlement.SweepInterval.Duration)
	require.Equal(t, 50, cfg.Settlement.BatchSize)
	require.Equal(t, 2*time.Second, cfg.Settlement.BatchDelay.Duration)
	require.Equal(t, 90*time.Second, cfg.Ledger.ConfirmTimeout.Duration)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadSignerKeyFromEnv(t *testing.T) {
	t.Setenv("SETTLED_SIGNER_KEY", "  abc123  ")
	path := writeConfig(t, `
database:
  dsn: "host=localhost"
ledger:
  endpoints: ["http://127.0.0.1:8545"]
  contract: "0x00000000000000000000000000000000000000aa"
  chain_id: 1
  signer_key_env: SETTLED_SIGNER_KEY
pricefeed:
  endpoint: "http://pricefeed:8080"
admin:
  bearer_token: "tok"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "abc123", cfg.Ledger.SignerKey)
}

func TestLoadSignerKeyFromFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "signer.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("deadbeef\n"), 0o600))
	path := writeConfig(t, `
database:
  dsn: "host=localhost"
ledger:
  endpoints: ["http://127.0.0.1:8545"]
  contract: "0x00000000000000000000000000000000000000aa"
  chain_id: 1
  signer_key_file: `+keyPath+`
pricefeed:
  endpoint: "http://pricefeed:8080"
admin:
  bearer_token: "tok"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", cfg.Ledger.SignerKey)
}

func TestLoadBearerTokenFromFile(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("from-file\n"), 0o600))
	path := writeConfig(t, `
database:
  dsn: "host=localhost"
ledger:
  endpoints: ["http://127.0.0.1:8545"]
  contract: "0x00000000000000000000000000000000000000aa"
  chain_id: 1
  signer_key: "aa"
pricefeed:
  endpoint: "http://pricefeed:8080"
admin:
  bearer_token_file: `+tokenPath+`
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Admin.BearerToken)
}

func TestLoadDatabaseDSNFromEnv(t *testing.T) {
	t.Setenv("SETTLED_DB_DSN", "host=db user=settle")
	path := writeConfig(t, `
database:
  dsn_env: SETTLED_DB_DSN
ledger:
  endpoints: ["http://127.0.0.1:8545"]
  contract: "0x00000000000000000000000000000000000000aa"
  chain_id: 1
  signer_key: "aa"
pricefeed:
  endpoint: "http://pricefeed:8080"
admin:
  bearer_token: "tok"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "host=db user=settle", cfg.Database.DSN)
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	cases := map[string]string{
		"missing signer key": `
database:
  dsn: "host=localhost"
ledger:
  endpoints: ["http://127.0.0.1:8545"]
  contract: "0x00000000000000000000000000000000000000aa"
  chain_id: 1
pricefeed:
  endpoint: "http://pricefeed:8080"
admin:
  bearer_token: "tok"
`,
		"missing endpoints": `
database:
  dsn: "host=localhost"
ledger:
  contract: "0x00000000000000000000000000000000000000aa"
  chain_id: 1
  signer_key: "aa"
pricefeed:
  endpoint: "http://pricefeed:8080"
admin:
  bearer_token: "tok"
`,
		"missing bearer token": `
database:
  dsn: "host=localhost"
ledger:
  endpoints: ["http://127.0.0.1:8545"]
  contract: "0x00000000000000000000000000000000000000aa"
  chain_id: 1
  signer_key: "aa"
pricefeed:
  endpoint: "http://pricefeed:8080"
`,
		"missing dsn": `
ledger:
  endpoints: ["http://127.0.0.1:8545"]
  contract: "0x00000000000000000000000000000000000000aa"
  chain_id: 1
  signer_key: "aa"
pricefeed:
  endpoint: "http://pricefeed:8080"
admin:
  bearer_token: "tok"
`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, contents))
			require.Error(t, err)
		})
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := writeConfig(t, `
settlement:
  sweep_interval: "soon"
`)
	_, err := Load(path)
	require.Error(t, err)
}
