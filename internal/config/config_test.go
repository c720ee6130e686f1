package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
ledger:
  rpc_url: http://localhost:8545
  chain_id: 31337
  contract_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
`)
	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "shipment-created", cfg.Indexer.StreamKey)
	assert.Equal(t, 5, cfg.Indexer.ReconnectAttempts)
	assert.Equal(t, 10*time.Second, cfg.Indexer.ReconnectDelayDuration())
	assert.EqualValues(t, 20, cfg.Indexer.StaleThreshold)
	assert.Equal(t, cfg.Ledger.RPCURL, cfg.Ledger.WSURL, "ws endpoint falls back to the rpc endpoint")
}

func TestLoadRequiresContractAddress(t *testing.T) {
	path := writeConfig(t, `
ledger:
  rpc_url: http://localhost:8545
`)
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrMissingContract)
}

func TestLoadRejectsBadReconnectDelay(t *testing.T) {
	path := writeConfig(t, `
ledger:
  contract_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
indexer:
  reconnect_delay: soon
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LEDGER_RPC_URL", "http://rpc.internal:8545")
	t.Setenv("LEDGER_WS_URL", "ws://rpc.internal:8546")
	path := writeConfig(t, `
ledger:
  rpc_url: http://localhost:8545
  contract_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
`)
	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "http://rpc.internal:8545", cfg.Ledger.RPCURL)
	assert.Equal(t, "ws://rpc.internal:8546", cfg.Ledger.WSURL)
}
