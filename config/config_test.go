package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SQLITE_PATH", "")
	t.Setenv("POSITION_CHECK_INTERVAL", "")
	cfg := LoadWith(nil)
	assert.Equal(t, "data/optionsbot.db", cfg.SQLitePath)
	assert.Equal(t, 5*time.Minute, cfg.PositionCheckInterval)
	assert.True(t, cfg.PaperTrading)
	assert.False(t, cfg.UseLiveBroker())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("POSITION_CHECK_INTERVAL", "90s")
	t.Setenv("CHAIN_WORKERS", "not-a-number")
	t.Setenv("PAPER_TRADING", "false")
	cfg := LoadWith(nil)
	assert.Equal(t, "/tmp/x.db", cfg.SQLitePath)
	assert.Equal(t, 90*time.Second, cfg.PositionCheckInterval)
	assert.Equal(t, 4, cfg.ChainWorkers)
	assert.False(t, cfg.PaperTrading)
}

func TestLoad_SecretFromKeyring(t *testing.T) {
	t.Setenv("BROKER_API_KEY", "key")
	t.Setenv("BROKER_API_SECRET", "")
	cfg := LoadWith(func(service, key string) (string, error) {
		assert.Equal(t, KeyringService, service)
		assert.Equal(t, KeyringSecretKey, key)
		return "from-keyring", nil
	})
	assert.Equal(t, "from-keyring", cfg.BrokerAPISecret)
	assert.True(t, cfg.UseLiveBroker())
}

func TestLoad_SecretMissing(t *testing.T) {
	t.Setenv("BROKER_API_KEY", "key")
	t.Setenv("BROKER_API_SECRET", "")
	cfg := LoadWith(func(string, string) (string, error) {
		return "", gokeyring.ErrNotFound
	})
	assert.Empty(t, cfg.BrokerAPISecret)

	cfg = LoadWith(func(string, string) (string, error) {
		return "", errors.New("dbus unavailable")
	})
	assert.Empty(t, cfg.BrokerAPISecret)
}

func TestDefaultPolicy_Valid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, -0.75, p.Exit.StopLossFor(model.BullPutSpread))
	assert.Equal(t, -0.50, p.Exit.StopLossFor(model.UnknownStrategy))
	assert.Equal(t, 3, p.Exit.TimeExitFor(model.ShortPut))
	assert.Equal(t, 0.7, p.Sizing.MultiplierFor(model.CoveredCall))
}

func TestLoadPolicy_EmptyPath(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy().Exit.ProfitTarget, p.Exit.ProfitTarget)
}

func TestLoadPolicy_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := `
sizing:
  max_debit_width_pct: 0.55
exit:
  profit_target: 0.4
  stop_loss:
    IRON_CONDOR: -0.6
  min_hold_long_vol: 90m
  trailing_tiers:
    - {threshold: 0.15, value: 0.3}
    - {threshold: 0.5, value: 0.2}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 0.55, p.Sizing.MaxDebitWidthPct)
	assert.Equal(t, 0.30, p.Sizing.MinCreditWidthPct)
	assert.Equal(t, 0.4, p.Exit.ProfitTarget)
	assert.Equal(t, -0.6, p.Exit.StopLossFor(model.IronCondor))
	assert.Equal(t, -0.25, p.Exit.StopLossFor(model.LongCall))
	assert.Equal(t, 90*time.Minute, p.Exit.MinHoldLongVol)
	require.Len(t, p.Exit.TrailingTiers, 2)
	assert.Equal(t, 0.5, p.Exit.TrailingTiers[0].Threshold)
}

func TestLoadPolicy_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exit:\n  default_stop_loss: 0.5\n"), 0o644))
	_, err := LoadPolicy(path)
	assert.Error(t, err)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMatch(t *testing.T) {
	tiers := []Tier{{95, 1.6}, {90, 1.3}, {80, 1.1}}
	v, ok := Match(tiers, 92)
	assert.True(t, ok)
	assert.Equal(t, 1.3, v)
	_, ok = Match(tiers, 50)
	assert.False(t, ok)
}
