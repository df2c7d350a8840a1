package config_test

import (
	"bytes"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"PowerPerp/internal/config"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10*time.Millisecond, cfg.PersistFlushTimeout)
	assert.True(t, cfg.SimEnabled)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PP_HTTP_ADDR", ":18080")
	t.Setenv("PP_PERSIST_BATCH_SIZE", "7")
	t.Setenv("PP_POKE_INTERVAL", "15s")
	t.Setenv("PP_SIM_ENABLED", "false")
	t.Setenv("PP_PERSIST_CHAN_SIZE", "not-a-number")

	cfg := config.Load()
	assert.Equal(t, ":18080", cfg.HTTPAddr)
	assert.Equal(t, 7, cfg.PersistBatchSize)
	assert.Equal(t, 15*time.Second, cfg.PokeInterval)
	assert.False(t, cfg.SimEnabled)
	assert.Equal(t, 1024, cfg.PersistChanSize, "unparseable values fall back to the default")
}

func TestValidate_Rejects(t *testing.T) {
	cfg := config.Load()
	cfg.PersistBatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = config.Load()
	cfg.SimPoolFeeBp = 10_000
	assert.Error(t, cfg.Validate())
}

func TestReadParams_OverlaysDefaults(t *testing.T) {
	p, err := config.ReadParams(strings.NewReader(`
min_collateral_ratio: "2"
liquidation_bonus: "0.05"
index_scale: "1000"
funding_period: 168h
oracle_fallback: false
`))
	require.NoError(t, err)

	assert.Equal(t, 0, p.MinCollateralRatio.Cmp(fpmath.WadFromInt(2)))
	assert.Equal(t, 0, p.LiquidationBonus.Cmp(fpmath.MustParseWad("0.05")))
	assert.Equal(t, 0, p.IndexScale.Cmp(big.NewInt(1000)))
	assert.Equal(t, 168*time.Hour, p.FundingPeriod)
	assert.False(t, p.OracleFallback)

	def := state.DefaultParams()
	assert.Equal(t, def.TwapPeriod, p.TwapPeriod)
	assert.Equal(t, 0, def.MinCollateral.Cmp(p.MinCollateral))
}

func TestReadParams_Invalid(t *testing.T) {
	cases := map[string]string{
		"ratio below one": `min_collateral_ratio: "0.9"`,
		"bad wad":         `liquidation_bonus: "ten"`,
		"bad duration":    `twap_period: soon`,
		"unknown field":   `leverage: "100"`,
		"bad index scale": `index_scale: "1e4"`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.ReadParams(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestWriteParams_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, config.WriteParams(&buf, state.DefaultParams()))
	assert.Contains(t, buf.String(), `min_collateral_ratio: "1.5"`)

	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	p, err := config.LoadParams(path)
	require.NoError(t, err)
	def := state.DefaultParams()
	assert.Equal(t, 0, def.LowerMarkRatio.Cmp(p.LowerMarkRatio))
	assert.Equal(t, def.FundingPeriod, p.FundingPeriod)

	empty, err := config.LoadParams("")
	require.NoError(t, err)
	assert.Equal(t, def.TwapPeriod, empty.TwapPeriod)
}
