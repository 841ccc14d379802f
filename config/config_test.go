package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/exitbot/config"
)

const minimal = `
trading:
  start_time: "0930"
  end_time: "16:00"
  profit_targets: [0.1, 0.2, 0.3]
  sell_buckets: 3
position:
  instrument_id: SPY250117C00600000
  starting_position_quantity: 9
`

func TestParse_Defaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("APCA_API_KEY_ID", "key")
	t.Setenv("APCA_API_SECRET_KEY", "secret")

	cfg, err := config.Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "America/New_York", cfg.Trading.Timezone)
	assert.Equal(t, "risk_on", cfg.Trading.CloseStrategy)
	assert.Equal(t, 15, cfg.Trading.ExpirySellCutoffMinutes)
	assert.Equal(t, 10*time.Second, cfg.OrderTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, time.Minute, cfg.SessionCheckInterval())
	assert.Equal(t, 3, cfg.Trading.MinOptionsLevel)
	assert.True(t, cfg.Paper(), "paper trading unless explicitly disabled")
	assert.Equal(t, 100, cfg.MarketData.FlushEvery)
	assert.Equal(t, "output", cfg.Storage.OutputDir)
	assert.Equal(t, filepath.Join("output", "exitbot.db"), cfg.Storage.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "key", cfg.API.Key)
	assert.Equal(t, "secret", cfg.API.Secret)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := config.Parse([]byte(minimal + "log:\n  level: warn\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestParse_LiveTradingAndEndpoints(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	live := `
trading:
  start_time: "0930"
  end_time: "1600"
  profit_targets: [0.5]
  sell_buckets: 1
  paper_trading: false
position:
  instrument_id: X
  starting_position_quantity: 1
api:
  trading_base: http://localhost:8080
`
	cfg, err := config.Parse([]byte(live))
	require.NoError(t, err)
	assert.False(t, cfg.Paper())
	assert.Equal(t, "http://localhost:8080", cfg.API.TradingBase)
}

func TestValidate_Errors(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	cases := map[string]string{
		"bucket mismatch": `
trading: {start_time: "0930", end_time: "1600", profit_targets: [0.1, 0.2], sell_buckets: 3}
position: {instrument_id: X, starting_position_quantity: 9}`,
		"bad window": `
trading: {start_time: "9h30", end_time: "1600", profit_targets: [0.1], sell_buckets: 1}
position: {instrument_id: X, starting_position_quantity: 9}`,
		"bad timezone": `
trading: {start_time: "0930", end_time: "1600", timezone: Mars/Base, profit_targets: [0.1], sell_buckets: 1}
position: {instrument_id: X, starting_position_quantity: 9}`,
		"bad strategy": `
trading: {start_time: "0930", end_time: "1600", close_strategy: yolo, profit_targets: [0.1], sell_buckets: 1}
position: {instrument_id: X, starting_position_quantity: 9}`,
		"no instrument": `
trading: {start_time: "0930", end_time: "1600", profit_targets: [0.1], sell_buckets: 1}
position: {starting_position_quantity: 9}`,
		"zero quantity": `
trading: {start_time: "0930", end_time: "1600", profit_targets: [0.1], sell_buckets: 1}
position: {instrument_id: X}`,
		"qty below buckets": `
trading: {start_time: "0930", end_time: "1600", profit_targets: [0.1, 0.2, 0.3], sell_buckets: 3}
position: {instrument_id: X, starting_position_quantity: 2}`,
		"negative timeout": `
trading: {start_time: "0930", end_time: "1600", profit_targets: [0.1], sell_buckets: 1, order_timeout_seconds: -1}
position: {instrument_id: X, starting_position_quantity: 9}`,
		"bad holiday": `
trading: {start_time: "0930", end_time: "1600", profit_targets: [0.1], sell_buckets: 1, extra_holidays: ["07/04/2025"]}
position: {instrument_id: X, starting_position_quantity: 9}`,
		"bad yaml": `trading: [`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, config.ErrInvalidConfig), err.Error())
		})
	}
}

func TestValidate_TargetsNeedNotSumToOne(t *testing.T) {
	doc := `
trading: {start_time: "0930", end_time: "1600", profit_targets: [0.5, 0.9], sell_buckets: 2}
position: {instrument_id: X, starting_position_quantity: 4}`
	_, err := config.Parse([]byte(doc))
	assert.NoError(t, err)
}

func TestLoad_AndSaveCopy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	out, err := cfg.SaveCopy(filepath.Join(dir, "output"), time.Date(2025, 1, 17, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "output", "config_17012025.yaml"), out)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, minimal, string(b))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	_, err := config.Load("config.yaml")
	assert.NoError(t, err)
}
