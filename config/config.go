package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/exitbot/internal/domain"
	"github.com/alejandrodnm/exitbot/internal/session"
)

// ErrInvalidConfig marca errores de configuración (fatales al arrancar).
var ErrInvalidConfig = errors.New("invalid config")

// Config es la configuración completa del exitbot. Inmutable tras Load.
type Config struct {
	Trading    TradingConfig    `yaml:"trading"`
	Position   PositionConfig   `yaml:"position"`
	MarketData MarketDataConfig `yaml:"market_data"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	// path del archivo cargado, para la copia de auditoría
	source string
}

// TradingConfig controla la sesión y la salida por buckets.
type TradingConfig struct {
	StartTime               string    `yaml:"start_time"` // HHMM o HH:MM
	EndTime                 string    `yaml:"end_time"`
	Timezone                string    `yaml:"timezone"`
	ProfitTargets           []float64 `yaml:"profit_targets"` // fracciones sobre el precio de entrada
	SellBuckets             int       `yaml:"sell_buckets"`
	CloseStrategy           string    `yaml:"close_strategy"` // risk_on | risk_off
	ExpirySellCutoffMinutes int       `yaml:"expiry_sell_cutoff_minutes"`
	OrderTimeoutSeconds     int       `yaml:"order_timeout_seconds"`
	PaperTrading            *bool     `yaml:"paper_trading"` // default true
	RunnerBucket            bool      `yaml:"runner_bucket"`
	PollIntervalMillis      int       `yaml:"poll_interval_ms"`
	SessionCheckSeconds     int       `yaml:"session_check_seconds"`
	ExtraHolidays           []string  `yaml:"extra_holidays"` // YYYY-MM-DD
	MinOptionsLevel         int       `yaml:"min_options_level"`
	Strategy                string    `yaml:"strategy"`
	OrderReconcileSeconds   int       `yaml:"order_reconcile_seconds"`
	EntryTimeoutSeconds     int       `yaml:"entry_timeout_seconds"`
}

// PositionConfig identifica la posición a liquidar.
type PositionConfig struct {
	InstrumentID             string `yaml:"instrument_id"`
	StartingPositionQuantity int    `yaml:"starting_position_quantity"`
	OpenPosition             bool   `yaml:"open_position"` // comprar al inicio si no hay posición
}

// MarketDataConfig controla el buffer y la persistencia de ticks.
type MarketDataConfig struct {
	StoreAllTicks  bool `yaml:"store_all_ticks"`
	SaveMarketData bool `yaml:"save_market_data"`
	FlushEvery     int  `yaml:"flush_every"`
}

// APIConfig contiene los endpoints de Alpaca. Las credenciales solo vienen
// del entorno (APCA_API_KEY_ID / APCA_API_SECRET_KEY).
type APIConfig struct {
	TradingBase   string `yaml:"trading_base"`
	TradingStream string `yaml:"trading_stream"`
	DataStream    string `yaml:"data_stream"`

	Key    string `yaml:"-"`
	Secret string `yaml:"-"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	OutputDir string `yaml:"output_dir"` // CSV de buckets y copia de config
	DSN       string `yaml:"dsn"`        // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
	Dir    string `yaml:"dir"`    // vacío: solo stdout
}

// MetricsConfig controla el endpoint de Prometheus.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // vacío: deshabilitado
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del entorno sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %q: %w", path, err)
	}
	cfg.source = path
	return cfg, nil
}

// Parse aplica env overrides, defaults y validación sobre un YAML en memoria.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %v: %w", err, ErrInvalidConfig)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	cfg.API.Key = os.Getenv("APCA_API_KEY_ID")
	cfg.API.Secret = os.Getenv("APCA_API_SECRET_KEY")
}

// setDefaults asegura que los valores opcionales tengan valores sensatos.
func setDefaults(cfg *Config) {
	t := &cfg.Trading
	if t.Timezone == "" {
		t.Timezone = "America/New_York"
	}
	if t.CloseStrategy == "" {
		t.CloseStrategy = string(domain.RiskOn)
	}
	if t.ExpirySellCutoffMinutes <= 0 {
		t.ExpirySellCutoffMinutes = 15
	}
	if t.OrderTimeoutSeconds == 0 {
		t.OrderTimeoutSeconds = 10
	}
	if t.PaperTrading == nil {
		paper := true
		t.PaperTrading = &paper
	}
	if t.PollIntervalMillis <= 0 {
		t.PollIntervalMillis = 100
	}
	if t.SessionCheckSeconds <= 0 {
		t.SessionCheckSeconds = 60
	}
	if t.MinOptionsLevel <= 0 {
		t.MinOptionsLevel = 3
	}
	if t.Strategy == "" {
		t.Strategy = "take_profit"
	}
	if t.OrderReconcileSeconds <= 0 {
		t.OrderReconcileSeconds = 30
	}
	if t.EntryTimeoutSeconds <= 0 {
		t.EntryTimeoutSeconds = 60
	}
	if cfg.MarketData.FlushEvery <= 0 {
		cfg.MarketData.FlushEvery = 100
	}
	if cfg.Storage.OutputDir == "" {
		cfg.Storage.OutputDir = "output"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = filepath.Join(cfg.Storage.OutputDir, "exitbot.db")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate rechaza configuraciones con las que no se puede operar.
// No exige que los profit targets sumen 1: cada target es independiente.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	t := c.Trading
	if _, err := session.New(t.Timezone, t.StartTime, t.EndTime, nil); err != nil {
		bad("trading session: %v", err)
	}
	if t.SellBuckets <= 0 {
		bad("trading.sell_buckets must be > 0, got %d", t.SellBuckets)
	}
	if t.SellBuckets != len(t.ProfitTargets) {
		bad("trading.sell_buckets (%d) must equal the number of profit_targets (%d)", t.SellBuckets, len(t.ProfitTargets))
	}
	for i, f := range t.ProfitTargets {
		if f <= -1 {
			bad("trading.profit_targets[%d] = %v would price at or below zero", i, f)
		}
	}
	if _, err := domain.ParseRoundingPolicy(t.CloseStrategy); err != nil {
		bad("trading.close_strategy: %v", err)
	}
	if t.OrderTimeoutSeconds <= 0 {
		bad("trading.order_timeout_seconds must be > 0, got %d", t.OrderTimeoutSeconds)
	}
	if _, err := session.NewUSMarketCalendar(t.ExtraHolidays); err != nil {
		bad("trading.extra_holidays: %v", err)
	}
	if strings.TrimSpace(c.Position.InstrumentID) == "" {
		bad("position.instrument_id is required")
	}
	if c.Position.StartingPositionQuantity <= 0 {
		bad("position.starting_position_quantity must be > 0, got %d", c.Position.StartingPositionQuantity)
	}
	if q, n := c.Position.StartingPositionQuantity, t.SellBuckets; q > 1 && n > 0 && q < n {
		bad("position.starting_position_quantity (%d) cannot fill %d buckets", q, n)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		bad("log.level %q not recognized", c.Log.Level)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Paper reporta si se opera en la cuenta paper.
func (c *Config) Paper() bool {
	return c.Trading.PaperTrading == nil || *c.Trading.PaperTrading
}

// OrderTimeout devuelve el timeout por orden como time.Duration.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Trading.OrderTimeoutSeconds) * time.Second
}

// PollInterval devuelve la pausa entre iteraciones del bucket loop.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Trading.PollIntervalMillis) * time.Millisecond
}

// SessionCheckInterval devuelve cada cuánto se re-chequea la sesión.
func (c *Config) SessionCheckInterval() time.Duration {
	return time.Duration(c.Trading.SessionCheckSeconds) * time.Second
}

// ReconcileInterval devuelve cada cuánto se consulta por REST una orden sin status.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Trading.OrderReconcileSeconds) * time.Second
}

// EntryTimeout acota la espera a que la orden de apertura aparezca como posición.
func (c *Config) EntryTimeout() time.Duration {
	return time.Duration(c.Trading.EntryTimeoutSeconds) * time.Second
}

// SaveCopy guarda una copia del archivo cargado en dir/config_DDMMYYYY.yaml
// para auditoría. Devuelve la ruta escrita.
func (c *Config) SaveCopy(dir string, now time.Time) (string, error) {
	if c.source == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.source)
	if err != nil {
		return "", fmt.Errorf("config.SaveCopy: read %q: %w", c.source, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("config.SaveCopy: mkdir: %w", err)
	}
	out := filepath.Join(dir, "config_"+now.Format("02012006")+".yaml")
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("config.SaveCopy: write: %w", err)
	}
	return out, nil
}
