package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/lpbot/internal/adapters/telemetry"
	"github.com/alejandrodnm/lpbot/internal/adapters/valuation"
	"github.com/alejandrodnm/lpbot/internal/application/killswitch"
	"github.com/alejandrodnm/lpbot/internal/application/ledger"
	"github.com/alejandrodnm/lpbot/internal/application/orchestrator"
	"github.com/alejandrodnm/lpbot/internal/application/scheduler"
	"github.com/alejandrodnm/lpbot/internal/strategy"
)

// Config es la configuración completa del bot.
type Config struct {
	Scheduler    scheduler.Config    `yaml:"scheduler"`
	Ledger       LedgerConfig        `yaml:"ledger"`
	KillSwitch   killswitch.Config   `yaml:"kill_switch"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Strategy     StrategyConfig      `yaml:"strategy"`
	Telemetry    TelemetryConfig     `yaml:"telemetry"`
	Valuation    valuation.Config    `yaml:"valuation"`
	Storage      StorageConfig       `yaml:"storage"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Log          LogConfig           `yaml:"log"`
}

// LedgerConfig controla el capital inicial y la política del ledger.
type LedgerConfig struct {
	InitialCapital   float64 `yaml:"initial_capital"`
	TestMode         bool    `yaml:"test_mode"`         // permite reset tras el seal
	RestartTolerance float64 `yaml:"restart_tolerance"` // USD que el equity puede crecer entre arranques
	Epsilon          float64 `yaml:"epsilon"`
}

// StrategyConfig selecciona la estrategia y sus umbrales.
type StrategyConfig struct {
	Name       string                    `yaml:"name"`
	MicroScore strategy.MicroScoreConfig `yaml:"micro_score"`
}

// TelemetryConfig indica de dónde salen los snapshots de los pools.
type TelemetryConfig struct {
	telemetry.ClientConfig `yaml:",inline"`
	File                   string `yaml:"file"` // frames YAML para -dry-run
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// MetricsConfig controla el endpoint de Prometheus.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // vacío desactiva /metrics
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default devuelve la configuración con los valores por defecto de cada paquete.
func Default() Config {
	return Config{
		KillSwitch:   killswitch.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Strategy:     StrategyConfig{MicroScore: strategy.DefaultMicroScoreConfig()},
		Valuation:    valuation.DefaultConfig(),
	}
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// El YAML se aplica sobre Default; las variables de entorno ganan al YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate comprueba las secciones que tienen invariantes propios.
func (c *Config) Validate() error {
	if c.Ledger.InitialCapital <= 0 {
		return fmt.Errorf("ledger.initial_capital must be > 0, got %.2f", c.Ledger.InitialCapital)
	}
	if err := c.KillSwitch.Validate(); err != nil {
		return err
	}
	return c.Orchestrator.Validate()
}

// LedgerPolicy convierte la sección ledger a la config del paquete.
func (c *Config) LedgerPolicy() ledger.Config {
	return ledger.Config{
		TestMode:         c.Ledger.TestMode,
		RestartTolerance: c.Ledger.RestartTolerance,
		Epsilon:          c.Ledger.Epsilon,
	}
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LPBOT_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("LPBOT_TELEMETRY_URL"); v != "" {
		cfg.Telemetry.BaseURL = v
	}
	if v := os.Getenv("LPBOT_INITIAL_CAPITAL"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("LPBOT_INITIAL_CAPITAL: %w", err)
		}
		cfg.Ledger.InitialCapital = f
	}
	return nil
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Scheduler.Interval <= 0 {
		cfg.Scheduler.Interval = 60 * time.Second
	}
	if cfg.Scheduler.StopFile == "" {
		cfg.Scheduler.StopFile = "STOP_LPBOT"
	}
	if cfg.Strategy.Name == "" {
		cfg.Strategy.Name = "micro_score"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "lpbot.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
