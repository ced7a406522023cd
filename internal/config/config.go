// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload"
)

// Config is the full service configuration.
type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`

	Database Database
	Redis    Redis
	Log      Log
	Games    Games
	Rounds   Rounds
	Crash    Crash
}

// Database holds PostgreSQL connection settings.
type Database struct {
	Host     string `env:"BLUEPRINT_DB_HOST" envDefault:"localhost"`
	Port     string `env:"BLUEPRINT_DB_PORT" envDefault:"5432"`
	Name     string `env:"BLUEPRINT_DB_DATABASE" envDefault:"wagerdb"`
	Username string `env:"BLUEPRINT_DB_USERNAME" envDefault:"postgres"`
	Password string `env:"BLUEPRINT_DB_PASSWORD" envDefault:"postgres"`
	Schema   string `env:"BLUEPRINT_DB_SCHEMA" envDefault:"public"`
}

// URL returns the pgx connection string.
func (d Database) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		d.Username, d.Password, d.Host, d.Port, d.Name, d.Schema)
}

// Redis holds cache settings. An empty Addr disables the cache.
type Redis struct {
	Addr     string `env:"REDIS_URL" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Log holds logger settings.
type Log struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	File  string `env:"LOG_FILE"`
}

// Games holds house edges and stake limits. Stakes are minor units.
type Games struct {
	MinStake       int64   `env:"MIN_STAKE" envDefault:"1"`
	MaxStake       int64   `env:"MAX_STAKE" envDefault:"100000000"`
	CoinFlipEdge   float64 `env:"COINFLIP_HOUSE_EDGE" envDefault:"0.02"`
	DiceEdge       float64 `env:"DICE_HOUSE_EDGE" envDefault:"0.01"`
	MinesEdge      float64 `env:"MINES_HOUSE_EDGE" envDefault:"0.03"`
	CrashEdge      float64 `env:"CRASH_HOUSE_EDGE" envDefault:"0.01"`
	MinesGridSize  int     `env:"MINES_GRID_SIZE" envDefault:"25"`
	HouseAccountID string  `env:"HOUSE_ACCOUNT_ID" envDefault:"house"`
}

// Rounds holds settlement timeouts.
type Rounds struct {
	RevealTimeout   time.Duration `env:"ROUND_REVEAL_TIMEOUT" envDefault:"30s"`
	MinesSessionTTL time.Duration `env:"MINES_SESSION_TTL" envDefault:"10m"`
	ReaperInterval  time.Duration `env:"ROUND_REAPER_INTERVAL" envDefault:"15s"`
	HistoryPageSize int           `env:"ROUND_HISTORY_PAGE_SIZE" envDefault:"20"`
}

// Crash holds crash table pacing.
type Crash struct {
	Enabled       bool          `env:"CRASH_ENABLED" envDefault:"true"`
	BettingWindow time.Duration `env:"CRASH_BETTING_WINDOW" envDefault:"5s"`
	TickInterval  time.Duration `env:"CRASH_TICK_INTERVAL" envDefault:"100ms"`
	Pause         time.Duration `env:"CRASH_PAUSE" envDefault:"3s"`
	ClientSeed    string        `env:"CRASH_CLIENT_SEED"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the settlement core relies on.
func (c Config) Validate() error {
	g := c.Games
	if g.MinStake <= 0 || g.MaxStake < g.MinStake {
		return fmt.Errorf("invalid stake limits: min=%d max=%d", g.MinStake, g.MaxStake)
	}
	for name, edge := range map[string]float64{
		"COINFLIP_HOUSE_EDGE": g.CoinFlipEdge,
		"DICE_HOUSE_EDGE":     g.DiceEdge,
		"MINES_HOUSE_EDGE":    g.MinesEdge,
		"CRASH_HOUSE_EDGE":    g.CrashEdge,
	} {
		// A zero edge would let expected payout reach the stake.
		if edge <= 0 || edge >= 1 {
			return fmt.Errorf("%s must be in (0, 1), got %v", name, edge)
		}
	}
	if g.MinesGridSize < 2 {
		return fmt.Errorf("MINES_GRID_SIZE must be at least 2, got %d", g.MinesGridSize)
	}
	switch c.StoreDriver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Rounds.RevealTimeout <= 0 {
		return fmt.Errorf("ROUND_REVEAL_TIMEOUT must be positive")
	}
	return nil
}
