// Package config loads the engine configuration: a YAML file with
// PERPENGINE_* environment overrides, decoded into the per-component
// tunings.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openalpha/perp-engine/engine"
	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/funding"
	"github.com/openalpha/perp-engine/risk"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
	"github.com/openalpha/perp-engine/ws"
)

// tokens are either exchange symbols or ERC-20 addresses.
var tokenRe = regexp.MustCompile(`^([A-Z0-9]{1,16}|0x[0-9a-fA-F]{40})$`)

type Config struct {
	Store   Store    `mapstructure:"store"`
	Server  Server   `mapstructure:"server"`
	Markets []Market `mapstructure:"markets"`
	Funding Funding  `mapstructure:"funding"`
	Risk    Risk     `mapstructure:"risk"`
	Engine  Engine   `mapstructure:"engine"`
	Log     Log      `mapstructure:"log"`
}

type Store struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type Server struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxConnsPerIP  int      `mapstructure:"max_conns_per_ip"`
}

// Market configures one listed token. MinSize is in human units ("0.001");
// MaxLeverage in whole multiples (50 means 50x); the rest in basis points.
type Market struct {
	Token       string `mapstructure:"token"`
	MinSize     string `mapstructure:"min_size"`
	MaxLeverage int64  `mapstructure:"max_leverage"`
	BaseMMR     int64  `mapstructure:"base_mmr_bp"`
	TakerFeeBp  int64  `mapstructure:"taker_fee_bp"`
	MakerFeeBp  int64  `mapstructure:"maker_fee_bp"`
	CorridorBp  int64  `mapstructure:"corridor_bp"`
}

type Funding struct {
	Interval  time.Duration `mapstructure:"interval"`
	Poll      time.Duration `mapstructure:"poll"`
	RateBp    int64         `mapstructure:"rate_bp"`
	LPShareBp int64         `mapstructure:"lp_share_bp"`
}

type Risk struct {
	Tick        time.Duration `mapstructure:"tick"`
	SlowTick    time.Duration `mapstructure:"slow_tick"`
	WriteEveryN int           `mapstructure:"write_every_n"`
	QueueDepth  int           `mapstructure:"queue_depth"`
	Strategy    string        `mapstructure:"strategy"`
}

type Engine struct {
	BookImpl     string        `mapstructure:"book_impl"`
	Tick         time.Duration `mapstructure:"tick"`
	IngestBuffer int           `mapstructure:"ingest_buffer"`
	CancelBuffer int           `mapstructure:"cancel_buffer"`
	LiqBuffer    int           `mapstructure:"liq_buffer"`
	BatchSize    int           `mapstructure:"batch_size"`
	DepthLevels  int           `mapstructure:"depth_levels"`
	ChainID      int64         `mapstructure:"chain_id"`
	JanitorEvery time.Duration `mapstructure:"janitor_every"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

// Load reads path (or configs/engine.yaml when empty) and applies
// PERPENGINE_* overrides, e.g. PERPENGINE_STORE_ADDR for store.addr. A
// missing default file is tolerated; a missing explicit path is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("engine")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("PERPENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.addr", "localhost:6379")
	v.SetDefault("store.db", 0)
	v.SetDefault("store.key_prefix", "perp")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_conns_per_ip", 10)
	v.SetDefault("funding.interval", "5m")
	v.SetDefault("funding.poll", "10s")
	v.SetDefault("funding.rate_bp", 1)
	v.SetDefault("funding.lp_share_bp", 0)
	v.SetDefault("risk.tick", "100ms")
	v.SetDefault("risk.slow_tick", "50ms")
	v.SetDefault("risk.write_every_n", 10)
	v.SetDefault("risk.queue_depth", 256)
	v.SetDefault("risk.strategy", "leverage_only")
	v.SetDefault("engine.book_impl", "btree")
	v.SetDefault("engine.tick", "100ms")
	v.SetDefault("engine.ingest_buffer", 1024)
	v.SetDefault("engine.cancel_buffer", 256)
	v.SetDefault("engine.liq_buffer", 64)
	v.SetDefault("engine.batch_size", 256)
	v.SetDefault("engine.depth_levels", 20)
	v.SetDefault("engine.chain_id", 1)
	v.SetDefault("engine.janitor_every", "1h")
	v.SetDefault("log.level", "info")
}

// Validate rejects configurations the engine cannot start on.
func (c *Config) Validate() error {
	if len(c.Markets) == 0 {
		return fmt.Errorf("config: no markets configured")
	}
	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		if !tokenRe.MatchString(m.Token) {
			return fmt.Errorf("config: market %d token %q is malformed", i, m.Token)
		}
		if seen[m.Token] {
			return fmt.Errorf("config: market %s configured twice", m.Token)
		}
		seen[m.Token] = true
		minSize, err := fixedpoint.ParseDecimal(m.MinSize)
		if err != nil {
			return fmt.Errorf("config: market %s min_size %q: %w", m.Token, m.MinSize, err)
		}
		if !minSize.IsPositive() {
			return fmt.Errorf("config: market %s min_size must be positive", m.Token)
		}
		if m.MaxLeverage <= 0 {
			return fmt.Errorf("config: market %s max_leverage must be positive", m.Token)
		}
		if m.BaseMMR <= 0 {
			return fmt.Errorf("config: market %s base_mmr_bp must be positive", m.Token)
		}
	}
	if c.Funding.Interval <= 0 || c.Funding.Poll <= 0 {
		return fmt.Errorf("config: funding interval and poll must be positive")
	}
	if c.Risk.Tick <= 0 || c.Risk.WriteEveryN <= 0 {
		return fmt.Errorf("config: risk tick and write_every_n must be positive")
	}
	if c.Engine.Tick <= 0 || c.Engine.IngestBuffer <= 0 || c.Engine.BatchSize <= 0 {
		return fmt.Errorf("config: engine tick and buffers must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	return nil
}

// MarketRegistry converts the market list into the engine's registry form.
func (c *Config) MarketRegistry() (map[string]types.MarketConfig, error) {
	out := make(map[string]types.MarketConfig, len(c.Markets))
	for _, m := range c.Markets {
		minSize, err := fixedpoint.ParseDecimal(m.MinSize)
		if err != nil {
			return nil, fmt.Errorf("config: market %s min_size: %w", m.Token, err)
		}
		out[m.Token] = types.MarketConfig{
			Token:       m.Token,
			MinSize:     minSize,
			MaxLeverage: m.MaxLeverage * fixedpoint.RateScale,
			BaseMMR:     m.BaseMMR,
			TakerFeeBp:  m.TakerFeeBp,
			MakerFeeBp:  m.MakerFeeBp,
			CorridorBp:  m.CorridorBp,
		}
	}
	return out, nil
}

// Tokens lists the configured market tokens in file order.
func (c *Config) Tokens() []string {
	out := make([]string, 0, len(c.Markets))
	for _, m := range c.Markets {
		out = append(out, m.Token)
	}
	return out
}

// StoreConfig returns the redis connection settings.
func (c *Config) StoreConfig() store.RedisConfig {
	return store.RedisConfig{
		Addr:     c.Store.Addr,
		Password: c.Store.Password,
		DB:       c.Store.DB,
	}
}

// EngineConfig returns the matching-loop tuning.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		BookImpl:     c.Engine.BookImpl,
		Tick:         c.Engine.Tick,
		IngestDepth:  c.Engine.IngestBuffer,
		CancelDepth:  c.Engine.CancelBuffer,
		LiqDepth:     c.Engine.LiqBuffer,
		BatchSize:    c.Engine.BatchSize,
		DepthLevels:  c.Engine.DepthLevels,
		ChainID:      c.Engine.ChainID,
		JanitorEvery: c.Engine.JanitorEvery,
	}
}

// RiskConfig returns the risk-loop tuning with the strategy resolved.
func (c *Config) RiskConfig() risk.Config {
	return risk.Config{
		Interval:    c.Risk.Tick,
		SlowTick:    c.Risk.SlowTick,
		WriteEveryN: c.Risk.WriteEveryN,
		QueueDepth:  c.Risk.QueueDepth,
		Strategy:    risk.StrategyByName(c.Risk.Strategy),
	}
}

// FundingConfig returns the funding-cycle tuning.
func (c *Config) FundingConfig() funding.Config {
	return funding.Config{
		Interval:  c.Funding.Interval,
		Poll:      c.Funding.Poll,
		RateBp:    c.Funding.RateBp,
		LPShareBp: c.Funding.LPShareBp,
	}
}

// WSConfig returns the websocket server settings.
func (c *Config) WSConfig() ws.Config {
	return ws.Config{
		Addr:           fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port),
		AllowedOrigins: c.Server.AllowedOrigins,
		MaxConnsPerIP:  c.Server.MaxConnsPerIP,
	}
}
