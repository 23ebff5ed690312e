// Package config
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"papertrader/internal/gate"
	"papertrader/internal/instrument"
)

/*
YAML config example:
broker: "gateway"
gateway_url: "http://127.0.0.1:5800"
live_enabled: true
dry_run: false
db_conn_str: "host=localhost port=5432 user=postgres dbname=trader sslmode=disable"
db_max_open: 10
db_max_idle: 5
allowlist: ["STK:AAPL", "STK:MSFT", "FUT:ES:202512"]
max_intents_per_tick: 3
max_order_qty: "100"
poll_interval: 2s
track_timeout: 5m
telegram_token: "..."
telegram_chat_id: "..."
metrics_addr: ":9100"
*/

type Config struct {
	Broker     string `yaml:"broker"` // sim or gateway
	GatewayURL string `yaml:"gateway_url"`

	LiveEnabled  bool   `yaml:"live_enabled"`
	DryRun       bool   `yaml:"dry_run"`
	OrderToken   string `yaml:"order_token"`
	ConfirmToken string `yaml:"-"` // always per-invocation, never from file

	DBConnStr string `yaml:"db_conn_str"`
	DBMaxOpen int    `yaml:"db_max_open"`
	DBMaxIdle int    `yaml:"db_max_idle"`

	Allowlist         []string `yaml:"allowlist"` // KIND:SYMBOL[:EXPIRY]
	MaxIntentsPerTick int      `yaml:"max_intents_per_tick"`
	MaxOrderQty       string   `yaml:"max_order_qty"`

	PollInterval time.Duration `yaml:"poll_interval"`
	TrackTimeout time.Duration `yaml:"track_timeout"`

	TelegramToken       string        `yaml:"telegram_token"`
	TelegramChatID      string        `yaml:"telegram_chat_id"`
	ProxyURL            string        `yaml:"proxy_url"`
	NotificationRetries int           `yaml:"notification_retries"`
	NotificationDelay   time.Duration `yaml:"notification_delay"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Load registers the shared flags on fs, parses args, and layers the result:
// a YAML file (when -config is given) provides the base, flags that were set
// explicitly override it, and secrets come from the environment when the
// corresponding flag or file entry is empty.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	brokerKind := fs.String("broker", "sim", "Broker adapter: sim or gateway")
	gatewayURL := fs.String("gateway-url", "http://127.0.0.1:5800", "Base URL of the order gateway daemon")
	liveEnabled := fs.Bool("live-enabled", false, "Allow intents to reach the broker")
	dryRun := fs.Bool("dry-run", false, "Evaluate and audit intents without sending them")
	confirmToken := fs.String("confirm-token", "", "Per-invocation token matched against the configured order token")
	dbConnStr := fs.String("db-conn-str", "", "Postgres connection string for the audit trail (in-memory when empty)")
	dbMaxOpen := fs.Int("db-max-open", 10, "Max open DB connections")
	dbMaxIdle := fs.Int("db-max-idle", 5, "Max idle DB connections")
	allowlist := fs.String("allowlist", "", "Comma-separated KIND:SYMBOL[:EXPIRY] entries automated proposers may trade")
	maxIntents := fs.Int("max-intents-per-tick", 3, "Max automated intents accepted per decision cycle (0 = unlimited)")
	maxOrderQty := fs.String("max-order-qty", "", "Max quantity per automated order (empty = unlimited)")
	pollInterval := fs.Duration("poll-interval", 2*time.Second, "Order tracking poll interval")
	trackTimeout := fs.Duration("track-timeout", 5*time.Minute, "Order tracking timeout (0 = until cancelled)")
	telegramToken := fs.String("telegram-token", "", "Telegram bot token for notifications")
	telegramChatID := fs.String("telegram-chat", "", "Telegram chat ID for notifications")
	proxyURL := fs.String("proxy-url", "", "Proxy URL for outbound notifications")
	notificationRetries := fs.Int("notification-retries", 3, "Number of notification send attempts")
	notificationDelay := fs.Duration("notification-delay", 5*time.Second, "Delay between notification retries")
	metricsAddr := fs.String("metrics-addr", "", "Address to serve Prometheus metrics on (empty = disabled)")
	configFile := fs.String("config", "", "Path to YAML config file")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Broker:              *brokerKind,
		GatewayURL:          *gatewayURL,
		LiveEnabled:         *liveEnabled,
		DryRun:              *dryRun,
		ConfirmToken:        *confirmToken,
		DBConnStr:           *dbConnStr,
		DBMaxOpen:           *dbMaxOpen,
		DBMaxIdle:           *dbMaxIdle,
		MaxIntentsPerTick:   *maxIntents,
		MaxOrderQty:         *maxOrderQty,
		PollInterval:        *pollInterval,
		TrackTimeout:        *trackTimeout,
		TelegramToken:       *telegramToken,
		TelegramChatID:      *telegramChatID,
		ProxyURL:            *proxyURL,
		NotificationRetries: *notificationRetries,
		NotificationDelay:   *notificationDelay,
		MetricsAddr:         *metricsAddr,
	}
	if *allowlist != "" {
		cfg.Allowlist = strings.Split(*allowlist, ",")
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		// Unmarshal over the flag defaults so keys the file omits keep them,
		// then restore flags the user set explicitly.
		fileCfg := cfg
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
		fileCfg.ConfirmToken = *confirmToken
		applyFlagOverrides(&fileCfg, cfg, fs)
		cfg = fileCfg
	}

	if cfg.OrderToken == "" {
		cfg.OrderToken = os.Getenv("TRADING_ORDER_TOKEN")
	}
	if cfg.DBConnStr == "" {
		cfg.DBConnStr = os.Getenv("DB_CONN_STR")
	}
	if cfg.TelegramToken == "" {
		cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	}

	return cfg, nil
}

// applyFlagOverrides copies values for flags the user set explicitly on top
// of the file-derived config.
func applyFlagOverrides(dst *Config, flagCfg Config, fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["broker"] {
		dst.Broker = flagCfg.Broker
	}
	if set["gateway-url"] {
		dst.GatewayURL = flagCfg.GatewayURL
	}
	if set["live-enabled"] {
		dst.LiveEnabled = flagCfg.LiveEnabled
	}
	if set["dry-run"] {
		dst.DryRun = flagCfg.DryRun
	}
	if set["db-conn-str"] {
		dst.DBConnStr = flagCfg.DBConnStr
	}
	if set["db-max-open"] {
		dst.DBMaxOpen = flagCfg.DBMaxOpen
	}
	if set["db-max-idle"] {
		dst.DBMaxIdle = flagCfg.DBMaxIdle
	}
	if set["allowlist"] {
		dst.Allowlist = flagCfg.Allowlist
	}
	if set["max-intents-per-tick"] {
		dst.MaxIntentsPerTick = flagCfg.MaxIntentsPerTick
	}
	if set["max-order-qty"] {
		dst.MaxOrderQty = flagCfg.MaxOrderQty
	}
	if set["poll-interval"] {
		dst.PollInterval = flagCfg.PollInterval
	}
	if set["track-timeout"] {
		dst.TrackTimeout = flagCfg.TrackTimeout
	}
	if set["telegram-token"] {
		dst.TelegramToken = flagCfg.TelegramToken
	}
	if set["telegram-chat"] {
		dst.TelegramChatID = flagCfg.TelegramChatID
	}
	if set["proxy-url"] {
		dst.ProxyURL = flagCfg.ProxyURL
	}
	if set["notification-retries"] {
		dst.NotificationRetries = flagCfg.NotificationRetries
	}
	if set["notification-delay"] {
		dst.NotificationDelay = flagCfg.NotificationDelay
	}
	if set["metrics-addr"] {
		dst.MetricsAddr = flagCfg.MetricsAddr
	}
}

// GatePolicy converts the configured limits into the safety-gate policy.
func (c Config) GatePolicy() (gate.Policy, error) {
	policy := gate.Policy{
		LiveEnabled:       c.LiveEnabled,
		DryRun:            c.DryRun,
		OrderToken:        c.OrderToken,
		MaxIntentsPerTick: c.MaxIntentsPerTick,
	}

	if c.MaxOrderQty != "" {
		qty, err := decimal.NewFromString(c.MaxOrderQty)
		if err != nil {
			return gate.Policy{}, fmt.Errorf("invalid max_order_qty %q: %w", c.MaxOrderQty, err)
		}
		policy.MaxOrderQty = qty
	}

	for _, entry := range c.Allowlist {
		inst, err := ParseAllowlistEntry(entry)
		if err != nil {
			return gate.Policy{}, err
		}
		policy.AllowedInstruments = append(policy.AllowedInstruments, inst)
	}

	return policy, nil
}

// ParseAllowlistEntry parses one KIND:SYMBOL[:EXPIRY] allowlist entry.
func ParseAllowlistEntry(entry string) (instrument.Instrument, error) {
	parts := strings.Split(strings.TrimSpace(entry), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return instrument.Instrument{}, fmt.Errorf("allowlist entry must be KIND:SYMBOL[:EXPIRY], got %q", entry)
	}
	inst := instrument.Instrument{Kind: parts[0], Symbol: parts[1]}
	if len(parts) == 3 {
		inst.Expiry = parts[2]
	}
	return inst.Normalize(), nil
}
