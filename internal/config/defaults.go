package config

import (
	"fmt"
	"strings"
)

const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppHTTPAddr        = ":9980"
	defaultAppLogPath         = "/data/logs/papertrade.log"
	defaultWatchlistPath      = "configs/instruments.yaml"
	defaultMarketName         = "binance"
	defaultMarketREST         = "https://fapi.binance.com"
	defaultMarketMaxCached    = 500
	defaultMarketMaxAttempts  = 10
	defaultMarketBuffer       = 512
	defaultAccountID          = "default"
	defaultInitialCapital     = 10000
	defaultPersistencePath    = "/data/db/papertrade.db"
	defaultPersistQueueSize   = 256
	defaultPersistMaxAttempts = 5
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Account.applyDefaults(keys)
	c.Persistence.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.watchlist_path", &a.WatchlistPath, defaultWatchlistPath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "market.max_cached",
			need:  func() bool { return m.MaxCached <= 0 },
			apply: func() { m.MaxCached = defaultMarketMaxCached },
		},
		fieldDefault{
			key:   "market.max_attempts",
			need:  func() bool { return m.MaxAttempts <= 0 },
			apply: func() { m.MaxAttempts = defaultMarketMaxAttempts },
		},
		fieldDefault{
			key:   "market.buffer",
			need:  func() bool { return m.Buffer <= 0 },
			apply: func() { m.Buffer = defaultMarketBuffer },
		},
	)
	if len(m.Intervals) == 0 {
		m.Intervals = []string{"1m"}
	}
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Kind:        "binance",
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Proxy.normalize()
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.SourceKind() == "binance" && src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
	}
	if strings.TrimSpace(m.ActiveSource) == "" {
		m.ActiveSource = firstEnabledSource(m.Sources)
	}
}

func (a *AccountConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("account.id", &a.ID, defaultAccountID),
		fieldDefault{
			key:   "account.initial_capital",
			need:  func() bool { return a.InitialCapital <= 0 },
			apply: func() { a.InitialCapital = defaultInitialCapital },
		},
	)
}

func (p *PersistenceConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("persistence.enabled", &p.Enabled, true),
		stringFieldDefault("persistence.path", &p.Path, defaultPersistencePath),
		fieldDefault{
			key:   "persistence.queue_size",
			need:  func() bool { return p.QueueSize <= 0 },
			apply: func() { p.QueueSize = defaultPersistQueueSize },
		},
		fieldDefault{
			key:   "persistence.max_attempts",
			need:  func() bool { return p.MaxAttempts <= 0 },
			apply: func() { p.MaxAttempts = defaultPersistMaxAttempts },
		},
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledSource(sources []MarketSource) string {
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if src.Enabled && name != "" {
			return name
		}
	}
	if len(sources) > 0 {
		if name := strings.TrimSpace(sources[0].Name); name != "" {
			return name
		}
	}
	return defaultMarketName
}
