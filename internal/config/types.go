package config

import "strings"

// Config is the top-level configuration for the paper trading service.
type Config struct {
	App         AppConfig         `toml:"app"`
	Market      MarketConfig      `toml:"market"`
	Account     AccountConfig     `toml:"account"`
	Persistence PersistenceConfig `toml:"persistence"`
}

type AppConfig struct {
	Env           string `toml:"env"`
	LogLevel      string `toml:"log_level"`
	HTTPAddr      string `toml:"http_addr"`
	LogPath       string `toml:"log_path"`
	WatchlistPath string `toml:"watchlist_path"`
}

type MarketConfig struct {
	MaxCached    int            `toml:"max_cached"`
	Intervals    []string       `toml:"intervals"`
	MaxAttempts  int            `toml:"max_attempts"`
	Buffer       int            `toml:"buffer"`
	ActiveSource string         `toml:"active_source"`
	Sources      []MarketSource `toml:"sources"`
}

// MarketSource describes one tick feed. Kind "binance" uses the futures
// aggTrade stream; kind "websocket" is a generic JSON feed described by
// the ws_* fields.
type MarketSource struct {
	Name        string      `toml:"name"`
	Kind        string      `toml:"kind"`
	Enabled     bool        `toml:"enabled"`
	RESTBaseURL string      `toml:"rest_base_url"`
	Proxy       ProxyConfig `toml:"proxy"`

	WSURL             string `toml:"ws_url"`
	SubscribeTemplate string `toml:"subscribe_template"`
	SymbolPath        string `toml:"symbol_path"`
	PricePath         string `toml:"price_path"`
	VolumePath        string `toml:"volume_path"`
	TimePath          string `toml:"time_path"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
	WSURL   string `toml:"ws_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
	p.WSURL = strings.TrimSpace(p.WSURL)
}

type AccountConfig struct {
	ID             string  `toml:"id"`
	InitialCapital float64 `toml:"initial_capital"`
}

type PersistenceConfig struct {
	Enabled     bool   `toml:"enabled"`
	Path        string `toml:"path"`
	QueueSize   int    `toml:"queue_size"`
	MaxAttempts int    `toml:"max_attempts"`
}

// ResolveActiveSource picks the configured active source, falling back to
// the first enabled one.
func (m MarketConfig) ResolveActiveSource() MarketSource {
	if len(m.Sources) == 0 {
		return MarketSource{
			Name:        defaultMarketName,
			Kind:        "binance",
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}
	}
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	var fallback MarketSource
	for _, src := range m.Sources {
		if fallback.Name == "" {
			fallback = src
		}
		if !src.Enabled {
			continue
		}
		if active == "" || strings.ToLower(src.Name) == active {
			return src
		}
	}
	return fallback
}

// SourceKind normalizes the kind field, defaulting to the source name for
// configs that only set name.
func (s MarketSource) SourceKind() string {
	kind := strings.ToLower(strings.TrimSpace(s.Kind))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(s.Name))
	}
	return kind
}

// keySet tracks which config paths were explicitly set in the file, so
// defaults never clobber explicit zero values.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
