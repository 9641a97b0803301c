package config

import (
	"fmt"
	"strings"

	"papertrade/internal/scheduler"
)

func validate(c *Config) error {
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Account.validate(); err != nil {
		return err
	}
	if err := c.Persistence.validate(); err != nil {
		return err
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if m.MaxCached < 50 || m.MaxCached > 10000 {
		return fmt.Errorf("market.max_cached must be in [50,10000]")
	}
	for _, iv := range m.Intervals {
		if _, ok := scheduler.ParseIntervalDuration(iv); !ok {
			return fmt.Errorf("market.intervals contains invalid interval: %s", iv)
		}
	}
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources requires at least one source")
	}
	activeName := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	enabled := 0
	activeFound := false
	for _, src := range m.Sources {
		if !src.Enabled {
			continue
		}
		enabled++
		switch src.SourceKind() {
		case "binance":
			if strings.TrimSpace(src.RESTBaseURL) == "" {
				return fmt.Errorf("market source %s missing rest_base_url", src.Name)
			}
		case "websocket":
			if strings.TrimSpace(src.WSURL) == "" {
				return fmt.Errorf("market source %s missing ws_url", src.Name)
			}
		default:
			return fmt.Errorf("market source %s has unknown kind %q", src.Name, src.SourceKind())
		}
		if src.Proxy.Enabled && src.Proxy.RESTURL == "" && src.Proxy.WSURL == "" {
			return fmt.Errorf("market source %s has proxy enabled but no rest_url or ws_url", src.Name)
		}
		name := strings.ToLower(strings.TrimSpace(src.Name))
		if activeName == "" || name == activeName {
			activeFound = true
		}
	}
	if enabled == 0 {
		return fmt.Errorf("market.sources requires at least one enabled source")
	}
	if !activeFound {
		return fmt.Errorf("enabled market.active_source=%s not found", m.ActiveSource)
	}
	return nil
}

func (a *AccountConfig) validate() error {
	if a.InitialCapital <= 0 {
		return fmt.Errorf("account.initial_capital must be > 0")
	}
	return nil
}

func (p *PersistenceConfig) validate() error {
	if !p.Enabled {
		return nil
	}
	if strings.TrimSpace(p.Path) == "" {
		return fmt.Errorf("persistence.path cannot be empty when persistence is enabled")
	}
	if p.QueueSize <= 0 {
		return fmt.Errorf("persistence.queue_size must be > 0")
	}
	return nil
}
