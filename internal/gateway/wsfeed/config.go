package wsfeed

import (
	"strings"
	"time"
)

// Config describes a JSON-over-websocket tick feed. Field paths are gjson
// paths into each message, so the same source adapts to different providers
// by configuration alone.
type Config struct {
	URL string

	// SubscribeTemplate, when set, is sent once per symbol after connect
	// with %s replaced by the symbol.
	SubscribeTemplate string

	SymbolPath string
	PricePath  string
	VolumePath string
	// TimePath points at a unix-milliseconds timestamp. Empty falls back to
	// receive time.
	TimePath string

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	out.URL = strings.TrimSpace(out.URL)
	if out.SymbolPath == "" {
		out.SymbolPath = "symbol"
	}
	if out.PricePath == "" {
		out.PricePath = "price"
	}
	if out.VolumePath == "" {
		out.VolumePath = "volume"
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 60 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 20 * time.Second
	}
	return out
}
