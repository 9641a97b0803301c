// Package wsfeed is a market.Source over a plain JSON websocket feed. Every
// message is validated against a schema before field extraction, so a
// misbehaving provider degrades to dropped messages instead of bad ticks.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"papertrade/internal/logger"
	"papertrade/internal/market"
	symbolpkg "papertrade/internal/pkg/symbol"

	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// tickSchema builds the validation schema for one message. Nested gjson
// paths are left to extraction-time checks; only top-level fields can be
// constrained structurally.
func tickSchema(cfg Config) (string, error) {
	properties := map[string]any{}
	var required []string
	if flat(cfg.SymbolPath) {
		properties[cfg.SymbolPath] = map[string]any{"type": "string", "minLength": 1}
		required = append(required, cfg.SymbolPath)
	}
	if flat(cfg.PricePath) {
		properties[cfg.PricePath] = map[string]any{"type": "number", "exclusiveMinimum": 0}
		required = append(required, cfg.PricePath)
	}
	if flat(cfg.VolumePath) {
		properties[cfg.VolumePath] = map[string]any{"type": "number", "minimum": 0}
	}
	doc := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		doc["required"] = required
	}
	raw, err := json.Marshal(doc)
	return string(raw), err
}

func flat(path string) bool {
	return path != "" && !strings.ContainsAny(path, ".#@*?")
}

type Source struct {
	cfg    Config
	schema *jsonschema.Schema

	mu      sync.Mutex
	cancels []context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	if final.URL == "" {
		return nil, fmt.Errorf("wsfeed: url is required")
	}
	raw, err := tickSchema(final)
	if err != nil {
		return nil, fmt.Errorf("wsfeed: build tick schema: %w", err)
	}
	schema, err := jsonschema.CompileString("tick.json", raw)
	if err != nil {
		return nil, fmt.Errorf("wsfeed: compile tick schema: %w", err)
	}
	return &Source{cfg: final, schema: schema}, nil
}

var _ market.Source = (*Source)(nil)

func (s *Source) SubscribeTicks(ctx context.Context, symbols []string, opts market.SubscribeOptions) (<-chan market.Tick, error) {
	wanted := make(map[string]struct{})
	var clean []string
	for _, sym := range symbols {
		normalized := symbolpkg.Normalize(sym)
		if normalized == "" {
			continue
		}
		wanted[normalized] = struct{}{}
		clean = append(clean, normalized)
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("wsfeed: no valid symbols")
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	out := make(chan market.Tick, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.runLoop(subCtx, clean, wanted, out, opts)
	}()
	return out, nil
}

func (s *Source) runLoop(ctx context.Context, symbols []string, wanted map[string]struct{}, out chan<- market.Tick, opts market.SubscribeOptions) {
	delay := time.Second
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.runConnection(ctx, symbols, wanted, out, opts)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
			delay = time.Second
			continue
		}
		s.recordError(err)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(err)
		}
		failures++
		if opts.MaxAttempts > 0 && failures >= opts.MaxAttempts {
			logger.Errorf("[wsfeed] reconnect budget exhausted after %d attempts: %v", failures, err)
			if opts.OnStale != nil {
				opts.OnStale(err)
			}
			return
		}
		logger.Warnf("[wsfeed] connection lost (%d/%d): %v, retry in %v", failures, opts.MaxAttempts, err, delay)
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

// runConnection runs one dial/read cycle. A nil return means the connection
// lived long enough to deliver ticks and then ended cleanly.
func (s *Source) runConnection(ctx context.Context, symbols []string, wanted map[string]struct{}, out chan<- market.Tick, opts market.SubscribeOptions) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetPingHandler(func(message string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(s.cfg.WriteTimeout))
	})

	if s.cfg.SubscribeTemplate != "" {
		for _, sym := range symbols {
			msg := fmt.Sprintf(s.cfg.SubscribeTemplate, sym)
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return fmt.Errorf("subscribe %s: %w", sym, err)
			}
		}
	}
	if opts.OnConnect != nil {
		opts.OnConnect()
	}

	readErrors := make(chan error, 1)
	messages := make(chan []byte, 128)
	go func() {
		defer close(messages)
		for {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			_, message, err := conn.ReadMessage()
			if err != nil {
				select {
				case readErrors <- err:
				case <-connCtx.Done():
				}
				return
			}
			select {
			case messages <- message:
			case <-connCtx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErrors:
			return fmt.Errorf("read: %w", err)
		case message := <-messages:
			tick, ok := s.decode(message)
			if !ok {
				continue
			}
			if _, subscribed := wanted[tick.Symbol]; !subscribed {
				continue
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return nil
			default:
				s.recordDrop()
				logger.Warnf("[wsfeed] tick channel full, drop %s", tick.Symbol)
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// decode validates one raw message and extracts a tick. Anything that fails
// the schema is dropped and counted, never fatal.
func (s *Source) decode(raw []byte) (market.Tick, bool) {
	if !gjson.ValidBytes(raw) {
		s.recordDrop()
		logger.Debugf("[wsfeed] dropping invalid json message")
		return market.Tick{}, false
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.recordDrop()
		return market.Tick{}, false
	}
	if err := s.schema.Validate(doc); err != nil {
		s.recordDrop()
		logger.Debugf("[wsfeed] dropping malformed tick: %v", err)
		return market.Tick{}, false
	}

	parsed := gjson.ParseBytes(raw)
	sym := symbolpkg.Normalize(parsed.Get(s.cfg.SymbolPath).String())
	price := parsed.Get(s.cfg.PricePath).Float()
	if sym == "" || price <= 0 {
		s.recordDrop()
		return market.Tick{}, false
	}
	at := time.Now()
	if s.cfg.TimePath != "" {
		if ms := parsed.Get(s.cfg.TimePath).Int(); ms > 0 {
			at = time.UnixMilli(ms)
		}
	}
	return market.Tick{
		Symbol: sym,
		Price:  price,
		Volume: parsed.Get(s.cfg.VolumePath).Float(),
		Time:   at,
	}, true
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	return nil
}

func (s *Source) recordError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	if strings.Contains(err.Error(), "dial") {
		s.stats.SubscribeErrors++
	} else {
		s.stats.Reconnects++
	}
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordDrop() {
	s.statsMu.Lock()
	s.stats.DroppedMessages++
	s.statsMu.Unlock()
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}
