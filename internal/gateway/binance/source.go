// Package binance adapts the go-binance futures websocket feed into a
// market.Source of trade ticks.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"papertrade/internal/logger"
	"papertrade/internal/market"
	symbolpkg "papertrade/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
)

type Source struct {
	cfg    Config
	client *futures.Client

	mu      sync.Mutex
	cancels []context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Source{cfg: final, client: client}, nil
}

var _ market.Source = (*Source)(nil)

// SubscribeTicks streams aggregated trades for the symbols. The connection is
// re-established with doubling backoff after failures; once MaxAttempts
// consecutive attempts fail, OnStale fires and the channel closes. Other
// subscriptions on the same source are unaffected.
func (s *Source) SubscribeTicks(ctx context.Context, symbols []string, opts market.SubscribeOptions) (<-chan market.Tick, error) {
	// Subscribe with Binance's slash-free form but report ticks under the
	// caller's normalized symbol.
	symbolMap := make(map[string]string)
	cleanSymbols := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		normalized := symbolpkg.Normalize(sym)
		if normalized == "" {
			continue
		}
		clean := symbolpkg.ToBinance(normalized)
		symbolMap[clean] = normalized
		cleanSymbols = append(cleanSymbols, clean)
	}
	if len(cleanSymbols) == 0 {
		return nil, fmt.Errorf("no valid symbols for tick subscription")
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
		s.runTradeLoop(subCtx, cleanSymbols, symbolMap, out, opts)
	}()
	return out, nil
}

func (s *Source) runTradeLoop(ctx context.Context, symbols []string, symbolMap map[string]string, out chan<- market.Tick, opts market.SubscribeOptions) {
	delay := time.Second
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsAggTradeEvent) {
			tick, ok := convertAggTradeEvent(event)
			if !ok {
				s.recordDrop()
				return
			}
			if original, ok := symbolMap[tick.Symbol]; ok {
				tick.Symbol = original
			}
			select {
			case <-ctx.Done():
				return
			case out <- tick:
			default:
				s.recordDrop()
				logger.Warnf("[binance] tick channel full, drop %s", tick.Symbol)
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsCombinedAggTradeServe(symbols, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			failures++
			if s.exhausted(failures, opts, err) {
				return
			}
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		failures = 0
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		close(stopC)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		failures++
		if s.exhausted(failures, opts, errCopy) {
			return
		}
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (s *Source) exhausted(failures int, opts market.SubscribeOptions, cause error) bool {
	if opts.MaxAttempts <= 0 || failures < opts.MaxAttempts {
		return false
	}
	if cause == nil {
		cause = fmt.Errorf("connection lost")
	}
	logger.Errorf("[binance] reconnect budget exhausted after %d attempts: %v", failures, cause)
	if opts.OnStale != nil {
		opts.OnStale(cause)
	}
	return true
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

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func convertAggTradeEvent(ev *futures.WsAggTradeEvent) (market.Tick, bool) {
	if ev == nil {
		return market.Tick{}, false
	}
	price := parseFloat(ev.Price)
	if price <= 0 {
		return market.Tick{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	if symbol == "" {
		return market.Tick{}, false
	}
	at := ev.TradeTime
	if at <= 0 {
		at = ev.Time
	}
	return market.Tick{
		Symbol: symbol,
		Price:  price,
		Volume: parseFloat(ev.Quantity),
		Time:   time.UnixMilli(at),
	}, true
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

func (s *Source) recordSubscribeError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil && err.Error() != "" {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}

func (s *Source) recordDrop() {
	s.statsMu.Lock()
	s.stats.DroppedMessages++
	s.statsMu.Unlock()
}
