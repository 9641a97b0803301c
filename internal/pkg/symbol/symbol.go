package symbol

import "strings"

// Normalize returns the canonical upper-case form used as the ledger and
// aggregator key. Exchange-specific decoration (":USDT" suffixes) is stripped.
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// ToBinance strips the slash so "BTC/USDT" becomes "BTCUSDT".
func ToBinance(s string) string {
	return strings.ReplaceAll(Normalize(s), "/", "")
}

// NormalizeList normalizes and de-duplicates, preserving order.
func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Normalize(s)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}
