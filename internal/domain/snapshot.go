package domain

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sugawarayuuta/sonnet"
)

// Price is an optional ticker price. Decoding never fails: null, missing,
// non-numeric and non-finite values all decode to an invalid Price so that a
// noisy ticker only loses the affected edge instead of the whole snapshot.
type Price struct {
	Value float64
	Valid bool
}

// P returns a valid Price.
func P(v float64) Price {
	return Price{Value: v, Valid: true}
}

// Positive reports whether the price is present and strictly positive.
func (p Price) Positive() bool {
	return p.Valid && p.Value > 0
}

// UnmarshalJSON accepts numbers and numeric strings.
func (p *Price) UnmarshalJSON(data []byte) error {
	*p = Price{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return nil
		}
		raw = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	*p = Price{Value: v, Valid: true}
	return nil
}

// MarshalJSON writes invalid prices as null.
func (p Price) MarshalJSON() ([]byte, error) {
	if !p.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, p.Value, 'g', -1, 64), nil
}

// Quote is the top-of-book record for one trading pair.
type Quote struct {
	Bid         Price `json:"bid"`
	Ask         Price `json:"ask"`
	Last        Price `json:"last"`
	QuoteVolume Price `json:"quoteVolume"`
}

// ScanParams are the per-snapshot detection filters. A zero value means the
// filter is unset: WithDefaults replaces it with the configured default, so a
// payload cannot force a filter to zero when its default is nonzero.
type ScanParams struct {
	MinNetPercent       float64  `json:"min_net_percent"`
	MinHops             int      `json:"min_hops"`
	MaxHops             int      `json:"max_hops"`
	MinNetPercentPerHop float64  `json:"min_net_percent_per_hop"`
	TopN                int      `json:"top_n"`
	LatencyPenaltyBps   float64  `json:"latency_penalty_bps"`
	Blacklist           []string `json:"blacklisted_pair_set"`
	MinQuoteVolume      float64  `json:"min_quote_volume"`
}

// WithDefaults returns p with every zero-valued field taken from d.
func (p ScanParams) WithDefaults(d ScanParams) ScanParams {
	if p.MinNetPercent == 0 {
		p.MinNetPercent = d.MinNetPercent
	}
	if p.MinHops == 0 {
		p.MinHops = d.MinHops
	}
	if p.MaxHops == 0 {
		p.MaxHops = d.MaxHops
	}
	if p.MinNetPercentPerHop == 0 {
		p.MinNetPercentPerHop = d.MinNetPercentPerHop
	}
	if p.TopN == 0 {
		p.TopN = d.TopN
	}
	if p.LatencyPenaltyBps == 0 {
		p.LatencyPenaltyBps = d.LatencyPenaltyBps
	}
	if len(p.Blacklist) == 0 && len(d.Blacklist) > 0 {
		p.Blacklist = append([]string(nil), d.Blacklist...)
	}
	if p.MinQuoteVolume == 0 {
		p.MinQuoteVolume = d.MinQuoteVolume
	}
	return p
}

// BlacklistSet returns the blacklist as a lookup set of "BASE->QUOTE" keys.
func (p ScanParams) BlacklistSet() map[string]struct{} {
	set := make(map[string]struct{}, len(p.Blacklist))
	for _, pair := range p.Blacklist {
		pair = strings.TrimSpace(pair)
		if pair != "" {
			set[pair] = struct{}{}
		}
	}
	return set
}

// Snapshot is a per-exchange market snapshot together with its scan
// parameters. It is the unit of work handed to every detection technique.
type Snapshot struct {
	ExchangeID string           `json:"exchange_id,omitempty"`
	Tokens     []string         `json:"tokens,omitempty"`
	Tickers    map[string]Quote `json:"tickers"`
	FeePercent float64          `json:"fee"`
	ScanParams
}

// UnmarshalJSON accepts "blacklist" as an alias of "blacklisted_pair_set".
// The canonical key wins when both are present.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type plain Snapshot
	var snap plain
	if err := sonnet.Unmarshal(data, &snap); err != nil {
		return err
	}
	if len(snap.Blacklist) == 0 {
		var alias struct {
			Blacklist []string `json:"blacklist"`
		}
		if err := sonnet.Unmarshal(data, &alias); err != nil {
			return err
		}
		snap.Blacklist = alias.Blacklist
	}
	*s = Snapshot(snap)
	return nil
}

// SplitSymbol splits "BASE/QUOTE" into its parts.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	base, quote, ok = strings.Cut(symbol, "/")
	base = strings.TrimSpace(base)
	quote = strings.TrimSpace(quote)
	if !ok || base == "" || quote == "" || base == quote {
		return "", "", false
	}
	return base, quote, true
}

// TokenSet returns the participating currencies: the explicit token list when
// present, otherwise every symbol named in a ticker key.
func (s Snapshot) TokenSet() map[string]struct{} {
	set := make(map[string]struct{})
	if len(s.Tokens) > 0 {
		for _, t := range s.Tokens {
			t = strings.TrimSpace(t)
			if t != "" {
				set[t] = struct{}{}
			}
		}
		return set
	}
	for symbol := range s.Tickers {
		base, quote, ok := SplitSymbol(symbol)
		if !ok {
			continue
		}
		set[base] = struct{}{}
		set[quote] = struct{}{}
	}
	return set
}

// Symbols returns the ticker keys in sorted order.
func (s Snapshot) Symbols() []string {
	keys := make([]string, 0, len(s.Tickers))
	for k := range s.Tickers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseSnapshotFile decodes a snapshot document: a JSON object keyed by
// exchange id. The key is copied into each Snapshot's ExchangeID.
func ParseSnapshotFile(data []byte) (map[string]Snapshot, error) {
	var raw map[string]Snapshot
	if err := sonnet.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("domain: decode snapshot document: %w", err)
	}
	out := make(map[string]Snapshot, len(raw))
	for id, snap := range raw {
		snap.ExchangeID = id
		out[id] = snap
	}
	return out, nil
}

// LoadSnapshotFile reads and decodes a snapshot document from disk.
func LoadSnapshotFile(path string) (map[string]Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("domain: read snapshot file %s: %w", path, err)
	}
	return ParseSnapshotFile(data)
}

// EncodeSnapshot serialises a single snapshot.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	data, err := sonnet.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("domain: encode snapshot %s: %w", snap.ExchangeID, err)
	}
	return data, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := sonnet.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("domain: decode snapshot: %w", err)
	}
	return snap, nil
}
