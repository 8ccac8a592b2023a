package processor

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pilumvli199/DHAN-WEBSCOKET/logger"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
)

// MalformedPayloadError indicates a response body that could not be decoded at
// all. The fetch cycle it belongs to is skipped; the next cycle proceeds.
type MalformedPayloadError struct {
	Err error
}

func (e *MalformedPayloadError) Error() string {
	return "malformed payload: " + e.Err.Error()
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// batchKeys are container keys the feed has historically used for batched
// quote blocks.
var batchKeys = []string{"data", "symbols", "quotes", "ltp", "ohlc"}

// lastPriceKeys, in lookup order, cover the field names the feed has shipped
// for the last traded price across response versions.
var lastPriceKeys = []string{"last_price", "ltp", "lastPrice", "last_traded_price", "lastTradedPrice", "last"}

var prevCloseKeys = []string{"prev_close", "previous_close", "prevClose", "close_price", "close"}
var openKeys = []string{"open", "day_open", "open_price"}
var highKeys = []string{"high", "day_high", "high_price"}
var lowKeys = []string{"low", "day_low", "low_price"}
var volumeKeys = []string{"volume", "vol", "volume_traded", "totalTradedVolume"}

// Normalizer derives canonical QuoteRecords from raw feed payloads. The feed
// has shipped several incompatible response shapes; Normalize tries a fixed
// chain of decreasingly strict extraction strategies and the first one that
// maps any requested instrument wins outright. Results across strategies are
// never merged, so a given payload shape always resolves the same way.
type Normalizer struct {
	log *logger.Log
}

func NewNormalizer() *Normalizer {
	return &Normalizer{log: logger.GetLogger()}
}

// Normalize extracts one QuoteRecord per requested instrument found in raw.
// An empty map is a first-class outcome meaning no strategy matched; callers
// surface "data unavailable" per instrument rather than treating it as an
// error. Only an undecodable body fails the call.
func (n *Normalizer) Normalize(raw []byte, requested []models.InstrumentRef) (map[models.InstrumentRef]models.QuoteRecord, error) {
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, &MalformedPayloadError{Err: err}
	}

	asOf := time.Now().UTC()

	if out := n.directBlock(root, requested, asOf); len(out) > 0 {
		return out, nil
	}
	if out := n.topLevelKeys(root, requested, asOf); len(out) > 0 {
		return out, nil
	}
	if out := n.leafScan(root, requested, asOf); len(out) > 0 {
		return out, nil
	}

	n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"bytes":     len(raw),
		"requested": len(requested),
	}).Debug("no strategy matched payload")

	return map[models.InstrumentRef]models.QuoteRecord{}, nil
}

// directBlock looks for a nested container under a known batch key whose own
// keys are exchange symbols.
func (n *Normalizer) directBlock(root any, requested []models.InstrumentRef, asOf time.Time) map[models.InstrumentRef]models.QuoteRecord {
	obj, ok := root.(map[string]any)
	if !ok {
		return nil
	}
	for _, bk := range batchKeys {
		blk, ok := obj[bk].(map[string]any)
		if !ok {
			continue
		}
		if out := mapSymbolBlock(blk, requested, asOf); len(out) > 0 {
			return out
		}
		// The symbol block is sometimes one more level down, keyed by an
		// opaque segment tag. Children are visited in sorted key order so a
		// given payload always resolves identically.
		for _, key := range sortedKeys(blk) {
			child, ok := blk[key].(map[string]any)
			if !ok {
				continue
			}
			if out := mapSymbolBlock(child, requested, asOf); len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

// topLevelKeys treats the top-level object's own keys as exchange symbols.
func (n *Normalizer) topLevelKeys(root any, requested []models.InstrumentRef, asOf time.Time) map[models.InstrumentRef]models.QuoteRecord {
	obj, ok := root.(map[string]any)
	if !ok {
		return nil
	}
	return mapSymbolBlock(obj, requested, asOf)
}

// mapSymbolBlock maps every requested instrument whose exchange symbol
// appears as a key of blk.
func mapSymbolBlock(blk map[string]any, requested []models.InstrumentRef, asOf time.Time) map[models.InstrumentRef]models.QuoteRecord {
	out := map[models.InstrumentRef]models.QuoteRecord{}
	for _, inst := range requested {
		node, ok := blk[inst.ExchangeSymbol]
		if !ok {
			continue
		}
		fields, ok := node.(map[string]any)
		if !ok {
			continue
		}
		out[inst] = extractRecord(inst, fields, asOf)
	}
	return out
}

// extractRecord reads the known quote field names out of one instrument's
// object. A missing or unparseable last price stays null rather than zero.
// OHLC fields may sit either on the object itself or one level down in an
// "ohlc" sub-object.
func extractRecord(inst models.InstrumentRef, fields map[string]any, asOf time.Time) models.QuoteRecord {
	rec := models.QuoteRecord{Instrument: inst, AsOf: asOf}

	if d, ok := firstDecimal(fields, lastPriceKeys); ok {
		rec.LastPrice = decimal.NullDecimal{Decimal: d, Valid: true}
	}

	ohlc := fields
	if sub, ok := fields["ohlc"].(map[string]any); ok {
		ohlc = sub
	}
	if d, ok := firstDecimal(fields, prevCloseKeys); ok {
		rec.PrevClose = d
	} else if d, ok := firstDecimal(ohlc, prevCloseKeys); ok {
		rec.PrevClose = d
	}
	if d, ok := firstDecimal(ohlc, openKeys); ok {
		rec.Open = d
	}
	if d, ok := firstDecimal(ohlc, highKeys); ok {
		rec.High = d
	}
	if d, ok := firstDecimal(ohlc, lowKeys); ok {
		rec.Low = d
	}
	if d, ok := firstDecimal(fields, volumeKeys); ok {
		rec.Volume = d.IntPart()
	}
	return rec
}

// leafScan is the last-resort heuristic for payloads that bury prices several
// levels deep under inconsistent field names. For each requested instrument it
// matches dict keys against a set of symbol variants and takes the maximum
// numeric leaf beneath the first matching key as the best-effort last price.
// This is documented best effort, not guaranteed extraction; the earlier
// strategies are always preferred.
func (n *Normalizer) leafScan(root any, requested []models.InstrumentRef, asOf time.Time) map[models.InstrumentRef]models.QuoteRecord {
	out := map[models.InstrumentRef]models.QuoteRecord{}
	for _, inst := range requested {
		variants := symbolVariants(inst)
		path, node, found := findVariantNode(root, variants, "")
		if !found {
			continue
		}
		price, ok := maxNumericLeaf(node)
		rec := models.QuoteRecord{Instrument: inst, AsOf: asOf}
		if ok {
			rec.LastPrice = decimal.NullDecimal{Decimal: price, Valid: true}
			n.log.WithComponent("normalizer").WithFields(logger.Fields{
				"instrument": inst.String(),
				"path":       path,
				"price":      price.String(),
			}).Debug("heuristic leaf scan matched")
		}
		out[inst] = rec
	}
	return out
}

// symbolVariants builds the normalized string forms an instrument may appear
// under in a loosely structured payload.
func symbolVariants(inst models.InstrumentRef) []string {
	seen := map[string]struct{}{}
	var variants []string
	add := func(s string) {
		v := normalizeKey(s)
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		variants = append(variants, v)
	}
	add(inst.ExchangeSymbol)
	add(inst.DisplayName)
	for _, suffix := range []string{"-EQ", "-I", ".NS", " 50"} {
		add(strings.TrimSuffix(inst.ExchangeSymbol, suffix))
		add(strings.TrimSuffix(inst.DisplayName, suffix))
		add(inst.ExchangeSymbol + suffix)
	}
	return variants
}

func normalizeKey(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}

// keyMatches reports whether a normalized dict key corresponds to one of the
// instrument's variants: equal, containing, or contained by.
func keyMatches(key string, variants []string) bool {
	k := normalizeKey(key)
	if k == "" {
		return false
	}
	for _, v := range variants {
		if k == v || strings.Contains(k, v) || strings.Contains(v, k) {
			return true
		}
	}
	return false
}

// findVariantNode walks the payload depth-first in sorted key order and
// returns the first node whose key matches a variant.
func findVariantNode(node any, variants []string, path string) (string, any, bool) {
	switch v := node.(type) {
	case map[string]any:
		for _, key := range sortedKeys(v) {
			childPath := path + "/" + key
			if keyMatches(key, variants) {
				return childPath, v[key], true
			}
			if p, n, ok := findVariantNode(v[key], variants, childPath); ok {
				return p, n, ok
			}
		}
	case []any:
		for i, item := range v {
			if p, n, ok := findVariantNode(item, variants, path+"/"+strconv.Itoa(i)); ok {
				return p, n, ok
			}
		}
	}
	return "", nil, false
}

// maxNumericLeaf collects every numeric or numeric-string leaf beneath node
// and returns the maximum. Malformed numeric strings are skipped per leaf.
func maxNumericLeaf(node any) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	consider := func(d decimal.Decimal) {
		if !found || d.GreaterThan(best) {
			best = d
			found = true
		}
	}
	var walk func(any)
	walk = func(n any) {
		switch v := n.(type) {
		case map[string]any:
			for _, key := range sortedKeys(v) {
				walk(v[key])
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		case float64:
			consider(decimal.NewFromFloat(v))
		case string:
			if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
				consider(d)
			}
		}
	}
	walk(node)
	return best, found
}

// firstDecimal returns the first key present in fields that parses to a
// decimal. Non-numeric values under a known key are skipped, not fatal.
func firstDecimal(fields map[string]any, keys []string) (decimal.Decimal, bool) {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return decimal.NewFromFloat(t), true
		case string:
			if d, err := decimal.NewFromString(strings.TrimSpace(t)); err == nil {
				return d, true
			}
		}
	}
	return decimal.Decimal{}, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
