package source

import (
	"bytes"
	"fmt"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
)

// 上游字段路径，所有原始结构的差异只在这里处理
const (
	pathResult    = "$.quoteResponse.result"
	pathSymbol    = "$.quoteResponse.result[0].symbol"
	pathPrice     = "$.quoteResponse.result[0].regularMarketPrice"
	pathChange    = "$.quoteResponse.result[0].regularMarketChange"
	pathPercent   = "$.quoteResponse.result[0].regularMarketChangePercent"
	pathCurrency  = "$.quoteResponse.result[0].currency"
	pathMarketSec = "$.quoteResponse.result[0].regularMarketTime"
)

// normalize 原始报文 -> Quote；now 用于上游没给时间戳的情况
func normalize(requested string, raw []byte, now time.Time) (Quote, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Quote{}, fmt.Errorf("decode payload: %w", err)
	}

	res, err := jsonpath.Get(pathResult, doc)
	if err != nil {
		return Quote{}, fmt.Errorf("read %s: %w", pathResult, err)
	}
	if list, ok := res.([]any); !ok || len(list) == 0 {
		return Quote{}, ErrUnknownSymbol
	}

	price, err := decimalAt(doc, pathPrice, true)
	if err != nil {
		return Quote{}, err
	}
	if !price.IsPositive() {
		return Quote{}, fmt.Errorf("non-positive price %s", price)
	}
	change, err := decimalAt(doc, pathChange, false)
	if err != nil {
		return Quote{}, err
	}
	pct, err := decimalAt(doc, pathPercent, false)
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		Symbol:        stringAt(doc, pathSymbol, requested),
		Price:         price,
		Change:        change,
		PercentChange: pct,
		Currency:      stringAt(doc, pathCurrency, ""),
		Timestamp:     now.UTC(),
	}
	if sec, err := decimalAt(doc, pathMarketSec, false); err == nil && sec.IsPositive() {
		q.Timestamp = time.Unix(sec.IntPart(), 0).UTC()
	}
	return q, nil
}

// jsonpath 有时返回单值有时返回只有一个元素的列表，这里统一取第一个
func valueAt(doc any, path string) (any, bool) {
	v, err := jsonpath.Get(path, doc)
	if err != nil || v == nil {
		return nil, false
	}
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return nil, false
		}
		v = list[0]
	}
	return v, v != nil
}

func decimalAt(doc any, path string, required bool) (decimal.Decimal, error) {
	v, ok := valueAt(doc, path)
	if !ok {
		if required {
			return decimal.Zero, fmt.Errorf("missing %s", path)
		}
		return decimal.Zero, nil
	}
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	case float64:
		return decimal.NewFromFloat(n), nil
	default:
		return decimal.Zero, fmt.Errorf("%s: unexpected %T", path, v)
	}
}

func stringAt(doc any, path, fallback string) string {
	v, ok := valueAt(doc, path)
	if !ok {
		return fallback
	}
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
