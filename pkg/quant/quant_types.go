package quant

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PriceMicros represents a price multiplied by 1,000,000 (10^6).
// E.g., 1.23 USD = 1,230,000 PriceMicros.
type PriceMicros int64

// QtySats represents a quantity multiplied by 100,000,000 (10^8).
// E.g., 1.0 BTC = 100,000,000 QtySats.
type QtySats int64

// TimeStamp represents Unix Microseconds.
type TimeStamp int64

const (
	PriceScale = 1000000
	QtyScale   = 100000000

	// RateScale scales dimensionless fractions (24h change, ROE).
	// A fraction of 0.01 (1%) is 10,000 rate micros.
	RateScale = 1000000
)

// ToPriceMicros converts a float64 (from an external API) to PriceMicros.
// Boundary use only. Internal logic stays on PriceMicros.
func ToPriceMicros(f float64) PriceMicros {
	return PriceMicros(math.Round(f * PriceScale))
}

// ToQtySats converts a float64 to QtySats.
func ToQtySats(f float64) QtySats {
	return QtySats(math.Round(f * QtyScale))
}

func (p PriceMicros) String() string {
	return fmt.Sprintf("%.6f", float64(p)/PriceScale)
}

// Float64 returns the price as a float64, for derived analytics only.
func (p PriceMicros) Float64() float64 {
	return float64(p) / PriceScale
}

func (q QtySats) String() string {
	return fmt.Sprintf("%.8f", float64(q)/QtyScale)
}

// Float64 returns the quantity as a float64, for derived analytics only.
func (q QtySats) Float64() float64 {
	return float64(q) / QtyScale
}

// ParsePrice converts a numeric string to PriceMicros without going through
// float64. Returns an error on malformed input so callers can skip the record
// instead of storing a silent zero.
func ParsePrice(s string) (PriceMicros, error) {
	v, err := parseFixedPoint(s, 6)
	return PriceMicros(v), err
}

// ParseQty converts a numeric string to QtySats without going through float64.
func ParseQty(s string) (QtySats, error) {
	v, err := parseFixedPoint(s, 8)
	return QtySats(v), err
}

// ParseRate converts a fraction string (e.g. "0.05" for 5%) to rate micros.
func ParseRate(s string) (int64, error) {
	return parseFixedPoint(s, 6)
}

// ParseUSD converts a USD amount string to micros.
func ParseUSD(s string) (int64, error) {
	return parseFixedPoint(s, 6)
}

// parseFixedPoint parses a numeric string into an int64 with the given precision.
// E.g., parseFixedPoint("1.23", 6) -> 1,230,000.
func parseFixedPoint(s string, precision int) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty numeric string")
	}

	intStr, fracStr := s, ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		intStr, fracStr = s[:dot], s[dot+1:]
	}

	neg := strings.HasPrefix(intStr, "-")

	intPart, err := strconv.ParseInt(intStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer part %q: %w", s, err)
	}
	for i := 0; i < precision; i++ {
		if intPart > math.MaxInt64/10 || intPart < math.MinInt64/10 {
			return 0, fmt.Errorf("numeric overflow %q", s)
		}
		intPart *= 10
	}

	if fracStr == "" {
		return intPart, nil
	}

	if len(fracStr) > precision {
		fracStr = fracStr[:precision]
	}
	fracPart, err := strconv.ParseInt(fracStr, 10, 64)
	if err != nil || fracPart < 0 {
		return 0, fmt.Errorf("invalid fraction part %q", s)
	}
	for i := len(fracStr); i < precision; i++ {
		fracPart *= 10
	}

	if neg {
		if intPart < math.MinInt64+fracPart {
			return 0, fmt.Errorf("numeric overflow %q", s)
		}
		return intPart - fracPart, nil
	}
	if intPart > math.MaxInt64-fracPart {
		return 0, fmt.Errorf("numeric overflow %q", s)
	}
	return intPart + fracPart, nil
}
