package fees

import (
	"fmt"
	"strings"
)

// Level is the closed set of execution priorities a caller can request.
type Level string

const (
	Normal  Level = "normal"
	High    Level = "high"
	Maximum Level = "maximum"
)

var levelPrices = map[Level]uint64{
	Normal:  10_000,
	High:    100_000,
	Maximum: 1_000_000,
}

// ParseLevel accepts the level names case-insensitively; empty means normal.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case "", Normal:
		return Normal, nil
	case High:
		return High, nil
	case Maximum:
		return Maximum, nil
	}
	return "", fmt.Errorf("unknown priority level %q", s)
}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	_, ok := levelPrices[l]
	return ok
}

// MicroLamports is the compute unit price attached for the level.
func (l Level) MicroLamports() uint64 {
	return levelPrices[l]
}
