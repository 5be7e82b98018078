// Package priority defines the retention priority shared by context chunks
// and memory records.
package priority

import (
	"fmt"
	"strings"
)

// Level orders retention importance. Higher values survive eviction longer.
type Level int

const (
	Low Level = iota
	Medium
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(l))
	}
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	return l >= Low && l <= Critical
}

// Weight is the scoring multiplier applied by relevance ranking.
func (l Level) Weight() float64 {
	switch l {
	case Critical:
		return 1.5
	case High:
		return 1.25
	case Medium:
		return 1.0
	default:
		return 0.8
	}
}

// Parse accepts the lowercase level names.
func Parse(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "", "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	default:
		return Medium, fmt.Errorf("unknown priority %q", s)
	}
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
