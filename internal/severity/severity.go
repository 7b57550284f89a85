// Package severity defines the ordered severity model shared by the sink,
// the orchestrator and every plugin.
//
// A lower rank is more severe. A record "meets" a threshold when its rank is
// numerically less than or equal to the threshold's rank.
package severity

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownLevel = errors.New("unknown severity level")

type Level int8

const (
	Error Level = iota
	Warn
	Info
	Debug
	Off
)

var names = [...]string{
	Error: "ERROR",
	Warn:  "WARN",
	Info:  "INFO",
	Debug: "DEBUG",
	Off:   "OFF",
}

// Rank returns the numeric rank (ERROR=0 ... OFF=4).
func (l Level) Rank() int { return int(l) }

// AtLeast reports whether l is at least as severe as threshold.
func (l Level) AtLeast(threshold Level) bool { return l.Rank() <= threshold.Rank() }

func (l Level) Valid() bool { return l >= Error && l <= Off }

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return names[l]
}

// Parse accepts level names case-insensitively ("warning" is an alias of WARN).
func Parse(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return Error, nil
	case "WARN", "WARNING":
		return Warn, nil
	case "INFO":
		return Info, nil
	case "DEBUG":
		return Debug, nil
	case "OFF":
		return Off, nil
	}
	return Off, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, int(l))
	}
	return []byte(names[l]), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
