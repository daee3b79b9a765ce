// Package zone turns the host's "aidect" zone into a typed monitor configuration.
//
// The zone name carries the settings, e.g.
//
//	aidect Threshold=40 Size=128 Classes=1,16 MinArea=500
//
// A name is accepted whole or rejected whole; a rejected name never yields
// partially-populated settings.
package zone

import (
	"errors"
	"fmt"
	"image"
	"math"
	"slices"
	"strconv"
	"strings"
)

// BaseToken identifies a zone owned by this daemon
const BaseToken = "aidect"

// ErrParse matches every *ParseError
var ErrParse = errors.New("zone parse error")

// ParseError describes why a zone name or coordinate string was rejected
type ParseError struct {
	Input  string
	Key    string
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("invalid %s=%q in %q: %s", e.Key, e.Value, e.Input, e.Reason)
	}
	return fmt.Sprintf("invalid zone %q: %s", e.Input, e.Reason)
}

// Is makes errors.Is(err, ErrParse) true
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// IsZoneName reports whether name starts with the identifying token
func IsZoneName(name string) bool {
	fields := strings.Fields(name)
	return len(fields) > 0 && strings.HasPrefix(strings.ToLower(fields[0]), BaseToken)
}

// ParseName parses a zone name into Settings, applying defaults for absent keys.
// Keys are case-insensitive, unknown keys and tokens without '=' are ignored,
// and the last occurrence of a repeated key wins.
func ParseName(name string) (Settings, error) {
	if !IsZoneName(name) {
		return Settings{}, &ParseError{Input: name, Reason: "missing " + BaseToken + " token"}
	}

	s := Settings{
		ThresholdPct: DefaultThreshold,
		Size:         DefaultSize,
		Classes:      slices.Clone(DefaultClasses),
	}

	for _, tok := range strings.Fields(name)[1:] {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		perr := func(reason string) error {
			return &ParseError{Input: name, Key: key, Value: value, Reason: reason}
		}

		switch strings.ToLower(key) {
		case "threshold":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil || math.IsNaN(v) {
				return Settings{}, perr("not a number")
			}
			if v < 0 || v > 100 {
				return Settings{}, perr("must be between 0 and 100")
			}
			s.ThresholdPct = v
		case "size":
			v, err := strconv.Atoi(value)
			if err != nil {
				return Settings{}, perr("not an integer")
			}
			if v <= 0 || v > MaxSize {
				return Settings{}, perr(fmt.Sprintf("must be between 1 and %d", MaxSize))
			}
			s.Size = v
		case "classes":
			classes, err := parseClasses(value)
			if err != nil {
				return Settings{}, perr(err.Error())
			}
			s.Classes = classes
		case "minarea":
			v, err := strconv.Atoi(value)
			if err != nil {
				return Settings{}, perr("not an integer")
			}
			if v < 0 {
				return Settings{}, perr("must not be negative")
			}
			s.MinArea = v
		case "fps":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return Settings{}, perr("not a number")
			}
			if v <= 0 {
				return Settings{}, perr("must be positive")
			}
			s.FPS = v
		case "trigger":
			v, err := strconv.Atoi(value)
			if err != nil {
				return Settings{}, perr("not an integer")
			}
			if v <= 0 {
				return Settings{}, perr("must be a monitor id")
			}
			s.Trigger = v
		}
	}

	return s, nil
}

func parseClasses(value string) ([]int, error) {
	if value == "" {
		return nil, errors.New("empty class list")
	}
	var classes []int
	for _, part := range strings.Split(value, ",") {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("class %q is not an integer", part)
		}
		if v <= 0 {
			return nil, fmt.Errorf("class %d out of range", v)
		}
		classes = append(classes, v)
	}
	slices.Sort(classes)
	return slices.Compact(classes), nil
}

// ParseCoords parses the host's "x,y x,y ..." polygon notation
func ParseCoords(coords string) ([]image.Point, error) {
	var points []image.Point
	for _, tok := range strings.Fields(coords) {
		xs, ys, ok := strings.Cut(tok, ",")
		if !ok {
			return nil, &ParseError{Input: coords, Reason: fmt.Sprintf("point %q is not x,y", tok)}
		}
		x, errX := strconv.Atoi(xs)
		y, errY := strconv.Atoi(ys)
		if errX != nil || errY != nil {
			return nil, &ParseError{Input: coords, Reason: fmt.Sprintf("point %q is not numeric", tok)}
		}
		if x < 0 || y < 0 {
			return nil, &ParseError{Input: coords, Reason: fmt.Sprintf("point %q is negative", tok)}
		}
		points = append(points, image.Pt(x, y))
	}
	if len(points) < 3 {
		return nil, &ParseError{Input: coords, Reason: "polygon needs at least 3 points"}
	}
	return points, nil
}

// Parse builds a MonitorConfig from a zone's name and coordinates.
// analysisFPS is the host's analysis limit for the monitor.
func Parse(monitorID int, name, coords string, analysisFPS float64) (*MonitorConfig, error) {
	settings, err := ParseName(name)
	if err != nil {
		return nil, err
	}
	polygon, err := ParseCoords(coords)
	if err != nil {
		return nil, err
	}

	return newConfig(monitorID, polygon, settings, analysisFPS), nil
}

// Defaults builds the configuration used when a zone's name cannot be parsed
// on first load: the documented threshold, size and classes, no minimum area,
// no FPS ceiling and the monitor's own trigger id.
func Defaults(monitorID int, coords string, analysisFPS float64) (*MonitorConfig, error) {
	polygon, err := ParseCoords(coords)
	if err != nil {
		return nil, err
	}
	return newConfig(monitorID, polygon, Settings{
		ThresholdPct: DefaultThreshold,
		Size:         DefaultSize,
		Classes:      slices.Clone(DefaultClasses),
	}, analysisFPS), nil
}

func newConfig(monitorID int, polygon []image.Point, settings Settings, analysisFPS float64) *MonitorConfig {
	cfg := &MonitorConfig{
		MonitorID:   monitorID,
		Region:      NewRegion(polygon),
		Settings:    settings,
		TriggerID:   monitorID,
		AnalysisFPS: analysisFPS,
	}
	if settings.Trigger > 0 {
		cfg.TriggerID = settings.Trigger
	}
	return cfg
}
