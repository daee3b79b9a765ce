package zone

import (
	"image"
	"slices"
	"strconv"
	"strings"
)

// Defaults for keys absent from a zone name
const (
	DefaultThreshold = 50
	DefaultSize      = 416
	MaxSize          = 4096
)

// DefaultClasses is person, car, bird, cat, dog
var DefaultClasses = []int{1, 3, 15, 16, 17}

// Region is the zone polygon and its bounding rectangle in frame pixels
type Region struct {
	Polygon []image.Point
	Bounds  image.Rectangle
}

// NewRegion derives the bounding rectangle of polygon
func NewRegion(polygon []image.Point) Region {
	if len(polygon) == 0 {
		return Region{}
	}
	b := image.Rectangle{Min: polygon[0], Max: polygon[0]}
	for _, p := range polygon[1:] {
		b.Min.X = min(b.Min.X, p.X)
		b.Min.Y = min(b.Min.Y, p.Y)
		b.Max.X = max(b.Max.X, p.X)
		b.Max.Y = max(b.Max.Y, p.Y)
	}
	return Region{Polygon: slices.Clone(polygon), Bounds: b}
}

// Settings are the values carried in a zone name
type Settings struct {
	ThresholdPct float64 // Confidence threshold in percent
	Size         int     // Square model input size
	Classes      []int   // Sorted, de-duplicated class allow-list
	MinArea      int     // Minimum box area in pixels², 0 = none
	FPS          float64 // FPS ceiling, 0 = unset
	Trigger      int     // Trigger target monitor, 0 = own monitor
}

// MonitorConfig is one immutable configuration snapshot for a monitor.
// It is replaced wholesale, never modified after publication.
type MonitorConfig struct {
	MonitorID int
	Region    Region
	Settings
	TriggerID   int     // Resolved trigger target
	AnalysisFPS float64 // Host analysis FPS limit, 0 = unlimited
}

// Threshold returns the confidence threshold as a fraction
func (c *MonitorConfig) Threshold() float64 {
	return c.ThresholdPct / 100
}

// EffectiveFPS is the explicit FPS, else the host analysis rate, else 0 (unthrottled)
func (c *MonitorConfig) EffectiveFPS() float64 {
	if c.FPS > 0 {
		return c.FPS
	}
	if c.AnalysisFPS > 0 {
		return c.AnalysisFPS
	}
	return 0
}

// Allows reports whether class is in the allow-list
func (c *MonitorConfig) Allows(class int) bool {
	_, found := slices.BinarySearch(c.Classes, class)
	return found
}

// Equal compares every published field
func (c *MonitorConfig) Equal(o *MonitorConfig) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.MonitorID == o.MonitorID &&
		slices.Equal(c.Region.Polygon, o.Region.Polygon) &&
		c.Settings.Equal(o.Settings) &&
		c.TriggerID == o.TriggerID &&
		c.AnalysisFPS == o.AnalysisFPS
}

// Equal compares two parsed settings
func (s Settings) Equal(o Settings) bool {
	return s.ThresholdPct == o.ThresholdPct &&
		s.Size == o.Size &&
		slices.Equal(s.Classes, o.Classes) &&
		s.MinArea == o.MinArea &&
		s.FPS == o.FPS &&
		s.Trigger == o.Trigger
}

// Format renders settings as a canonical zone name.
// Parsing the result yields equal Settings.
func (s Settings) Format() string {
	var b strings.Builder
	b.WriteString(BaseToken)
	b.WriteString(" Threshold=")
	b.WriteString(strconv.FormatFloat(s.ThresholdPct, 'f', -1, 64))
	b.WriteString(" Size=")
	b.WriteString(strconv.Itoa(s.Size))
	b.WriteString(" Classes=")
	for i, c := range s.Classes {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(c))
	}
	if s.MinArea > 0 {
		b.WriteString(" MinArea=")
		b.WriteString(strconv.Itoa(s.MinArea))
	}
	if s.FPS > 0 {
		b.WriteString(" FPS=")
		b.WriteString(strconv.FormatFloat(s.FPS, 'f', -1, 64))
	}
	if s.Trigger > 0 {
		b.WriteString(" Trigger=")
		b.WriteString(strconv.Itoa(s.Trigger))
	}
	return b.String()
}

// FormatCoords renders a polygon in the host's "x,y x,y" notation
func FormatCoords(polygon []image.Point) string {
	parts := make([]string, len(polygon))
	for i, p := range polygon {
		parts[i] = strconv.Itoa(p.X) + "," + strconv.Itoa(p.Y)
	}
	return strings.Join(parts, " ")
}
