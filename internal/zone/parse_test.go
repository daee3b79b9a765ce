package zone

import (
	"errors"
	"image"
	"slices"
	"testing"
)

func TestParseNameDefaults(t *testing.T) {
	s, err := ParseName("aidect")
	if err != nil {
		t.Fatalf("ParseName failed: %v", err)
	}
	if s.ThresholdPct != 50 {
		t.Errorf("Expected threshold 50, got %v", s.ThresholdPct)
	}
	if s.Size != 416 {
		t.Errorf("Expected size 416, got %d", s.Size)
	}
	if !slices.Equal(s.Classes, []int{1, 3, 15, 16, 17}) {
		t.Errorf("Expected default classes, got %v", s.Classes)
	}
	if s.MinArea != 0 || s.FPS != 0 || s.Trigger != 0 {
		t.Errorf("Expected unset MinArea/FPS/Trigger, got %+v", s)
	}
}

func TestParseScenario(t *testing.T) {
	cfg, err := Parse(5, "aidect Threshold=40 Size=128 Classes=1,16 MinArea=500", "0,0 640,0 640,480 0,480", 0)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Threshold() != 0.40 {
		t.Errorf("Expected threshold 0.40, got %v", cfg.Threshold())
	}
	if cfg.Size != 128 {
		t.Errorf("Expected size 128, got %d", cfg.Size)
	}
	if !slices.Equal(cfg.Classes, []int{1, 16}) {
		t.Errorf("Expected classes {1,16}, got %v", cfg.Classes)
	}
	if cfg.MinArea != 500 {
		t.Errorf("Expected min area 500, got %d", cfg.MinArea)
	}
	if cfg.EffectiveFPS() != 0 {
		t.Errorf("Expected unthrottled, got %v", cfg.EffectiveFPS())
	}
	if cfg.TriggerID != 5 {
		t.Errorf("Expected trigger on own monitor 5, got %d", cfg.TriggerID)
	}
	if !cfg.Allows(16) || cfg.Allows(3) {
		t.Errorf("Unexpected allow-list behavior for %v", cfg.Classes)
	}
}

func TestParseNameLenient(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(Settings) bool
	}{
		{"unknown key ignored", "aidect Color=red Size=256", func(s Settings) bool { return s.Size == 256 }},
		{"bare token ignored", "aidect front-door Size=256", func(s Settings) bool { return s.Size == 256 }},
		{"last key wins", "aidect Size=128 Size=320", func(s Settings) bool { return s.Size == 320 }},
		{"case-insensitive keys", "AIDECT threshold=70 minarea=10", func(s Settings) bool { return s.ThresholdPct == 70 && s.MinArea == 10 }},
		{"classes sorted and deduped", "aidect Classes=16,1,16", func(s Settings) bool { return slices.Equal(s.Classes, []int{1, 16}) }},
		{"fractional fps", "aidect FPS=0.5", func(s Settings) bool { return s.FPS == 0.5 }},
		{"trigger target", "aidect Trigger=9", func(s Settings) bool { return s.Trigger == 9 }},
		{"threshold bounds", "aidect Threshold=0", func(s Settings) bool { return s.ThresholdPct == 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseName(tt.input)
			if err != nil {
				t.Fatalf("ParseName(%q) failed: %v", tt.input, err)
			}
			if !tt.check(s) {
				t.Errorf("Unexpected settings for %q: %+v", tt.input, s)
			}
		})
	}
}

func TestParseNameRejectsMalformed(t *testing.T) {
	inputs := []string{
		"detect Size=128",
		"aidect Threshold=abc",
		"aidect Threshold=101",
		"aidect Threshold=-1",
		"aidect Size=0",
		"aidect Size=5000",
		"aidect Size=12.5",
		"aidect Classes=",
		"aidect Classes=1,,3",
		"aidect Classes=1,x",
		"aidect Classes=0",
		"aidect MinArea=-5",
		"aidect FPS=0",
		"aidect FPS=fast",
		"aidect Trigger=0",
		"aidect Trigger=two",
		"aidect Size=128 Threshold=oops",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			_, err := ParseName(in)
			if err == nil {
				t.Fatalf("Expected %q to be rejected", in)
			}
			if !errors.Is(err, ErrParse) {
				t.Errorf("Expected ErrParse, got %v", err)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Errorf("Expected *ParseError, got %T", err)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	inputs := []string{
		"aidect",
		"aidect Threshold=40 Size=128 Classes=1,16 MinArea=500",
		"aidect Threshold=57.5 FPS=2.5 Trigger=12",
		"aidect Classes=17,3,3 Size=4096 Threshold=100",
		"aidect Threshold=0.1 Unknown=1 MinArea=0",
		"Aidect-front size=320 fps=7",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			first, err := ParseName(in)
			if err != nil {
				t.Fatalf("ParseName(%q) failed: %v", in, err)
			}
			formatted := first.Format()
			second, err := ParseName(formatted)
			if err != nil {
				t.Fatalf("ParseName(%q) failed: %v", formatted, err)
			}
			if !first.Equal(second) {
				t.Errorf("Round trip mismatch:\n  %q -> %+v\n  %q -> %+v", in, first, formatted, second)
			}
			if formatted != second.Format() {
				t.Errorf("Format not canonical: %q vs %q", formatted, second.Format())
			}
		})
	}
}

func TestParseCoords(t *testing.T) {
	pts, err := ParseCoords("123,56 899,41 687,425")
	if err != nil {
		t.Fatalf("ParseCoords failed: %v", err)
	}
	want := []image.Point{{123, 56}, {899, 41}, {687, 425}}
	if !slices.Equal(pts, want) {
		t.Errorf("Expected %v, got %v", want, pts)
	}

	r := NewRegion(pts)
	if r.Bounds != image.Rect(123, 41, 899, 425) {
		t.Errorf("Expected bounds (123,41)-(899,425), got %v", r.Bounds)
	}

	if FormatCoords(pts) != "123,56 899,41 687,425" {
		t.Errorf("Unexpected FormatCoords output: %q", FormatCoords(pts))
	}

	for _, bad := range []string{"", "1,2 3,4", "1,2 3 4,5", "1,a 2,3 4,5", "-1,2 3,4 5,6"} {
		if _, err := ParseCoords(bad); !errors.Is(err, ErrParse) {
			t.Errorf("Expected ErrParse for %q, got %v", bad, err)
		}
	}
}

func TestEffectiveFPS(t *testing.T) {
	cfg := &MonitorConfig{AnalysisFPS: 5}
	if cfg.EffectiveFPS() != 5 {
		t.Errorf("Expected host analysis FPS 5, got %v", cfg.EffectiveFPS())
	}
	cfg.FPS = 2
	if cfg.EffectiveFPS() != 2 {
		t.Errorf("Expected explicit FPS 2, got %v", cfg.EffectiveFPS())
	}
}
