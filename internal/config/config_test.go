package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aidect.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Engine.Backend != "http" || cfg.Trigger.Mode != "shm" {
		t.Errorf("Unexpected defaults %+v %+v", cfg.Engine, cfg.Trigger)
	}
	if *cfg.Engine.ClassOffset != 1 {
		t.Errorf("Expected class offset 1, got %d", *cfg.Engine.ClassOffset)
	}
	if cfg.Worker.InferenceTimeout != 10*time.Second || cfg.Worker.BackoffMax != time.Minute {
		t.Errorf("Unexpected worker defaults %+v", cfg.Worker)
	}
	if cfg.Engine.MinConfidence != 0 || cfg.Inference().MinConfidence != 0 {
		t.Errorf("Expected no backend confidence floor by default, got %v", cfg.Engine.MinConfidence)
	}
	if cfg.Worker.MaxRestarts != 0 {
		t.Errorf("Expected unlimited restarts by default, got %d", cfg.Worker.MaxRestarts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults failed validation: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
zoneminder:
  path_map: /run/shm
engine:
  backend: opencv
  weights: /models/yolov4.weights
  config: /models/yolov4.cfg
  target: cpu
  class_offset: 0
trigger:
  mode: socket
  duration: 15s
  update_notes: true
events:
  nats_url: nats://127.0.0.1:4222
  format: proto
metrics:
  addr: ":9464"
worker:
  inference_timeout: 750ms
  max_restarts: 5
dump:
  dir: /var/cache/aidect
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ZoneMinder.PathMap != "/run/shm" || cfg.ZoneMinder.ConfPath != "/etc/zm/zm.conf" {
		t.Errorf("Unexpected zoneminder section %+v", cfg.ZoneMinder)
	}
	inf := cfg.Inference()
	if inf.Backend != "opencv" || inf.ModelConfig != "/models/yolov4.cfg" || inf.ClassOffset != 0 {
		t.Errorf("Unexpected inference config %+v", inf)
	}
	if cfg.Trigger.Duration != 15*time.Second || !cfg.Trigger.UpdateNotes || cfg.Trigger.Cause != "aidect" {
		t.Errorf("Unexpected trigger section %+v", cfg.Trigger)
	}
	if cfg.Worker.InferenceTimeout != 750*time.Millisecond || cfg.Worker.MaxRestarts != 5 {
		t.Errorf("Unexpected worker section %+v", cfg.Worker)
	}
	if cfg.Worker.FrameTimeout != 2*time.Second {
		t.Errorf("Expected unset timeout to default, got %s", cfg.Worker.FrameTimeout)
	}
	if cfg.Dump.Dir != "/var/cache/aidect" || cfg.Dump.Queue != 16 {
		t.Errorf("Unexpected dump section %+v", cfg.Dump)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "engine: [unclosed"},
		{"trigger mode", "trigger:\n  mode: smoke-signal\n"},
		{"event format", "events:\n  format: xml\n"},
		{"backoff", "worker:\n  backoff_initial: 2m\n  backoff_max: 1m\n"},
		{"duration", "worker:\n  frame_timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
