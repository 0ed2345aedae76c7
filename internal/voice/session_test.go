package voice

import (
	"testing"
	"time"
)

func TestSilenceDetector(t *testing.T) {
	ms := time.Millisecond
	type sample struct {
		at   time.Duration
		rms  float64
		stop bool
	}
	tests := []struct {
		name    string
		samples []sample
	}{
		{
			name: "silence after floor stops after hold",
			samples: []sample{
				{100 * ms, 0.2, false},
				{1000 * ms, 0.01, false},
				{2000 * ms, 0.01, false},
				{2500 * ms, 0.01, true},
			},
		},
		{
			name: "silence before floor does not count",
			samples: []sample{
				{0, 0, false},
				{250 * ms, 0, false},
				{450 * ms, 0, false},
				{500 * ms, 0, false},
				{1900 * ms, 0, false},
				{2000 * ms, 0, true},
			},
		},
		{
			name: "speech resets the silence run",
			samples: []sample{
				{600 * ms, 0.01, false},
				{1500 * ms, 0.3, false},
				{2000 * ms, 0.01, false},
				{3000 * ms, 0.01, false},
				{3500 * ms, 0.01, true},
			},
		},
		{
			name: "threshold is exclusive",
			samples: []sample{
				{600 * ms, 0.025, false},
				{5000 * ms, 0.025, false},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := silenceDetector{threshold: 0.025, hold: 1500 * ms, floor: 500 * ms}
			for i, s := range tt.samples {
				if got := d.Observe(s.at, s.rms); got != s.stop {
					t.Fatalf("sample %d (%v, %.3f): stop = %v, want %v", i, s.at, s.rms, got, s.stop)
				}
			}
		})
	}
}

func TestTimerLevel(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		elapsed time.Duration
		want    TimerLevel
	}{
		{0, TimerNormal},
		{29 * time.Second, TimerNormal},
		{30 * time.Second, TimerWarning},
		{49 * time.Second, TimerWarning},
		{50 * time.Second, TimerCritical},
		{60 * time.Second, TimerCritical},
	}
	for _, tt := range tests {
		if got := timerLevel(tt.elapsed, cfg); got != tt.want {
			t.Errorf("timerLevel(%v) = %s, want %s", tt.elapsed, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{SilenceDuration: time.Second}.withDefaults()
	if cfg.SilenceDuration != time.Second {
		t.Errorf("explicit SilenceDuration overwritten: %v", cfg.SilenceDuration)
	}
	if cfg.RecordingLimit != 60*time.Second || cfg.HistoryLimit != 6 || cfg.MaxMessageLength != 500 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.SilenceThreshold != 0.025 || cfg.PollInterval != 50*time.Millisecond || cfg.MinSpeechDuration != 500*time.Millisecond {
		t.Errorf("VAD defaults not applied: %+v", cfg)
	}
	if cfg.AutoPrompt != DefaultAutoPrompt || cfg.RequestTimeout != 30*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}
