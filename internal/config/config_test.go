package config

import (
	"os"
	"strings"
	"testing"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name:    "zero value config is valid",
			cfg:     &Config{},
			wantErr: false,
		},
		{
			name: "valid daemon config",
			cfg: &Config{
				Daemon: DaemonConfig{
					RetryMax:      3,
					BackoffBaseMS: 100,
					BackoffMaxMS:  2000,
					JitterPct:     0.3,
				},
			},
			wantErr: false,
		},
		{
			name: "negative retry max",
			cfg: &Config{
				Daemon: DaemonConfig{RetryMax: -1},
			},
			wantErr: true,
		},
		{
			name: "backoff base exceeds backoff max",
			cfg: &Config{
				Daemon: DaemonConfig{
					BackoffBaseMS: 5000,
					BackoffMaxMS:  1000,
				},
			},
			wantErr: true,
		},
		{
			name: "jitter pct out of range",
			cfg: &Config{
				Daemon: DaemonConfig{JitterPct: 1.5},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// Helper functions to save/restore environment, used by loader_test.go too.
func saveEnv() map[string]string {
	env := make(map[string]string)
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}
	return env
}

func restoreEnv(env map[string]string) {
	os.Clearenv()
	for k, v := range env {
		os.Setenv(k, v)
	}
}
