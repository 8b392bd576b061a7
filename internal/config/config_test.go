package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/hydro")
	cfg, err := load(viper.New())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPPort != 5069 || cfg.AckFeedLimit != 100 || cfg.WorkerConcurrency != 10 {
		t.Errorf("defaults = %+v", cfg)
	}
	s := cfg.Session()
	if s.RelayInterval != 10*time.Second || s.TopologyInterval != 30*time.Second ||
		s.AckInterval != 5*time.Second || s.ECInterval != 10*time.Second || s.JustSavedWindow != 2*time.Second {
		t.Errorf("session = %+v", s)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/hydro")
	t.Setenv("JUST_SAVED_WINDOW", "3500ms")
	t.Setenv("HTTP_PORT", "8080")
	cfg, err := load(viper.New())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.JustSavedWindow != 3500*time.Millisecond || cfg.HTTPPort != 8080 {
		t.Errorf("overrides = %+v", cfg)
	}
}

func TestLoadRequiresDB(t *testing.T) {
	t.Setenv("DB_URL", "")
	if _, err := load(viper.New()); err == nil {
		t.Error("expected error without DB_URL")
	}
}
