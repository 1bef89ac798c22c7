package main

import (
	"strings"
	"testing"

	"github.com/quartznet/quartznet-sub011/internal/config"
)

func TestResolveInstanceID(t *testing.T) {
	if got := resolveInstanceID("node-1"); got != "node-1" {
		t.Errorf("explicit id = %q, want node-1", got)
	}
	if got := resolveInstanceID(""); got != "" {
		t.Errorf("empty id = %q, want empty", got)
	}

	a := resolveInstanceID(config.AutoInstanceID)
	b := resolveInstanceID(config.AutoInstanceID)
	if a == config.AutoInstanceID || a == "" {
		t.Fatalf("AUTO was not expanded: %q", a)
	}
	if a == b {
		t.Errorf("two AUTO ids are equal: %q", a)
	}
	if i := strings.LastIndex(a, "-"); i < 0 || len(a)-i-1 != 8 {
		t.Errorf("id %q has no 8 character suffix", a)
	}
}

func TestPoolOptions(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{"DB_MAX_OPEN_CONNS": "7"})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	opts := poolOptions(cfg)
	if opts.MaxOpenConns != 7 || opts.MaxIdleConns != 5 || opts.BusyTimeout != cfg.DBBusyTimeout {
		t.Errorf("poolOptions = %+v", opts)
	}
}
