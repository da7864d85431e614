package main

import (
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FAULTMAVEN_TOKEN", "")
	t.Setenv("FAULTMAVEN_BASE_URL", "")
	t.Setenv("FAULTMAVEN_FEED_SECRET", "")

	cfg := &Config{}
	if err := setConfigValue(cfg, "default.token", "fm-abc"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if err := setConfigValue(cfg, "default.base_url", "https://api.faultmaven.test"); err != nil {
		t.Fatalf("set base_url: %v", err)
	}
	if err := setConfigValue(cfg, "feed.secret", "hush"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}

	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if loaded.Default.Token != "fm-abc" || loaded.Default.BaseURL != "https://api.faultmaven.test" || loaded.Feed.Secret != "hush" {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestConfigEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FAULTMAVEN_TOKEN", "fm-env")
	t.Setenv("FAULTMAVEN_BASE_URL", "")
	t.Setenv("FAULTMAVEN_FEED_SECRET", "")

	if err := saveConfig(&Config{Default: ConfigDefault{Token: "fm-file"}}); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if loaded.Default.Token != "fm-env" {
		t.Fatalf("token = %q, want env override", loaded.Default.Token)
	}
}

func TestSetConfigValueRejectsUnknownKeys(t *testing.T) {
	cfg := &Config{}
	for _, key := range []string{"token", "default.nope", "nope.token"} {
		if err := setConfigValue(cfg, key, "x"); err == nil {
			t.Fatalf("setConfigValue(%q) accepted", key)
		}
	}
}
