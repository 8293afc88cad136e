package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const yamlConfig = `
service:
  identifier: bot.example.com
  password: app-password
schedule:
  post: "0 9 * * *"
  mentions: 5m
  reply_pacing: 3s
ratelimit:
  hourly_ceiling: 5000
  daily_ceiling: 35000
  costs:
    create: 3
    update: 2
    delete: 1
logging:
  level: DEBUG
  console: true
storage:
  driver: sqlite
  path: ./skybot.db
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", yamlConfig)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Service.Identifier != "bot.example.com" {
		t.Fatalf("identifier = %q", cfg.Service.Identifier)
	}
	if cfg.Schedule.Post != "0 9 * * *" || cfg.Schedule.Mentions != "5m" {
		t.Fatalf("schedule = %+v", cfg.Schedule)
	}
	if cfg.RateLimit.Costs["create"] != 3 || cfg.RateLimit.Costs["delete"] != 1 {
		t.Fatalf("costs = %v", cfg.RateLimit.Costs)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() did not return committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json",
		`{"service":{"identifier":"bot.example.com","password":"pw"},
		  "schedule":{"post":"@daily","mentions":"10m"},
		  "ratelimit":{},
		  "logging":{"console":true}}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Schedule.Post != "@daily" {
		t.Fatalf("post = %q", cfg.Schedule.Post)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", yamlConfig+"\nbogus_section:\n  x: 1\n")

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("schedule.reply_pacing", "3s")
	if err != nil || d != 3*time.Second {
		t.Fatalf("ParseDurationField = (%v, %v)", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("expected error for junk duration")
	}
	d, err = ParseDurationOrDefault("x", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Fatalf("ParseDurationOrDefault = (%v, %v)", d, err)
	}
}

func TestYAMLNonStringKeyRejected(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", yamlConfig+"\n1: oops\n")

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for non-string mapping key")
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", yamlConfig)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	next := &Config{}
	m.publish(next)
	select {
	case got := <-ch:
		if got != next {
			t.Fatal("subscriber received wrong config")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received config")
	}
}
