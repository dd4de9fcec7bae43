package config

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

var envMu sync.Mutex

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TRANSPORT_URL", "https://api.example.com/bot")
}

func TestLoadAll_HappyPath_Defaults(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Transport.URL != "https://api.example.com/bot" {
		t.Fatalf("unexpected Transport.URL: %q", cfg.Transport.URL)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected Server.Address default: %q", cfg.Server.Address)
	}
	if cfg.Transport.Timeout != 10*time.Second {
		t.Fatalf("unexpected Transport.Timeout default: %v", cfg.Transport.Timeout)
	}
	if cfg.Transport.RPS != 20 || cfg.Transport.Burst != 5 {
		t.Fatalf("unexpected pacing defaults: rps=%d burst=%d", cfg.Transport.RPS, cfg.Transport.Burst)
	}
	if cfg.Pipeline.MaxMessageSize != 4096 {
		t.Fatalf("unexpected MaxMessageSize default: %d", cfg.Pipeline.MaxMessageSize)
	}
	if cfg.Pipeline.ResolveDelay != 5*time.Millisecond {
		t.Fatalf("unexpected ResolveDelay default: %v", cfg.Pipeline.ResolveDelay)
	}
	if cfg.Pipeline.DraftDelay != time.Second {
		t.Fatalf("unexpected DraftDelay default: %v", cfg.Pipeline.DraftDelay)
	}
	if cfg.Database.PostgresURL != "" {
		t.Fatalf("expected no Postgres by default, got %q", cfg.Database.PostgresURL)
	}
	if cfg.Redis.Enabled {
		t.Fatalf("expected Redis disabled when REDIS_ADDR not set")
	}
}

func TestLoadAll_OptionalStorage(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)

	const pg = "postgres://pipeline:pw@db:5432/delivery?sslmode=disable"
	t.Setenv("POSTGRES_URL", pg)
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("REDIS_TTL_SECONDS", "90")
	t.Setenv("SELF_ID", "777")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Database.PostgresURL", cfg.Database.PostgresURL, pg},
		{"Redis.Enabled", cfg.Redis.Enabled, true},
		{"Redis.Address", cfg.Redis.Address, "cache:6379"},
		{"Redis.Password", cfg.Redis.Password, "hunter2"},
		{"Redis.DB", cfg.Redis.DB, 2},
		{"Redis.TTL", cfg.Redis.TTL, 90 * time.Second},
		{"Pipeline.SelfID", cfg.Pipeline.SelfID, int64(777)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadAll_RequiredEnvMissing(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	_, err := LoadAll()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "TRANSPORT_URL") {
		t.Fatalf("expected error mentioning TRANSPORT_URL, got: %v", err)
	}
}

func TestLoadAll_InvalidInts(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"invalid MAX_MESSAGE_SIZE", "MAX_MESSAGE_SIZE", "abc"},
		{"invalid TRANSPORT_TIMEOUT_SECONDS", "TRANSPORT_TIMEOUT_SECONDS", "nope"},
		{"invalid TRANSPORT_RPS", "TRANSPORT_RPS", "x"},
		{"invalid RESOLVE_DELAY_MS", "RESOLVE_DELAY_MS", "soon"},
		{"invalid REDIS_DB", "REDIS_DB", "bad"},
		{"invalid REDIS_TTL_SECONDS", "REDIS_TTL_SECONDS", "bad"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)

			// Enable redis only for redis-related invalid ints.
			if strings.HasPrefix(tc.key, "REDIS_") {
				t.Setenv("REDIS_ADDR", "localhost:6379")
			}
			t.Setenv(tc.key, tc.val)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.key, err)
			}
		})
	}
}

func TestLoadAll_ValidationFailures(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		key  string
		val  string
		want string
	}{
		{"MAX_MESSAGE_SIZE", "0", "MAX_MESSAGE_SIZE"},
		{"TRANSPORT_TIMEOUT_SECONDS", "0", "TRANSPORT_TIMEOUT_SECONDS"},
		{"TRANSPORT_RPS", "-1", "TRANSPORT_RPS"},
		{"TRANSPORT_BURST", "0", "TRANSPORT_BURST"},
		{"RESOLVE_DELAY_MS", "0", "RESOLVE_DELAY_MS"},
		{"DRAFT_SAVE_DELAY_MS", "-5", "DRAFT_SAVE_DELAY_MS"},
		{"JOURNAL_BUFFER", "0", "JOURNAL_BUFFER"},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)
			t.Setenv(tc.key, tc.val)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.want, err)
			}
		})
	}
}

func TestLoadAll_ReportsEveryProblem(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	t.Setenv("MAX_MESSAGE_SIZE", "lots")

	_, err := LoadAll()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	for _, want := range []string{"TRANSPORT_URL", "MAX_MESSAGE_SIZE"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error mentioning %s, got: %v", want, err)
		}
	}
}

func TestRequireEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	_, err := requireEnv("MISSING_KEY")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	t.Setenv("FOO", "bar")
	v, err := requireEnv("FOO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "bar" {
		t.Fatalf("expected %q, got %q", "bar", v)
	}
}

func TestGetEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	if got := getEnv("NOPE", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}

	t.Setenv("A", "x")
	if got := getEnv("A", "default"); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	got, err := getEnvInt("MISSING", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}

	t.Setenv("N", "123")
	got, err = getEnvInt("N", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 123 {
		t.Fatalf("expected 123, got %d", got)
	}

	t.Setenv("BAD", "abc")
	_, err = getEnvInt("BAD", 7)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "BAD") {
		t.Fatalf("expected error mentioning BAD, got: %v", err)
	}
}

func TestJoinErrors(t *testing.T) {
	if err := joinErrors(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	e1 := errors.New("one")
	e2 := errors.New("two")
	err := joinErrors([]error{e1, e2})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !errors.Is(err, e1) {
		t.Fatalf("expected errors.Is(err, e1) to be true")
	}
	if !errors.Is(err, e2) {
		t.Fatalf("expected errors.Is(err, e2) to be true")
	}
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SERVER_ADDRESS",
		"TRANSPORT_URL",
		"TRANSPORT_TIMEOUT_SECONDS",
		"TRANSPORT_RPS",
		"TRANSPORT_BURST",
		"POSTGRES_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REDIS_TTL_SECONDS",
		"MAX_MESSAGE_SIZE",
		"RESOLVE_DELAY_MS",
		"DRAFT_SAVE_DELAY_MS",
		"SELF_ID",
		"JOURNAL_BUFFER",
		"FOO",
		"A",
		"N",
		"BAD",
	}
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}
