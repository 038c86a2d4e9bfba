package policy

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infodancer/greylistd/internal/codec"
	"github.com/infodancer/greylistd/internal/store"
	"github.com/infodancer/greylistd/internal/whitelist"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is a minimal in-memory store.Store for exercising the
// engine without touching disk or a network backend.
type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (m *memStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Update(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) Save(ctx context.Context) error { return nil }

func (m *memStore) Scan(ctx context.Context, pred func(key, value string) bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []string
	for k, v := range m.data {
		if pred(k, v) {
			matched = append(matched, k)
		}
	}
	return matched, nil
}

func (m *memStore) Close() error { return nil }

func testRequest(addr, name, sender, recipient string) codec.Request {
	return codec.Request{
		"request":        "smtpd_access_policy",
		"client_address": addr,
		"client_name":    name,
		"sender":         sender,
		"recipient":      recipient,
	}
}

func newTestEngine(t *testing.T, cfg Config, grey, awl store.Store) *Engine {
	t.Helper()
	var ptr atomic.Pointer[whitelist.Set]
	set, err := whitelist.Build(context.Background(), nil, true, discardLogger())
	if err != nil {
		t.Fatalf("whitelist.Build() error = %v", err)
	}
	ptr.Store(set)
	return NewEngine(cfg, grey, awl, &ptr, discardLogger(), nil)
}

func baseConfig() Config {
	return Config{
		Delay:       60 * time.Second,
		RetryWindow: 3 * 24 * time.Hour,
		MaxAge:      35 * 24 * time.Hour,
		Action:      "DEFER_IF_PERMIT",
		SMTPHeader:  "X-Greylist: delayed {delay} seconds at {hostname}; {date}",
		Hash:        true,
		V4Prefix:    20,
		V6Prefix:    64,
		Hostname:    "mx.example.com",
	}
}

func TestDecideNewRequestDefers(t *testing.T) {
	grey := newMemStore()
	engine := newTestEngine(t, baseConfig(), grey, nil)

	req := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")
	resp := engine.Decide(context.Background(), req, time.Unix(1000, 0))

	if resp.Verb != "DEFER_IF_PERMIT" {
		t.Errorf("Verb = %q, want DEFER_IF_PERMIT", resp.Verb)
	}
}

func TestDecidePendingTooSoonRepeatsWait(t *testing.T) {
	grey := newMemStore()
	engine := newTestEngine(t, baseConfig(), grey, nil)
	req := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")

	engine.Decide(context.Background(), req, time.Unix(1000, 0))
	resp := engine.Decide(context.Background(), req, time.Unix(1030, 0))

	if resp.Verb != "DEFER_IF_PERMIT" {
		t.Fatalf("Verb = %q, want DEFER_IF_PERMIT", resp.Verb)
	}
	if resp.Arg != "Greylisted, please retry in 30 seconds" {
		t.Errorf("Arg = %q, want wait of 30 seconds", resp.Arg)
	}
}

func TestDecidePendingPassingPrepends(t *testing.T) {
	grey := newMemStore()
	engine := newTestEngine(t, baseConfig(), grey, nil)
	req := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")

	engine.Decide(context.Background(), req, time.Unix(1000, 0))
	resp := engine.Decide(context.Background(), req, time.Unix(1070, 0))

	if resp.Verb != codec.VerbPrepend {
		t.Fatalf("Verb = %q, want PREPEND", resp.Verb)
	}
}

func TestDecideSeenIsNeutral(t *testing.T) {
	grey := newMemStore()
	engine := newTestEngine(t, baseConfig(), grey, nil)
	req := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")

	engine.Decide(context.Background(), req, time.Unix(1000, 0))
	engine.Decide(context.Background(), req, time.Unix(1070, 0))
	resp := engine.Decide(context.Background(), req, time.Unix(1080, 0))

	if resp.Verb != codec.VerbDunno {
		t.Errorf("Verb = %q, want DUNNO", resp.Verb)
	}
}

func TestDecidePendingExpiredWindowRestartsAsNew(t *testing.T) {
	cfg := baseConfig()
	grey := newMemStore()
	engine := newTestEngine(t, cfg, grey, nil)
	req := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")

	engine.Decide(context.Background(), req, time.Unix(1000, 0))
	future := time.Unix(1000, 0).Add(cfg.RetryWindow + time.Hour)
	resp := engine.Decide(context.Background(), req, future)

	if resp.Verb != "DEFER_IF_PERMIT" {
		t.Errorf("Verb = %q, want DEFER_IF_PERMIT (treated as new)", resp.Verb)
	}
}

func TestDecideInvalidRequestIsNeutral(t *testing.T) {
	grey := newMemStore()
	engine := newTestEngine(t, baseConfig(), grey, nil)

	req := codec.Request{"request": "smtpd_access_policy", "client_address": "192.0.2.44"}
	resp := engine.Decide(context.Background(), req, time.Unix(1000, 0))

	if resp.Verb != codec.VerbDunno {
		t.Errorf("Verb = %q, want DUNNO for invalid request", resp.Verb)
	}
	if len(grey.data) != 0 {
		t.Error("expected no store writes for an invalid request")
	}
}

func TestDecideUnparseableAddressIsNeutral(t *testing.T) {
	grey := newMemStore()
	engine := newTestEngine(t, baseConfig(), grey, nil)

	req := testRequest("not-an-ip", "mail.example.com", "alice@example.com", "bob@ours.test")
	resp := engine.Decide(context.Background(), req, time.Unix(1000, 0))

	if resp.Verb != codec.VerbDunno {
		t.Errorf("Verb = %q, want DUNNO", resp.Verb)
	}
}

func TestDecideWhitelistedShortCircuitsWithoutStoreWrite(t *testing.T) {
	grey := newMemStore()
	var ptr atomic.Pointer[whitelist.Set]
	set, err := whitelist.Build(context.Background(), nil, true, discardLogger())
	if err != nil {
		t.Fatalf("whitelist.Build() error = %v", err)
	}
	ptr.Store(set)

	cfg := baseConfig()
	cfg.AWLEnabled = true
	cfg.AWLCount = 5
	cfg.SharedStore = true

	// Force a whitelist hit via the auto-whitelist fallback by wiring an
	// AWL store with a pre-seeded, already-whitelisted entry.
	awl := newMemStore()
	_ = awl.Update(context.Background(), "awl:"+mustNormalize(t, "192.0.2.44", cfg.V4Prefix), store.EncodeEntry(store.Entry{Count: 5, LastSeen: 900}))
	engine := NewEngine(cfg, grey, awl, &ptr, discardLogger(), nil)

	req := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")
	resp := engine.Decide(context.Background(), req, time.Unix(1000, 0))

	if resp.Verb != codec.VerbDunno {
		t.Errorf("Verb = %q, want DUNNO for auto-whitelisted remote", resp.Verb)
	}
	if len(grey.data) != 0 {
		t.Error("greylist store should not be written for a whitelisted request")
	}
}

func mustNormalize(t *testing.T, addr string, prefix int) string {
	t.Helper()
	n, err := NormalizedRemote(addr, prefix, 64)
	if err != nil {
		t.Fatalf("NormalizedRemote(%q) error = %v", addr, err)
	}
	return n
}

func TestNormalizedRemoteIPv4Prefix(t *testing.T) {
	a, err := NormalizedRemote("192.0.2.44", 20, 64)
	if err != nil {
		t.Fatalf("NormalizedRemote() error = %v", err)
	}
	b, err := NormalizedRemote("192.0.15.200", 20, 64)
	if err != nil {
		t.Fatalf("NormalizedRemote() error = %v", err)
	}
	if a != b {
		t.Errorf("NormalizedRemote(%q) = %q, NormalizedRemote(%q) = %q, want equal under /20", "192.0.2.44", a, "192.0.15.200", b)
	}
}

func TestNormalizedRemoteInvalid(t *testing.T) {
	if _, err := NormalizedRemote("not-an-ip", 20, 64); err == nil {
		t.Error("expected error for unparseable address")
	}
}

func TestCleanSender(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercases", in: "Alice@Example.com", want: "alice@example.com"},
		{name: "strips extension", in: "alice+newsletter@example.com", want: "alice@example.com"},
		{name: "strips prvs tag", in: "prvs=abc1234567=alice@example.com", want: "alice@example.com"},
		{name: "malformed prvs tag strips only leading field", in: "prvs=abc=alice@example.com", want: "abc=alice@example.com"},
		{name: "collapses digit runs", in: "bounce123456@example.com", want: "bounce#@example.com"},
		{name: "idempotent", in: "alice@example.com", want: "alice@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanSender(tt.in); got != tt.want {
				t.Errorf("CleanSender(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCleanSenderIsIdempotent(t *testing.T) {
	in := "prvs=abc123=bounce456+ext@example.com"
	once := CleanSender(in)
	twice := CleanSender(once)
	if once != twice {
		t.Errorf("CleanSender is not idempotent: %q -> %q -> %q", in, once, twice)
	}
}

func TestGreylistKeyHashVsPlain(t *testing.T) {
	plain := GreylistKey("192.0.2.0/20", "alice@example.com", "bob@ours.test", false)
	hashed := GreylistKey("192.0.2.0/20", "alice@example.com", "bob@ours.test", true)

	if plain == hashed {
		t.Error("expected hashed and plain keys to differ")
	}
	if len(hashed) != 40 {
		t.Errorf("len(hashed key) = %d, want 40 (hex sha1)", len(hashed))
	}

	again := GreylistKey("192.0.2.0/20", "alice@example.com", "bob@ours.test", true)
	if hashed != again {
		t.Error("expected GreylistKey to be deterministic")
	}
}

func TestBumpAutoWhitelistUncappedPastThreshold(t *testing.T) {
	cfg := baseConfig()
	cfg.AWLEnabled = true
	cfg.AWLCount = 2
	grey := newMemStore()
	awl := newMemStore()
	engine := newTestEngine(t, cfg, grey, awl)

	remote := mustNormalize(t, "192.0.2.44", cfg.V4Prefix)
	for i := 0; i < 5; i++ {
		engine.bumpAutoWhitelist(context.Background(), remote, int64(1000+i))
	}

	raw, err := awl.Get(context.Background(), engine.awlKey(remote))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	entry, err := store.DecodeEntry(raw)
	if err != nil {
		t.Fatalf("DecodeEntry() error = %v", err)
	}
	if entry.Count != 5 {
		t.Errorf("Count = %d, want 5 (uncapped past threshold of %d)", entry.Count, cfg.AWLCount)
	}
}
