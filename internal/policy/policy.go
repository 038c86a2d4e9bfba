// Package policy implements the greylisting decision engine: the
// state machine in §4.4 of the design doc, plus the address and
// sender normalization it depends on.
package policy

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/infodancer/greylistd/internal/codec"
	"github.com/infodancer/greylistd/internal/metrics"
	"github.com/infodancer/greylistd/internal/store"
	"github.com/infodancer/greylistd/internal/whitelist"
)

// Config holds the tunable parameters of the policy engine, sourced
// from config.GreylistConfig/AutoWLConfig.
type Config struct {
	Delay       time.Duration
	RetryWindow time.Duration
	MaxAge      time.Duration
	Action      codec.Verb
	SMTPHeader  string
	Hash        bool
	V4Prefix    int
	V6Prefix    int
	Hostname    string

	AWLEnabled bool
	AWLCount   int64

	// SharedStore is true when the greylist and auto-whitelist data
	// sets live in the same backing store, in which case keys are
	// namespaced with "gr:"/"awl:" prefixes to avoid collisions.
	SharedStore bool
}

// Engine evaluates requests against the greylist store, the
// auto-whitelist store, and the current whitelist set.
type Engine struct {
	cfg       Config
	greyStore store.Store
	awlStore  store.Store // nil if auto-whitelisting is disabled
	whitelist *atomic.Pointer[whitelist.Set]
	log       *slog.Logger
	collector metrics.Collector
}

// NewEngine constructs an Engine. whitelistPtr is shared with the
// lifecycle reload path, which atomically swaps it on SIGHUP.
func NewEngine(cfg Config, greyStore, awlStore store.Store, whitelistPtr *atomic.Pointer[whitelist.Set], log *slog.Logger, collector metrics.Collector) *Engine {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Engine{
		cfg:       cfg,
		greyStore: greyStore,
		awlStore:  awlStore,
		whitelist: whitelistPtr,
		log:       log,
		collector: collector,
	}
}

// Whitelisted implements whitelist.AutoWhitelist against the engine's
// own auto-whitelist store, letting Set.Match fall through to the
// count threshold without depending on the store package.
func (e *Engine) Whitelisted(ctx context.Context, remote string) bool {
	if e.awlStore == nil || !e.cfg.AWLEnabled {
		return false
	}
	normalized, err := NormalizedRemote(remote, e.cfg.V4Prefix, e.cfg.V6Prefix)
	if err != nil {
		return false
	}
	raw, err := e.awlStore.Get(ctx, e.awlKey(normalized))
	if err != nil {
		return false
	}
	entry, err := store.DecodeEntry(raw)
	if err != nil {
		return false
	}
	return entry.Count >= e.cfg.AWLCount
}

// Decide evaluates a single request and returns the response to send.
func (e *Engine) Decide(ctx context.Context, req codec.Request, now time.Time) codec.Response {
	if !req.Valid() {
		e.collector.DecisionMade(string(codec.VerbDunno))
		return codec.Dunno()
	}

	set := e.whitelist.Load()
	if set.Match(req, e) {
		e.collector.WhitelistHit("set")
		e.collector.DecisionMade(string(codec.VerbDunno))
		return codec.Dunno()
	}

	remote, err := NormalizedRemote(req.ClientAddress(), e.cfg.V4Prefix, e.cfg.V6Prefix)
	if err != nil {
		e.log.Warn("policy: unparseable remote address, answering neutral", "client_address", req.ClientAddress())
		e.collector.DecisionMade(string(codec.VerbDunno))
		return codec.Dunno()
	}

	sender := CleanSender(req.Sender())
	key := e.greylistKey(remote, sender, req.Recipient())
	nowSec := now.Unix()

	raw, err := e.greyStore.Get(ctx, key)
	if err != nil && err != store.ErrNotFound {
		e.log.Error("policy: greylist store read failed, answering neutral", "error", err)
		e.collector.StoreError("greylist", "get")
		e.collector.DecisionMade(string(codec.VerbDunno))
		return codec.Dunno()
	}

	if err == store.ErrNotFound {
		return e.recordAndDefer(ctx, key, nowSec)
	}

	entry, decodeErr := store.DecodeEntry(raw)
	if decodeErr != nil {
		e.log.Warn("policy: malformed greylist entry, treating as new", "key", key, "error", decodeErr)
		return e.recordAndDefer(ctx, key, nowSec)
	}

	age := nowSec - entry.LastSeen
	if age < 0 {
		age = 0
	}

	switch {
	case entry.Count == 0 && age <= int64(e.cfg.Delay/time.Second):
		wait := int64(e.cfg.Delay/time.Second) - age
		if wait < 0 {
			wait = 0
		}
		e.collector.DecisionMade(string(e.cfg.Action))
		return codec.Response{Verb: e.cfg.Action, Arg: fmt.Sprintf("Greylisted, please retry in %d seconds", wait)}

	case entry.Count == 0 && age > int64(e.cfg.RetryWindow/time.Second):
		return e.recordAndDefer(ctx, key, nowSec)

	case entry.Count == 0:
		if err := e.greyStore.Update(ctx, key, store.EncodeEntry(store.Entry{Count: 1, LastSeen: nowSec})); err != nil {
			e.log.Error("policy: greylist store write failed", "error", err)
			e.collector.StoreError("greylist", "update")
		}
		e.bumpAutoWhitelist(ctx, remote, nowSec)
		header := e.renderHeader(age, now)
		e.collector.DecisionMade(string(codec.VerbPrepend))
		return codec.Response{Verb: codec.VerbPrepend, Arg: header}

	default:
		if err := e.greyStore.Update(ctx, key, store.EncodeEntry(store.Entry{Count: entry.Count + 1, LastSeen: nowSec})); err != nil {
			e.log.Error("policy: greylist store write failed", "error", err)
			e.collector.StoreError("greylist", "update")
		}
		e.bumpAutoWhitelist(ctx, remote, nowSec)
		e.collector.DecisionMade(string(codec.VerbDunno))
		return codec.Dunno()
	}
}

func (e *Engine) recordAndDefer(ctx context.Context, key string, nowSec int64) codec.Response {
	if err := e.greyStore.Update(ctx, key, store.EncodeEntry(store.Entry{Count: 0, LastSeen: nowSec})); err != nil {
		e.log.Error("policy: greylist store write failed", "error", err)
		e.collector.StoreError("greylist", "update")
	}
	wait := int64(e.cfg.Delay / time.Second)
	if wait < 0 {
		wait = 0
	}
	e.collector.DecisionMade(string(e.cfg.Action))
	return codec.Response{Verb: e.cfg.Action, Arg: fmt.Sprintf("Greylisted, please retry in %d seconds", wait)}
}

func (e *Engine) renderHeader(delaySeconds int64, now time.Time) string {
	r := strings.NewReplacer(
		"{delay}", strconv.FormatInt(delaySeconds, 10),
		"{hostname}", e.cfg.Hostname,
		"{date}", now.UTC().Format(time.ANSIC),
	)
	return r.Replace(e.cfg.SMTPHeader)
}

// bumpAutoWhitelist increments the auto-whitelist counter for remote.
// The counter itself is not capped. Decide, however, only reaches this
// call when the request did not match the whitelist set, and once the
// counter meets AWLCount the auto-whitelist match short-circuits Decide,
// so requests no longer bump it from there.
func (e *Engine) bumpAutoWhitelist(ctx context.Context, remote string, nowSec int64) {
	if e.awlStore == nil || !e.cfg.AWLEnabled {
		return
	}
	key := e.awlKey(remote)
	raw, err := e.awlStore.Get(ctx, key)
	var entry store.Entry
	switch {
	case err == store.ErrNotFound:
		entry = store.Entry{Count: 1, LastSeen: nowSec}
	case err != nil:
		e.log.Error("policy: auto-whitelist store read failed", "error", err)
		e.collector.StoreError("auto_whitelist", "get")
		return
	default:
		decoded, decodeErr := store.DecodeEntry(raw)
		if decodeErr != nil {
			decoded = store.Entry{}
		}
		entry = store.Entry{Count: decoded.Count + 1, LastSeen: nowSec}
	}
	if err := e.awlStore.Update(ctx, key, store.EncodeEntry(entry)); err != nil {
		e.log.Error("policy: auto-whitelist store write failed", "error", err)
		e.collector.StoreError("auto_whitelist", "update")
	}
}

func (e *Engine) greylistKey(remote, sender, recipient string) string {
	return e.keyPrefix("gr:") + GreylistKey(remote, sender, recipient, e.cfg.Hash)
}

func (e *Engine) awlKey(remote string) string {
	return e.keyPrefix("awl:") + remote
}

func (e *Engine) keyPrefix(p string) string {
	if e.cfg.SharedStore {
		return p
	}
	return ""
}

// NormalizedRemote reduces a client address to its network prefix:
// the first v4Prefix bits for an IPv4 address, the first v6Prefix
// bits for an IPv6 address, rendered as a CIDR string.
func NormalizedRemote(addr string, v4Prefix, v6Prefix int) (string, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return "", fmt.Errorf("policy: invalid remote address %q", addr)
	}
	if v4 := ip.To4(); v4 != nil {
		mask := net.CIDRMask(v4Prefix, 32)
		return (&net.IPNet{IP: v4.Mask(mask), Mask: mask}).String(), nil
	}
	mask := net.CIDRMask(v6Prefix, 128)
	v6 := ip.To16()
	return (&net.IPNet{IP: v6.Mask(mask), Mask: mask}).String(), nil
}

var (
	prvsPattern       = regexp.MustCompile(`(?i)^prvs=[A-Za-z0-9]{10}=`)
	prvsFieldPattern  = regexp.MustCompile(`(?i)^prvs=`)
	numericRunPattern = regexp.MustCompile(`[0-9]+`)
)

// CleanSender normalizes a sender address for greylist keying: strips
// a leading "prvs=TAG=" bounce-address-verification tag (TAG must be
// ten alphanumeric characters; on a malformed tag only the leading
// "prvs=" field is stripped), strips a "+extension" from the local
// part, and collapses runs of digits to a single '#' so rotating
// bounce addresses (e.g. per-message sequence numbers) hash to the
// same key.
func CleanSender(sender string) string {
	var s string
	switch {
	case prvsPattern.MatchString(sender):
		s = prvsPattern.ReplaceAllString(sender, "")
	case prvsFieldPattern.MatchString(sender):
		s = prvsFieldPattern.ReplaceAllString(sender, "")
	default:
		s = sender
	}

	at := strings.LastIndexByte(s, '@')
	local, domain := s, ""
	if at >= 0 {
		local, domain = s[:at], s[at:]
	}
	if plus := strings.IndexByte(local, '+'); plus >= 0 {
		local = local[:plus]
	}
	local = numericRunPattern.ReplaceAllString(local, "#")

	return strings.ToLower(local + domain)
}

// GreylistKey derives the store key for (remote, sender, recipient).
// When hash is true the triple is SHA-1 hashed after case-folding;
// otherwise the case-folded triple is joined directly.
func GreylistKey(remote, sender, recipient string, hash bool) string {
	joined := strings.ToLower(remote + "/" + sender + "/" + recipient)
	if !hash {
		return joined
	}
	sum := sha1.Sum([]byte(joined))
	return hex.EncodeToString(sum[:])
}
