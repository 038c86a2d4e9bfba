// Package whitelist builds and matches the four-matcher whitelist set
// (IPv4 networks, IPv6 networks, client-name regexes, recipient
// literals/regexes) described in §4.2 and §6 of the design doc.
package whitelist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/infodancer/greylistd/internal/codec"
)

// Entry type tags, as they appear in the "type" field of a whitelist
// file or store entry.
const (
	typeIPv4Net          = "ipv4_net"
	typeIPv6Net          = "ipv6_net"
	typeRecipientLiteral = "recipient_literal"
	typeRecipientRegex   = "recipient_regex"
	typeRemoteRegex      = "remote_regex"
)

// rawEntry is the on-wire shape of a single whitelist entry, shared by
// the file format and the store-backed format.
type rawEntry struct {
	Type      string `json:"type"`
	Net       string `json:"net"`
	Mask      string `json:"mask"`
	Recipient string `json:"recipient"`
	Regex     string `json:"regex"`
}

// Matcher decides whether a single request attribute is whitelisted.
type Matcher interface {
	Match(req codec.Request) bool
}

type ipNetMatcher struct {
	nets []*net.IPNet
}

func (m *ipNetMatcher) Match(req codec.Request) bool {
	addr := net.ParseIP(req.ClientAddress())
	if addr == nil {
		return false
	}
	for _, n := range m.nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

type regexListMatcher struct {
	attr     func(codec.Request) string
	patterns []*regexp.Regexp
}

func (m *regexListMatcher) Match(req codec.Request) bool {
	v := m.attr(req)
	if v == "" {
		return false
	}
	for _, p := range m.patterns {
		if p.MatchString(v) {
			return true
		}
	}
	return false
}

type recipientLiteralMatcher struct {
	patterns []*regexp.Regexp
}

func (m *recipientLiteralMatcher) Match(req codec.Request) bool {
	recipient := req.Recipient()
	if recipient == "" {
		return false
	}
	for _, p := range m.patterns {
		if p.MatchString(recipient) {
			return true
		}
	}
	return false
}

// AutoWhitelist is the narrow capability Set.Match needs from the
// auto-whitelist counter to decide the final threshold check.
type AutoWhitelist interface {
	// Whitelisted reports whether the normalized remote has an
	// auto-whitelist entry whose count has reached the threshold.
	Whitelisted(ctx context.Context, remote string) bool
}

// Set is an immutable, built-once snapshot of the four matchers. The
// live set is swapped atomically on reload; in-flight Match calls
// against the old value always complete.
type Set struct {
	v4, v6     Matcher
	clientName Matcher
	recipient  Matcher
}

// Match returns true iff any matcher accepts the request, in the order
// IPv4 net, IPv6 net, client-name regex, recipient, falling through to
// the auto-whitelist count threshold when awl is non-nil.
func (s *Set) Match(req codec.Request, awl AutoWhitelist) bool {
	if s == nil {
		return awlMatch(req, awl)
	}
	if s.v4.Match(req) || s.v6.Match(req) || s.clientName.Match(req) || s.recipient.Match(req) {
		return true
	}
	return awlMatch(req, awl)
}

func awlMatch(req codec.Request, awl AutoWhitelist) bool {
	if awl == nil {
		return false
	}
	return awl.Whitelisted(context.Background(), req.ClientAddress())
}

// CompileRecipientLiteral compiles the literal "user@domain" grammar
// per §4.2: split on the single '@'; substitute ".+" for a missing
// side and regex-escape the other; allow an optional "+extension" on
// the local part.
func CompileRecipientLiteral(raw string) (*regexp.Regexp, error) {
	parts := strings.Split(raw, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("whitelist: recipient literal %q must have exactly one '@'", raw)
	}
	local, domain := parts[0], parts[1]
	if local == "" && domain == "" {
		return nil, fmt.Errorf("whitelist: recipient literal %q has empty local and domain", raw)
	}

	localPattern := ".+"
	if local != "" {
		localPattern = regexp.QuoteMeta(local)
	}
	domainPattern := ".+"
	if domain != "" {
		domainPattern = regexp.QuoteMeta(domain)
	}

	return regexp.Compile("(?i)^" + localPattern + `(?:\+[^@]+)?@` + domainPattern + "$")
}

// Source names where whitelist entries are loaded from: either a JSON
// file on disk (per the §6 file format) or a networked store exposing
// the "whitelists" root list convention.
type Source struct {
	FilePath string
	Store    RootListStore
}

// RootListStore is the subset of store.Store that whitelist loading
// needs, named narrowly so this package does not import the concrete
// backend.
type RootListStore interface {
	Get(ctx context.Context, key string) (string, error)
}

const storeRootListKey = "whitelists"

// Build accumulates four fresh matchers from the given sources. A
// failing source is logged and skipped, even when every source fails;
// Build always returns a (possibly empty) Set and a nil error.
func Build(ctx context.Context, sources []Source, allowRegex bool, logger *slog.Logger) (*Set, error) {
	var v4nets, v6nets []*net.IPNet
	var clientPatterns, recipientPatterns []*regexp.Regexp

	addEntry := func(e rawEntry) {
		switch e.Type {
		case typeIPv4Net, typeIPv6Net:
			_, ipnet, err := net.ParseCIDR(e.Net + "/" + cidrSuffix(e.Mask, e.Type == typeIPv6Net))
			if err != nil {
				logger.Warn("whitelist: skipping malformed network entry", "type", e.Type, "net", e.Net, "mask", e.Mask, "error", err)
				return
			}
			if e.Type == typeIPv4Net {
				v4nets = append(v4nets, ipnet)
			} else {
				v6nets = append(v6nets, ipnet)
			}
		case typeRemoteRegex:
			if !allowRegex {
				return
			}
			p, err := regexp.Compile("(?i)^" + e.Regex)
			if err != nil {
				logger.Warn("whitelist: skipping malformed remote_regex entry", "regex", e.Regex, "error", err)
				return
			}
			clientPatterns = append(clientPatterns, p)
		case typeRecipientLiteral:
			p, err := CompileRecipientLiteral(e.Recipient)
			if err != nil {
				logger.Warn("whitelist: skipping malformed recipient_literal entry", "recipient", e.Recipient, "error", err)
				return
			}
			recipientPatterns = append(recipientPatterns, p)
		case typeRecipientRegex:
			if !allowRegex {
				return
			}
			p, err := regexp.Compile(e.Regex)
			if err != nil {
				logger.Warn("whitelist: skipping malformed recipient_regex entry", "regex", e.Regex, "error", err)
				return
			}
			recipientPatterns = append(recipientPatterns, p)
		default:
			logger.Warn("whitelist: skipping entry of unknown type", "type", e.Type)
		}
	}

	for _, src := range sources {
		switch {
		case src.FilePath != "":
			entries, err := loadFileSource(src.FilePath)
			if err != nil {
				logger.Warn("whitelist: skipping source", "file", src.FilePath, "error", err)
				continue
			}
			for _, list := range entries {
				for _, e := range list {
					addEntry(e)
				}
			}
		case src.Store != nil:
			entries, err := loadStoreSource(ctx, src.Store)
			if err != nil {
				logger.Warn("whitelist: skipping store source", "error", err)
				continue
			}
			for _, list := range entries {
				for _, e := range list {
					addEntry(e)
				}
			}
		}
	}

	return &Set{
		v4:         &ipNetMatcher{nets: v4nets},
		v6:         &ipNetMatcher{nets: v6nets},
		clientName: &regexListMatcher{attr: codec.Request.ClientName, patterns: clientPatterns},
		recipient:  &recipientLiteralMatcher{patterns: recipientPatterns},
	}, nil
}

// cidrSuffix normalizes a mask field that may already be a prefix
// length ("20") or, for symmetry with the file format's separate "net"
// and "mask" fields, is otherwise passed through as-is. An empty mask
// defaults to a host route, sized to the address family.
func cidrSuffix(mask string, v6 bool) string {
	if mask != "" {
		return mask
	}
	if v6 {
		return "128"
	}
	return "32"
}

func loadFileSource(path string) (map[string][]rawEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("whitelist: reading %q: %w", path, err)
	}
	var parsed map[string][]rawEntry
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("whitelist: parsing %q: %w", path, err)
	}
	return parsed, nil
}

// loadStoreSource reads the "whitelists" root list (a JSON array of
// sub-list names), then each sub-list (a JSON array of rawEntry,
// stored under its own key) out of the flat key-value store. This
// flattens the upstream's native list-of-hashes shape onto the single
// get/update/delete/scan capability this store abstraction offers.
func loadStoreSource(ctx context.Context, s RootListStore) (map[string][]rawEntry, error) {
	rootRaw, err := s.Get(ctx, storeRootListKey)
	if err != nil {
		return nil, fmt.Errorf("whitelist: reading root list: %w", err)
	}
	var listNames []string
	if err := json.Unmarshal([]byte(rootRaw), &listNames); err != nil {
		return nil, fmt.Errorf("whitelist: parsing root list: %w", err)
	}

	result := make(map[string][]rawEntry, len(listNames))
	for _, name := range listNames {
		raw, err := s.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("whitelist: reading sub-list %q: %w", name, err)
		}
		var entries []rawEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("whitelist: parsing sub-list %q: %w", name, err)
		}
		result[name] = entries
	}
	return result, nil
}
