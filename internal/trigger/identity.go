// Package trigger decides whether an inbound message should wake an
// agent. The policy is a pure decision function over a message plus
// live store lookups; rule order is fixed and documented on Classify.
package trigger

import "strings"

// Transport suffixes WhatsApp uses for the same underlying contact.
var transportSuffixes = []string{"@s.whatsapp.net", "@c.us", "@lid"}

// AliasLookup returns extra known aliases for a normalized number
// (e.g. the "@lid" id recorded on the contact row). May be nil.
type AliasLookup func(normalized string) []string

// Resolver expands a raw sender identifier into every plausible
// canonical alias, so the active-conversation lookup can match a thread
// regardless of which identifier format it was recorded under.
type Resolver struct {
	lookup AliasLookup
}

func NewResolver(lookup AliasLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the alias set for rawID: the raw form, the bare
// number, the "+"-prefixed number, every transport-suffixed variant,
// and any cross-referenced aliases from the contact table. The result
// is deduplicated and never empty for non-empty input.
func (r *Resolver) Resolve(rawID string) []string {
	number := NormalizeNumber(rawID)
	if number == "" {
		return nil
	}

	seen := make(map[string]struct{})
	out := make([]string, 0, 8)
	add := func(a string) {
		if a == "" {
			return
		}
		if _, dup := seen[a]; dup {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}

	add(rawID)
	add(number)
	add("+" + number)
	for _, suffix := range transportSuffixes {
		add(number + suffix)
	}
	if r.lookup != nil {
		for _, a := range r.lookup(number) {
			add(a)
			// A cross-referenced alias may itself be a bare transport id;
			// cover its suffixed forms too.
			if !strings.ContainsRune(a, '@') {
				for _, suffix := range transportSuffixes {
					add(a + suffix)
				}
			}
		}
	}
	return out
}

// NormalizeNumber strips the leading "+", surrounding whitespace, and
// any transport suffix from a sender identifier.
func NormalizeNumber(raw string) string {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "+")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return s
}
