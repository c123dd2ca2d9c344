// Package negotiate implements RFC 9110 content negotiation for the
// text/markdown conversion decision.
package negotiate

import (
	"strconv"
	"strings"
)

// Decision is the outcome of negotiating an Accept header.
type Decision int

const (
	// Skip means the client did not (successfully) ask for markdown.
	Skip Decision = iota
	// Convert means the client's highest-precedence acceptable entry is markdown.
	Convert
)

// specificity precedence, higher wins.
const (
	specAny    = 1 // */*
	specType   = 2 // text/*
	specExact  = 3 // text/markdown
)

// entry is one parsed, comma-separated media range from an Accept header.
type entry struct {
	typ, subtype string
	q            float64
	specificity  int
	order        int
}

// Decide parses accept and returns whether the response should be converted
// to markdown, applying q-value, specificity, and order precedence, and the
// explicit-rejection rule for text/markdown;q=0.
func Decide(accept string, wildcardEnabled bool) Decision {
	entries := parse(accept)
	if len(entries) == 0 {
		return Skip
	}

	for _, e := range entries {
		if e.q == 0 && strings.EqualFold(e.typ, "text") && strings.EqualFold(e.subtype, "markdown") {
			return Skip
		}
	}

	sortEntries(entries)

	top := entries[0]
	if top.q <= 0 {
		return Skip
	}
	if matchesMarkdown(top, wildcardEnabled) {
		return Convert
	}
	return Skip
}

func matchesMarkdown(e entry, wildcardEnabled bool) bool {
	if strings.EqualFold(e.typ, "text") && strings.EqualFold(e.subtype, "markdown") {
		return true
	}
	if !wildcardEnabled {
		return false
	}
	if e.typ == "*" && e.subtype == "*" {
		return true
	}
	if strings.EqualFold(e.typ, "text") && e.subtype == "*" {
		return true
	}
	return false
}

func parse(accept string) []entry {
	if strings.TrimSpace(accept) == "" {
		return nil
	}
	var out []entry
	parts := strings.Split(accept, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		segs := strings.Split(part, ";")
		mediaRange := strings.TrimSpace(segs[0])
		slash := strings.IndexByte(mediaRange, '/')
		if slash < 0 {
			continue
		}
		typ := strings.TrimSpace(mediaRange[:slash])
		subtype := strings.TrimSpace(mediaRange[slash+1:])
		if typ == "" || subtype == "" {
			continue
		}

		q := 1.0
		for _, p := range segs[1:] {
			p = strings.TrimSpace(p)
			if !strings.HasPrefix(strings.ToLower(p), "q=") {
				continue
			}
			val := strings.TrimSpace(p[2:])
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				parsed = 1.0
			}
			if parsed < 0 {
				parsed = 0
			}
			if parsed > 1 {
				parsed = 1
			}
			q = parsed
		}

		out = append(out, entry{
			typ:         typ,
			subtype:     subtype,
			q:           q,
			specificity: specificityOf(typ, subtype),
			order:       i,
		})
	}
	return out
}

func specificityOf(typ, subtype string) int {
	if typ == "*" && subtype == "*" {
		return specAny
	}
	if subtype == "*" {
		return specType
	}
	return specExact
}

// sortEntries orders by (-q, -specificity, +order), stably.
func sortEntries(entries []entry) {
	// Insertion sort: entry counts per request are small, and stability
	// (earlier order wins ties) matters more than asymptotic complexity.
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && less(entries[j], entries[j-1]) {
			entries[j], entries[j-1] = entries[j-1], entries[j]
			j--
		}
	}
}

func less(a, b entry) bool {
	if a.q != b.q {
		return a.q > b.q
	}
	if a.specificity != b.specificity {
		return a.specificity > b.specificity
	}
	return a.order < b.order
}
