// Package address turns free-text calendar titles and locations into
// strings a geocoder can resolve.
package address

import (
	"regexp"
	"strings"
)

// invitePrefix matches one calendar-invite prefix at the start of a trimmed
// string: the keyword followed by "@", "-", ":", whitespace or the end.
var invitePrefix = regexp.MustCompile(`(?i)^(showing|property|listing|open\s+house)(\s*[@:\-]|\s+|$)`)

// numericFragment is "digits, whitespace, then letters/whitespace".
var numericFragment = regexp.MustCompile(`\d+\s+[A-Za-z\s]+`)

var unitWords = map[string]struct{}{
	"apt": {}, "apartment": {}, "unit": {}, "suite": {}, "ste": {},
	"fl": {}, "floor": {}, "rm": {}, "room": {}, "bldg": {},
}

// Clean strips calendar-invite prefixes such as "Showing @", "Listing -" or
// "Open House:" and trims the result. Prefixes are removed until none is
// left, so Clean(Clean(s)) == Clean(s). A string without a prefix is
// returned unchanged.
func Clean(s string) string {
	out := strings.TrimSpace(s)
	if !invitePrefix.MatchString(out) {
		return s
	}
	for {
		loc := invitePrefix.FindStringIndex(out)
		if loc == nil {
			return out
		}
		out = strings.TrimSpace(out[loc[1]:])
	}
}

// NumericFragment extracts the leading "number + street words" part of an
// address, e.g. "123 Main St" from "123 Main St, Apt 4, Anytown". A
// trailing unit designator is dropped. It returns "" when nothing matches.
func NumericFragment(s string) string {
	m := strings.TrimSpace(numericFragment.FindString(s))
	if m == "" {
		return ""
	}
	fields := strings.Fields(m)
	if len(fields) > 2 {
		if _, ok := unitWords[strings.ToLower(fields[len(fields)-1])]; ok {
			fields = fields[:len(fields)-1]
		}
	}
	return strings.Join(fields, " ")
}

// LooksLikeAddress reports whether s contains a street-number fragment.
func LooksLikeAddress(s string) bool {
	return NumericFragment(s) != ""
}
