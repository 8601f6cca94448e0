// Package address turns raw free-text US addresses into a canonical form
// and a stable identity key used to join listings across sources.
package address

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

// ErrNoStateZip is returned when no trailing state+ZIP pattern can be
// found. Listings with such addresses keep a null identity key and are
// excluded from identity resolution.
var ErrNoStateZip = errors.New("address: no state and ZIP found")

// NormalizedAddress is the canonical decomposition of a raw address.
// Canonical is the single-spaced, upper-cased, abbreviated form the
// identity key is derived from.
type NormalizedAddress struct {
	Street    string
	City      string
	State     string
	Zip       string
	Canonical string
}

// Key returns the identity key: a content digest of the canonical string.
// Two addresses that normalize identically always share a key; the mapping
// is not reversible.
func (a NormalizedAddress) Key() string {
	sum := md5.Sum([]byte(a.Canonical))
	return hex.EncodeToString(sum[:])
}

// StreetLine returns the street component for provider requests.
func (a NormalizedAddress) StreetLine() string { return a.Street }

// CityStateZipLine returns the locality component for provider requests.
func (a NormalizedAddress) CityStateZipLine() string {
	return strings.TrimSpace(a.City + " " + a.State + " " + a.Zip)
}

var (
	punctRe = regexp.MustCompile(`[.,#\-]`)
	spaceRe = regexp.MustCompile(`\s+`)
	zipRe   = regexp.MustCompile(`\b([A-Z]{2}) (\d{5})\b`)
)

// Token replacement tables. Keys and values are whole upper-cased tokens;
// canonical forms map to themselves so normalization is idempotent.
var suffixes = map[string]string{
	"STREET": "ST", "AVENUE": "AVE", "BOULEVARD": "BLVD", "DRIVE": "DR",
	"LANE": "LN", "COURT": "CT", "ROAD": "RD", "PLACE": "PL",
	"SQUARE": "SQ", "TERRACE": "TER", "PARKWAY": "PKWY", "CIRCLE": "CIR",
	"TRAIL": "TRL",
	"APARTMENT": "UNIT", "APT": "UNIT", "STE": "UNIT", "SUITE": "UNIT",
	"FLOOR": "UNIT",
}

var directions = map[string]string{
	"NORTH": "N", "SOUTH": "S", "EAST": "E", "WEST": "W",
	"NORTHEAST": "NE", "NORTHWEST": "NW", "SOUTHEAST": "SE", "SOUTHWEST": "SW",
}

var states = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true,
	"CT": true, "DE": true, "DC": true, "FL": true, "GA": true, "HI": true,
	"ID": true, "IL": true, "IN": true, "IA": true, "KS": true, "KY": true,
	"LA": true, "ME": true, "MD": true, "MA": true, "MI": true, "MN": true,
	"MS": true, "MO": true, "MT": true, "NE": true, "NV": true, "NH": true,
	"NJ": true, "NM": true, "NY": true, "NC": true, "ND": true, "OH": true,
	"OK": true, "OR": true, "PA": true, "RI": true, "SC": true, "SD": true,
	"TN": true, "TX": true, "UT": true, "VT": true, "VA": true, "WA": true,
	"WV": true, "WI": true, "WY": true, "PR": true, "VI": true, "GU": true,
}

// Normalizer canonicalizes addresses. The known-city list resolves
// multi-word city names ("NEW YORK", "SAN FRANCISCO") that the default
// last-token heuristic would split wrong.
type Normalizer struct {
	cities map[string]bool // canonical-token city names, upper-cased
}

// NewNormalizer builds a normalizer with the given known city names.
func NewNormalizer(knownCities []string) *Normalizer {
	cities := make(map[string]bool, len(knownCities))
	for _, c := range knownCities {
		c = canonicalTokens(strings.ToUpper(c))
		if c != "" {
			cities[c] = true
		}
	}
	return &Normalizer{cities: cities}
}

// Normalize canonicalizes a raw address and splits it into street and
// city/state/ZIP components. Deterministic and pure: re-normalizing the
// canonical form yields the same result and the same identity key.
func (n *Normalizer) Normalize(raw string) (NormalizedAddress, error) {
	canonical := canonicalTokens(strings.ToUpper(raw))
	if canonical == "" {
		return NormalizedAddress{}, ErrNoStateZip
	}

	// Match the LAST state+ZIP occurrence so house numbers that look like
	// ZIPs ("60601 Main St ... IL 60602") are never mistaken for one.
	var match []int
	for _, m := range zipRe.FindAllStringSubmatchIndex(canonical, -1) {
		if states[canonical[m[2]:m[3]]] {
			match = m
		}
	}
	if match == nil {
		return NormalizedAddress{}, ErrNoStateZip
	}

	state := canonical[match[2]:match[3]]
	zip := canonical[match[4]:match[5]]
	head := strings.TrimSpace(canonical[:match[0]])

	street, city := n.splitCity(head)

	parts := []string{}
	for _, p := range []string{street, city, state, zip} {
		if p != "" {
			parts = append(parts, p)
		}
	}

	return NormalizedAddress{
		Street:    street,
		City:      city,
		State:     state,
		Zip:       zip,
		Canonical: strings.Join(parts, " "),
	}, nil
}

// splitCity separates the city name from the end of the pre-state text.
// Longest known-city suffix wins; otherwise the final token is taken as a
// single-word city.
func (n *Normalizer) splitCity(head string) (street, city string) {
	tokens := strings.Fields(head)
	if len(tokens) == 0 {
		return "", ""
	}

	// Try suffixes from longest to shortest, capped at 3 words.
	maxWords := 3
	if maxWords > len(tokens) {
		maxWords = len(tokens)
	}
	for w := maxWords; w >= 2; w-- {
		candidate := strings.Join(tokens[len(tokens)-w:], " ")
		if n.cities[candidate] {
			return strings.Join(tokens[:len(tokens)-w], " "), candidate
		}
	}

	if len(tokens) == 1 {
		return "", tokens[0]
	}
	return strings.Join(tokens[:len(tokens)-1], " "), tokens[len(tokens)-1]
}

// canonicalTokens strips punctuation, collapses whitespace, and expands
// directional, street-type, and unit abbreviations to one canonical form.
func canonicalTokens(s string) string {
	s = punctRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(strings.TrimSpace(s), " ")

	tokens := strings.Fields(s)
	for i, tok := range tokens {
		if rep, ok := suffixes[tok]; ok {
			tokens[i] = rep
			continue
		}
		if rep, ok := directions[tok]; ok {
			tokens[i] = rep
		}
	}
	return strings.Join(tokens, " ")
}
