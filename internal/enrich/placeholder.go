package enrich

import (
	"regexp"
	"strings"
)

// Listing platforms inject their own contact details into pages when the
// real owner hides theirs. Those values must never reach an owner record.
var placeholderDomains = []string{
	"hotpads.com",
	"zillow.com",
	"trulia.com",
	"apartments.com",
	"redfin.com",
	"streetlines.com",
}

var placeholderEmails = map[string]struct{}{
	"support@hotpads.com": {},
	"noreply@zillow.com":  {},
	"contact@trulia.com":  {},
	"help@apartments.com": {},
}

var placeholderNames = map[string]struct{}{
	"support":         {},
	"admin":           {},
	"hotpads support": {},
	"listing agent":   {},
}

var placeholderPhonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`000-000-0000`),
	regexp.MustCompile(`111-111-1111`),
	regexp.MustCompile(`123-456-7890`),
	regexp.MustCompile(`\(800\) 000-0000`),
}

var nonDigits = regexp.MustCompile(`\D`)

// IsPlaceholderEmail reports whether the email is empty or a known
// platform placeholder.
func IsPlaceholderEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return true
	}
	if _, ok := placeholderEmails[email]; ok {
		return true
	}
	for _, domain := range placeholderDomains {
		if strings.HasSuffix(email, "@"+domain) {
			return true
		}
	}
	return false
}

// IsPlaceholderPhone reports whether the phone number is empty, all one
// digit, or matches a known fake pattern.
func IsPlaceholderPhone(phone string) bool {
	if strings.TrimSpace(phone) == "" {
		return true
	}

	digits := nonDigits.ReplaceAllString(phone, "")
	if len(digits) >= 10 && allSameByte(digits) {
		return true
	}

	for _, pat := range placeholderPhonePatterns {
		if pat.MatchString(phone) {
			return true
		}
	}
	return false
}

// IsPlaceholderName reports whether the name is a generic platform label
// rather than a person or company.
func IsPlaceholderName(name string) bool {
	_, ok := placeholderNames[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func allSameByte(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
