package refine

import "regexp"

// Redaction patterns applied to query text before it reaches any external
// backend. Replacement placeholders keep the query searchable.
var (
	reEmail = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	rePhone = regexp.MustCompile(`(?:\+?\d{1,3}[\s\-.]?)?\(?\d{3}\)?[\s\-.]\d{3}[\s\-.]\d{4}\b`)
	reSSN   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reCard  = regexp.MustCompile(`\b(?:\d[\s\-]?){13,19}\b`)
)

// Redact replaces emails, phone numbers, SSN-like and card-like digit runs
// with typed placeholders.
func Redact(s string) string {
	s = reEmail.ReplaceAllString(s, "[email]")
	s = reSSN.ReplaceAllString(s, "[ssn]")
	s = reCard.ReplaceAllString(s, "[number]")
	s = rePhone.ReplaceAllString(s, "[phone]")
	return s
}
