package classify

import (
	"regexp"
	"unicode/utf8"
)

// maxMessageLen bounds stored error messages.
const maxMessageLen = 500

// Redaction patterns, applied in order. Card numbers go before generic phone
// matching so a 16-digit PAN is not half-eaten as a phone number.
var redactions = []struct {
	tag string
	re  *regexp.Regexp
}{
	{"[EMAIL]", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"[UUID]", regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)},
	{"[IBAN]", regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)},
	{"[CARD]", regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)},
	{"[SIN]", regexp.MustCompile(`\b\d{3}[ -]\d{3}[ -]\d{3}\b`)},
	{"[SSN]", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"[PHONE]", regexp.MustCompile(`(?:\+?\d{1,3}[ .-])?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`)},
}

// Sanitize redacts personally identifiable patterns from a raw regulator
// message and truncates it to 500 characters.
func Sanitize(msg string) string {
	for _, r := range redactions {
		msg = r.re.ReplaceAllString(msg, r.tag)
	}
	if len(msg) > maxMessageLen {
		cut := maxMessageLen
		// Back up to a rune boundary so the cut never splits a multibyte
		// character.
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "…"
	}
	return msg
}
