// Package guardrail screens free text for payment credentials before it is
// accepted into evidence, audit detail, or outbound responses. It holds no
// state and is safe for concurrent use.
package guardrail

import "strings"

// PatternKind identifies the category of sensitive data a scan matched.
type PatternKind string

const (
	// KindCardNumber is a 13-19 digit run that passes the Luhn checksum.
	KindCardNumber PatternKind = "card_number"
	// KindVerificationToken is a short numeric run adjacent to a CVV/PIN keyword.
	KindVerificationToken PatternKind = "verification_token"
)

// Mask replaces every matched span in redacted output.
const Mask = "[REDACTED]"

// Result reports the outcome of a scan. Redacted is always safe to log or
// echo: matched spans are replaced by Mask and the original digits are never
// carried through.
type Result struct {
	Clean    bool
	Redacted string
	Matches  []PatternKind
}

// keywords that mark a nearby short digit run as a verification token.
var tokenKeywords = []string{"cvv2", "cvv", "cvc", "pin", "security code", "verification"}

// Scan inspects text for card-number-like and verification-token-like data.
// The same scan is applied to inbound and outbound text so downstream echoes
// of captured data are caught symmetrically.
func Scan(text string) Result {
	spans := findCardNumbers(text)
	spans = append(spans, findVerificationTokens(text, spans)...)

	if len(spans) == 0 {
		return Result{Clean: true, Redacted: text}
	}

	sortSpans(spans)
	var b strings.Builder
	var kinds []PatternKind
	last := 0
	for _, sp := range spans {
		if sp.start < last {
			continue // overlapping match already masked
		}
		b.WriteString(text[last:sp.start])
		b.WriteString(Mask)
		last = sp.end
		kinds = append(kinds, sp.kind)
	}
	b.WriteString(text[last:])

	return Result{Clean: false, Redacted: b.String(), Matches: kinds}
}

type span struct {
	start, end int
	kind       PatternKind
}

// findCardNumbers locates candidate PANs: 13-19 digits, optionally separated
// by single spaces or hyphens, that satisfy the Luhn checksum. The checksum
// filter keeps arbitrary long numbers (order ids, phone numbers) out.
func findCardNumbers(text string) []span {
	var out []span
	i := 0
	for i < len(text) {
		if !isDigit(text[i]) {
			i++
			continue
		}
		// Extend a run of digits allowing single space/hyphen separators,
		// keeping each digit's source offsets so a sub-window can be masked.
		var digits []byte
		var starts, ends []int
		end := i
	run:
		for j := i; j < len(text); {
			c := text[j]
			switch {
			case isDigit(c):
				digits = append(digits, c)
				starts = append(starts, j)
				j++
				ends = append(ends, j)
				end = j
			case (c == ' ' || c == '-') && j+1 < len(text) && isDigit(text[j+1]):
				j++
			default:
				break run
			}
		}
		out = append(out, cardWindows(digits, starts, ends)...)
		i = end
	}
	return out
}

// cardWindows checks one digit run for Luhn-valid card numbers. A 13-19
// digit run that checks out as a whole is a single match; otherwise windows
// of 19 down to 13 digits slide over the run so a valid PAN is caught even
// with stray digits abutting it on either side.
func cardWindows(digits []byte, starts, ends []int) []span {
	n := len(digits)
	if n < 13 {
		return nil
	}
	if n <= 19 && luhnValid(digits) {
		return []span{{start: starts[0], end: ends[n-1], kind: KindCardNumber}}
	}
	var out []span
	lo := 0
	for lo <= n-13 {
		matched := false
		for size := 19; size >= 13; size-- {
			if lo+size > n {
				continue
			}
			if luhnValid(digits[lo : lo+size]) {
				out = append(out, span{start: starts[lo], end: ends[lo+size-1], kind: KindCardNumber})
				lo += size
				matched = true
				break
			}
		}
		if !matched {
			lo++
		}
	}
	return out
}

// findVerificationTokens flags a 3-6 digit run with a labelling keyword in
// the surrounding context, up to 12 characters on either side ("pin 1234"
// and "1234 is my pin" both match). Runs already covered by a card match are
// skipped.
func findVerificationTokens(text string, taken []span) []span {
	lower := strings.ToLower(text)
	var out []span
	i := 0
	for i < len(text) {
		if !isDigit(text[i]) {
			i++
			continue
		}
		end := i
		for end < len(text) && isDigit(text[end]) {
			end++
		}
		runLen := end - i
		if runLen >= 3 && runLen <= 6 && !covered(i, end, taken) {
			ctxStart := i - 12
			if ctxStart < 0 {
				ctxStart = 0
			}
			ctxEnd := end + 12
			if ctxEnd > len(text) {
				ctxEnd = len(text)
			}
			for _, kw := range tokenKeywords {
				if strings.Contains(lower[ctxStart:i], kw) || strings.Contains(lower[end:ctxEnd], kw) {
					out = append(out, span{start: i, end: end, kind: KindVerificationToken})
					break
				}
			}
		}
		i = end
	}
	return out
}

func covered(start, end int, taken []span) bool {
	for _, sp := range taken {
		if start < sp.end && end > sp.start {
			return true
		}
	}
	return false
}

// luhnValid runs the standard Luhn checksum over a digit slice.
func luhnValid(digits []byte) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func sortSpans(spans []span) {
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].start < spans[j-1].start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}
}
