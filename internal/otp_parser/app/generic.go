package app

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxCodeLength       = 10
	numericCueDistance  = 40
	alnumCueDistance    = 25
	leadingCodeMinimum  = 6
	maxGroupedCodeWords = 2
)

var (
	// latinCues must start at a word boundary.
	latinCues = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(code|codice|c[oó]digo|k[oó]d|pin|otp|passcode|password|passwort|пароль|код|v[eé]rif\p{L}*|confirm\p{L}*|ma)`)
	// compoundCues close a longer word, as in Bestätigungscode.
	compoundCues = regexp.MustCompile(`(?i)\p{L}(code|k[oó]d)(?:[^\p{L}]|$)`)
	// scriptCues appear glued to surrounding text or carry their own
	// inflections.
	scriptCues = regexp.MustCompile(`(?i)(?:コード|验证码|驗證碼|校验码|인증|코드|رمز|كود|קוד|κωδικ|कोड|ओटीपी|सत्यापन)`)

	numericSpan = regexp.MustCompile(`\+?\d+(?:[ -]\d+)*`)
	alnumToken  = regexp.MustCompile(`[A-Za-z0-9]{4,10}`)
)

// short cues that also occur inside ordinary words
var boundedCues = map[string]bool{"pin": true, "otp": true, "ma": true}

type span struct {
	start, end int // rune offsets
}

type candidate struct {
	span
	code string
}

// textIndex converts byte offsets to rune offsets for one string.
type textIndex struct {
	s string
}

func (t textIndex) runeAt(b int) int { return utf8.RuneCountInString(t.s[:b]) }

func (t textIndex) prevRune(b int) (rune, bool) {
	if b == 0 {
		return 0, false
	}
	r, _ := utf8.DecodeLastRuneInString(t.s[:b])
	return r, true
}

func (t textIndex) nextRunes(b int) (r1, r2 rune, ok bool) {
	if b >= len(t.s) {
		return 0, 0, false
	}
	r1, n := utf8.DecodeRuneInString(t.s[b:])
	if b+n < len(t.s) {
		r2, _ = utf8.DecodeRuneInString(t.s[b+n:])
	}
	return r1, r2, true
}

func findCues(body string) []span {
	idx := textIndex{body}
	var cues []span
	for _, m := range latinCues.FindAllStringSubmatchIndex(body, -1) {
		start, end := m[2], m[3]
		if boundedCues[strings.ToLower(body[start:end])] {
			if r, _, ok := idx.nextRunes(end); ok && unicode.IsLetter(r) {
				continue
			}
		}
		cues = append(cues, span{idx.runeAt(start), idx.runeAt(end)})
	}
	for _, m := range compoundCues.FindAllStringSubmatchIndex(body, -1) {
		cues = append(cues, span{idx.runeAt(m[2]), idx.runeAt(m[3])})
	}
	for _, m := range scriptCues.FindAllStringIndex(body, -1) {
		cues = append(cues, span{idx.runeAt(m[0]), idx.runeAt(m[1])})
	}
	return cues
}

func isASCIIAlnum(r rune) bool {
	return r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

func isASCIILetter(r rune) bool {
	return r < utf8.RuneSelf && unicode.IsLetter(r)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// standalone reports whether body[bs:be] is a free-standing number rather
// than part of a URL, amount, date, time or identifier.
func standalone(idx textIndex, bs, be int) bool {
	if r, ok := idx.prevRune(bs); ok {
		if isASCIIAlnum(r) || strings.ContainsRune(`/\.=&#%_@-`, r) {
			return false
		}
	}
	if r1, r2, ok := idx.nextRunes(be); ok {
		if isASCIILetter(r1) || strings.ContainsRune("/%_@", r1) {
			return false
		}
		if strings.ContainsRune(".,:", r1) && unicode.IsDigit(r2) {
			return false
		}
	}
	return true
}

// numericCandidates finds digit runs that look like codes. Phone numbers
// (leading '+', three or more groups) are never candidates.
func numericCandidates(body string, minLen int) []candidate {
	idx := textIndex{body}
	var out []candidate

	for _, loc := range numericSpan.FindAllStringIndex(body, -1) {
		text := body[loc[0]:loc[1]]
		words := strings.Split(text, " ")
		if len(words) > maxGroupedCodeWords {
			continue
		}

		if len(words) == 2 && isSpacedGroup(words[0]) && isSpacedGroup(words[1]) {
			if standalone(idx, loc[0], loc[1]) {
				out = append(out, candidate{
					span: span{idx.runeAt(loc[0]), idx.runeAt(loc[1])},
					code: words[0] + words[1],
				})
			}
			continue
		}

		off := loc[0]
		for _, w := range words {
			bs, be := off, off+len(w)
			off = be + 1
			code, ok := classifyWord(w, minLen)
			if !ok || !standalone(idx, bs, be) {
				continue
			}
			out = append(out, candidate{span: span{idx.runeAt(bs), idx.runeAt(be)}, code: code})
		}
	}
	return out
}

func isSpacedGroup(w string) bool {
	return isDigits(w) && len(w) >= 3 && len(w) <= 4
}

func classifyWord(w string, minLen int) (string, bool) {
	if strings.HasPrefix(w, "+") {
		return "", false
	}
	groups := strings.Split(w, "-")
	switch len(groups) {
	case 1:
		if len(w) >= minLen && len(w) <= maxCodeLength {
			return w, true
		}
	case 2:
		if isSpacedGroup(groups[0]) && isSpacedGroup(groups[1]) {
			return groups[0] + groups[1], true
		}
	}
	return "", false
}

// alnumCandidates finds mixed letter/digit tokens.
func alnumCandidates(body string) []candidate {
	idx := textIndex{body}
	var out []candidate
	for _, loc := range alnumToken.FindAllStringIndex(body, -1) {
		tok := body[loc[0]:loc[1]]
		if !strings.ContainsAny(tok, "0123456789") || strings.IndexFunc(tok, isASCIILetter) < 0 {
			continue
		}
		if r, ok := idx.prevRune(loc[0]); ok && (isASCIIAlnum(r) || strings.ContainsRune(`./@=+-_#\`, r)) {
			continue
		}
		if r1, r2, ok := idx.nextRunes(loc[1]); ok {
			if isASCIIAlnum(r1) || strings.ContainsRune("/@_", r1) {
				continue
			}
			if r1 == '.' && isASCIIAlnum(r2) {
				continue
			}
		}
		out = append(out, candidate{span: span{idx.runeAt(loc[0]), idx.runeAt(loc[1])}, code: tok})
	}
	return out
}

// cueDistance is the rune gap between c and the nearest cue. after is true
// when that cue precedes the candidate.
func cueDistance(c candidate, cues []span) (dist int, after bool, found bool) {
	for _, q := range cues {
		var d int
		var a bool
		switch {
		case q.end <= c.start:
			d, a = c.start-q.end, true
		case c.end <= q.start:
			d, a = q.start-c.end, false
		default:
			d, a = 0, true
		}
		if !found || d < dist || (d == dist && a && !after) {
			dist, after, found = d, a, true
		}
	}
	return dist, after, found
}

// pickNumeric returns the numeric candidate closest to a cue word. Without a
// nearby cue, only a long code opening the message is accepted.
func pickNumeric(cands []candidate, cues []span) (candidate, bool) {
	var (
		best      candidate
		bestDist  int
		bestAfter bool
		ok        bool
	)
	for _, c := range cands {
		d, after, found := cueDistance(c, cues)
		if !found || d > numericCueDistance {
			continue
		}
		if !ok || d < bestDist || (d == bestDist && after && !bestAfter) {
			best, bestDist, bestAfter, ok = c, d, after, true
		}
	}
	if ok {
		return best, true
	}
	for _, c := range cands {
		if c.start == 0 && len(c.code) >= leadingCodeMinimum {
			return c, true
		}
	}
	return candidate{}, false
}

// pickAlnum returns the first mixed token that follows a cue closely.
func pickAlnum(cands []candidate, cues []span) (candidate, bool) {
	var (
		best     candidate
		bestDist int
		ok       bool
	)
	for _, c := range cands {
		for _, q := range cues {
			if q.end > c.start {
				continue
			}
			d := c.start - q.end
			if d <= alnumCueDistance && (!ok || d < bestDist) {
				best, bestDist, ok = c, d, true
			}
		}
	}
	return best, ok
}
