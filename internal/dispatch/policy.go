package dispatch

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// defaultPhoneticThreshold is the minimum Jaro-Winkler score a phonetically
// matching word needs. It keeps short Metaphone codes from pulling in
// unrelated words ("spin" for "spawn").
const defaultPhoneticThreshold = 0.85

// minPhoneticLen is the shortest word considered for a phonetic match.
const minPhoneticLen = 4

// keyword is one precomputed policy entry.
type keyword struct {
	text   string
	tokens []string
	codes  [][2]string // Double Metaphone codes per token
}

// KeywordPolicy decides whether an utterance needs the tool-capable slow
// path. A keyword matches when every one of its words appears consecutively in
// the utterance, either exactly or by sound: both words share a Double
// Metaphone code and are close by Jaro-Winkler, so a misrecognised "emale"
// still counts as "email".
//
// A KeywordPolicy is read-only after construction and safe for concurrent use.
type KeywordPolicy struct {
	keywords  []keyword
	threshold float64
}

// PolicyOption configures a [KeywordPolicy].
type PolicyOption func(*KeywordPolicy)

// WithPhoneticThreshold sets the Jaro-Winkler floor for phonetic matches.
// Default: 0.85.
func WithPhoneticThreshold(threshold float64) PolicyOption {
	return func(p *KeywordPolicy) {
		p.threshold = threshold
	}
}

// NewKeywordPolicy builds a policy from keywords. Blank entries are skipped.
func NewKeywordPolicy(keywords []string, opts ...PolicyOption) *KeywordPolicy {
	p := &KeywordPolicy{threshold: defaultPhoneticThreshold}
	for _, o := range opts {
		o(p)
	}
	for _, k := range keywords {
		tokens := tokenize(k)
		if len(tokens) == 0 {
			continue
		}
		kw := keyword{text: strings.Join(tokens, " "), tokens: tokens, codes: make([][2]string, len(tokens))}
		for i, t := range tokens {
			primary, secondary := matchr.DoubleMetaphone(t)
			kw.codes[i] = [2]string{primary, secondary}
		}
		p.keywords = append(p.keywords, kw)
	}
	return p
}

// Len returns the number of keywords in the policy.
func (p *KeywordPolicy) Len() int { return len(p.keywords) }

// Match returns the first keyword found in utterance.
func (p *KeywordPolicy) Match(utterance string) (string, bool) {
	if p == nil || len(p.keywords) == 0 {
		return "", false
	}
	words := tokenize(utterance)
	if len(words) == 0 {
		return "", false
	}
	codes := make([][2]string, len(words))
	for i, w := range words {
		primary, secondary := matchr.DoubleMetaphone(w)
		codes[i] = [2]string{primary, secondary}
	}

	// Exact matches take priority over phonetic ones.
	for _, kw := range p.keywords {
		if p.matchAt(kw, words, codes, false) {
			return kw.text, true
		}
	}
	for _, kw := range p.keywords {
		if p.matchAt(kw, words, codes, true) {
			return kw.text, true
		}
	}
	return "", false
}

// matchAt scans words for a consecutive run matching kw.
func (p *KeywordPolicy) matchAt(kw keyword, words []string, codes [][2]string, phonetic bool) bool {
	n := len(kw.tokens)
	for start := 0; start+n <= len(words); start++ {
		ok := true
		for j := 0; j < n; j++ {
			w, t := words[start+j], kw.tokens[j]
			if w == t {
				continue
			}
			if phonetic && p.soundsLike(w, t, codes[start+j], kw.codes[j]) {
				continue
			}
			ok = false
			break
		}
		if ok {
			return true
		}
	}
	return false
}

// soundsLike reports whether word and token overlap on a Double Metaphone
// code and are similar enough by Jaro-Winkler.
func (p *KeywordPolicy) soundsLike(word, token string, wc, tc [2]string) bool {
	if len(word) < minPhoneticLen || len(token) < minPhoneticLen {
		return false
	}
	if !codesOverlap(wc, tc) {
		return false
	}
	return matchr.JaroWinkler(word, token, false) >= p.threshold
}

// codesOverlap returns true if the two code pairs share a non-empty code.
func codesOverlap(a, b [2]string) bool {
	for _, x := range a {
		if x == "" {
			continue
		}
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// tokenize lowercases s and splits it into words of letters and digits.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
