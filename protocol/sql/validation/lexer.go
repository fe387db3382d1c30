package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokNumber
	tokString
	tokQuotedIdent
	tokParam
	tokPunct
)

type token struct {
	kind tokenKind
	text string // literal content for strings, raw text otherwise
	pos  int
}

// scanResult is a lexical view of a statement. masked is the input with the
// contents of string literals and quoted identifiers blanked out so that
// patterns can be matched against code only.
type scanResult struct {
	tokens       []token
	masked       string
	unterminated rune
}

func lex(s string) scanResult {
	var res scanResult
	masked := []byte(s)
	i := 0
	for i < len(s) {
		r, w := utf8.DecodeRuneInString(s[i:])
		switch {
		case unicode.IsSpace(r):
			i += w
		case r == '\'' || r == '"':
			start := i
			end, closed := scanQuoted(s, i, byte(r))
			for j := start + 1; j < end && j < len(masked); j++ {
				masked[j] = ' '
			}
			kind := tokString
			if r == '"' {
				kind = tokQuotedIdent
			}
			content := s[start+1:]
			if closed {
				content = s[start+1 : end-1]
				masked[end-1] = byte(r)
			} else {
				res.unterminated = r
			}
			res.tokens = append(res.tokens, token{kind: kind, text: content, pos: start})
			i = end
		case r >= '0' && r <= '9' || (r == '.' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9'):
			start := i
			for i < len(s) && (isWordByte(s[i]) || s[i] == '.') {
				i++
			}
			res.tokens = append(res.tokens, token{kind: tokNumber, text: s[start:i], pos: start})
		case r == '$' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9':
			start := i
			i++
			for i < len(s) && s[i] >= '0' && s[i] <= '9' {
				i++
			}
			res.tokens = append(res.tokens, token{kind: tokParam, text: s[start:i], pos: start})
		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(s) {
				r2, w2 := utf8.DecodeRuneInString(s[i:])
				if r2 != '_' && r2 != '$' && !unicode.IsLetter(r2) && !unicode.IsDigit(r2) {
					break
				}
				i += w2
			}
			res.tokens = append(res.tokens, token{kind: tokWord, text: s[start:i], pos: start})
		default:
			res.tokens = append(res.tokens, token{kind: tokPunct, text: s[i : i+w], pos: i})
			i += w
		}
	}
	res.masked = string(masked)
	return res
}

// scanQuoted returns the index just past the closing quote. Doubled quotes
// and backslash escapes do not terminate the literal.
func scanQuoted(s string, start int, quote byte) (int, bool) {
	i := start + 1
	for i < len(s) {
		switch s[i] {
		case '\\':
			if quote == '\'' {
				i += 2
				continue
			}
		case quote:
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, true
		}
		i++
	}
	return len(s), false
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// statements splits the token stream on top-level semicolons.
func (r scanResult) statements() [][]token {
	var out [][]token
	var cur []token
	for _, t := range r.tokens {
		if t.kind == tokPunct && t.text == ";" {
			if len(cur) > 0 {
				out = append(out, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, t)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// verb returns the leading keyword of a statement, skipping open parens.
func verb(stmt []token) string {
	for _, t := range stmt {
		if t.kind == tokPunct && t.text == "(" {
			continue
		}
		if t.kind == tokWord {
			return strings.ToUpper(t.text)
		}
		return ""
	}
	return ""
}
