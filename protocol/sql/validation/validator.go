// Package validation screens SQL text before it reaches the parser. Each stage
// either passes the (possibly canonicalized) text on or rejects it with a
// ValidationError naming the stage.
package validation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	qerrors "github.com/guileen/querycore/errors"
)

// Stage names, in execution order.
const (
	StageNormalize = "normalize"
	StageDangerous = "dangerous_pattern"
	StageStructure = "structure"
	StageEscape    = "escape"
	StageAllowList = "allow_list"
	StageSanitize  = "sanitize"
)

var blockedKeywords = map[string]bool{
	"EXEC": true, "EXECUTE": true, "XP_CMDSHELL": true, "SP_EXECUTESQL": true,
	"LOAD_FILE": true, "OUTFILE": true, "DUMPFILE": true, "COPY": true,
	"PG_READ_FILE": true, "PG_LS_DIR": true, "PG_SLEEP": true, "SLEEP": true,
	"BENCHMARK": true, "WAITFOR": true,
}

var destructiveVerbs = map[string]bool{
	"DROP": true, "DELETE": true, "UPDATE": true, "INSERT": true,
	"ALTER": true, "CREATE": true, "TRUNCATE": true, "GRANT": true, "REVOKE": true,
}

var percentEncoded = regexp.MustCompile(`%[0-9a-fA-F]{2}`)

// DefaultFunctions are the scalar and aggregate functions the engine evaluates.
var DefaultFunctions = []string{
	"COUNT", "SUM", "AVG", "MIN", "MAX",
	"UPPER", "LOWER", "TRIM", "LTRIM", "RTRIM", "LENGTH", "SUBSTRING", "SUBSTR", "REPLACE", "CONCAT",
	"ABS", "CEIL", "CEILING", "FLOOR", "ROUND", "MOD", "POWER", "SQRT",
	"COALESCE", "NULLIF",
}

// Options configure a Validator.
type Options struct {
	MaxLength         int
	AllowedStatements []string
	AllowedFunctions  []string
}

// Validator runs the lexical validation stages. It is safe for concurrent use.
type Validator struct {
	maxLength  int
	statements map[string]bool
	functions  map[string]bool
}

// New creates a Validator. Empty allow-lists fall back to the defaults.
func New(opts Options) *Validator {
	v := &Validator{
		maxLength:  opts.MaxLength,
		statements: make(map[string]bool),
		functions:  make(map[string]bool),
	}
	if v.maxLength <= 0 {
		v.maxLength = 1 << 20
	}
	stmts := opts.AllowedStatements
	if len(stmts) == 0 {
		stmts = []string{"SELECT", "WITH", "VALUES", "INSERT", "UPDATE", "DELETE",
			"CREATE", "DROP", "GRANT", "REVOKE", "EXPLAIN", "ANALYZE"}
	}
	for _, s := range stmts {
		v.statements[strings.ToUpper(s)] = true
	}
	funcs := opts.AllowedFunctions
	if len(funcs) == 0 {
		funcs = DefaultFunctions
	}
	for _, f := range funcs {
		v.functions[strings.ToUpper(f)] = true
	}
	return v
}

// Validate runs every lexical stage in order and returns the sanitized text.
func (v *Validator) Validate(sql string) (string, error) {
	text, err := v.normalize(sql)
	if err != nil {
		return "", err
	}
	scan := lex(text)
	for _, stage := range []func(scanResult) error{
		checkDangerous,
		checkStructure,
		checkEscapes,
		v.checkAllowList,
	} {
		if err := stage(scan); err != nil {
			return "", err
		}
	}
	return sanitize(escapeStrings(text, scan))
}

// escapeStrings prefixes E to literals that use backslash escapes so the
// parser decodes them the way the escape stage validated them.
func escapeStrings(text string, scan scanResult) string {
	var sb strings.Builder
	last, changed := 0, false
	for _, t := range scan.tokens {
		if t.kind != tokString || !strings.Contains(t.text, `\`) {
			continue
		}
		if t.pos > 0 && (text[t.pos-1] == 'E' || text[t.pos-1] == 'e') {
			continue
		}
		sb.WriteString(text[last:t.pos])
		sb.WriteByte('E')
		last, changed = t.pos, true
	}
	if !changed {
		return text
	}
	sb.WriteString(text[last:])
	return sb.String()
}

// CheckFunction applies the function allow-list to a parsed function name.
func (v *Validator) CheckFunction(name string) error {
	if !v.functions[strings.ToUpper(name)] {
		return qerrors.NewValidationErrorf(StageAllowList, "function %s is not allowed", name)
	}
	return nil
}

func (v *Validator) normalize(sql string) (string, error) {
	if len(sql) > v.maxLength {
		return "", qerrors.NewValidationErrorf(StageNormalize, "query length %d exceeds maximum %d", len(sql), v.maxLength)
	}
	if !utf8.ValidString(sql) {
		return "", qerrors.NewValidationError(StageNormalize, "query is not valid UTF-8")
	}
	sql = strings.TrimPrefix(sql, "\ufeff")
	for _, r := range sql {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
		case r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\u2060' || r == '\ufeff':
			return "", qerrors.NewValidationErrorf(StageNormalize, "zero-width character U+%04X", r)
		case unicode.IsControl(r) || unicode.Is(unicode.Cf, r):
			return "", qerrors.NewValidationErrorf(StageNormalize, "control character U+%04X", r)
		}
	}
	sql = norm.NFKC.String(sql)

	masked := lex(sql).masked
	for i, r := range masked {
		if unicode.Is(unicode.Cyrillic, r) || unicode.Is(unicode.Greek, r) {
			return "", qerrors.NewValidationErrorf(StageNormalize, "homograph character %q at offset %d", r, i)
		}
	}
	return sql, nil
}

func checkDangerous(scan scanResult) error {
	for _, seq := range []string{"--", "/*", "#"} {
		if strings.Contains(scan.masked, seq) {
			return qerrors.NewValidationErrorf(StageDangerous, "comment sequence %q", seq)
		}
	}
	for _, m := range percentEncoded.FindAllString(scan.masked, -1) {
		if b := hexByte(m[1], m[2]); b <= ' ' || strings.IndexByte(`'";-#/\=()`, b) >= 0 {
			return qerrors.NewValidationErrorf(StageDangerous, "percent-encoded byte %s", m)
		}
	}

	toks := scan.tokens
	for i, t := range toks {
		switch t.kind {
		case tokWord:
			word := strings.ToUpper(t.text)
			if blockedKeywords[word] {
				return qerrors.NewValidationErrorf(StageDangerous, "blocked keyword %s", word)
			}
			if word == "OR" && isTautology(toks[i+1:]) {
				return qerrors.NewValidationError(StageDangerous, "tautological OR condition")
			}
		case tokNumber:
			if len(t.text) > 2 && (t.text[:2] == "0x" || t.text[:2] == "0X") {
				return qerrors.NewValidationErrorf(StageDangerous, "hex literal %s", t.text)
			}
		case tokPunct:
			if t.text == ";" && i+1 < len(toks) && toks[i+1].kind == tokWord &&
				destructiveVerbs[strings.ToUpper(toks[i+1].text)] {
				return qerrors.NewValidationErrorf(StageDangerous, "stacked %s statement", strings.ToUpper(toks[i+1].text))
			}
		}
	}
	return nil
}

// isTautology matches "<lit> = <lit>" with identical literals.
func isTautology(toks []token) bool {
	if len(toks) < 3 {
		return false
	}
	a, op, b := toks[0], toks[1], toks[2]
	if op.kind != tokPunct || op.text != "=" {
		return false
	}
	if a.kind != b.kind || (a.kind != tokNumber && a.kind != tokString) {
		return false
	}
	return a.text == b.text
}

func hexByte(hi, lo byte) byte {
	return unhex(hi)<<4 | unhex(lo)
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func checkStructure(scan scanResult) error {
	switch scan.unterminated {
	case '\'':
		return qerrors.NewValidationError(StageStructure, "unbalanced single quote")
	case '"':
		return qerrors.NewValidationError(StageStructure, "unbalanced double quote")
	}
	depth := 0
	for _, t := range scan.tokens {
		if t.kind != tokPunct {
			continue
		}
		switch t.text {
		case "(":
			depth++
		case ")":
			depth--
			if depth < 0 {
				return qerrors.NewValidationError(StageStructure, "unbalanced parenthesis")
			}
		}
	}
	if depth != 0 {
		return qerrors.NewValidationError(StageStructure, "unbalanced parenthesis")
	}
	return nil
}

func checkEscapes(scan scanResult) error {
	for _, t := range scan.tokens {
		if t.kind != tokString {
			continue
		}
		s := t.text
		for i := 0; i < len(s); i++ {
			if s[i] != '\\' {
				continue
			}
			if i+1 >= len(s) {
				return qerrors.NewValidationError(StageEscape, "dangling backslash in literal")
			}
			switch s[i+1] {
			case 'n', 't', 'r', '\\', '\'', '"', '0':
				i++
			default:
				return qerrors.NewValidationErrorf(StageEscape, "invalid escape sequence \\%c", s[i+1])
			}
		}
	}
	return nil
}

func (v *Validator) checkAllowList(scan scanResult) error {
	for _, stmt := range scan.statements() {
		verb := verb(stmt)
		if verb == "" {
			return qerrors.NewValidationError(StageAllowList, "statement does not start with a keyword")
		}
		if !v.statements[verb] {
			return qerrors.NewValidationErrorf(StageAllowList, "statement %s is not allowed", verb)
		}
	}
	return nil
}

func sanitize(text string) (string, error) {
	text = strings.TrimSpace(text)
	for strings.HasSuffix(text, ";") {
		text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	}
	if text == "" {
		return "", qerrors.NewValidationError(StageSanitize, "empty query")
	}
	return text, nil
}
