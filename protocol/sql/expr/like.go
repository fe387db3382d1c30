package expr

import (
	"regexp"
	"strings"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/types"
)

// compileLike translates a LIKE pattern into an anchored regular
// expression. % matches any run, _ one character and \ escapes the next one.
func compileLike(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?s)")
	if caseInsensitive {
		sb.WriteString("(?i)")
	}
	sb.WriteByte('^')
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			sb.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			sb.WriteString(".*")
		case r == '_':
			sb.WriteByte('.')
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		return nil, qerrors.NewExecutionError(op, "LIKE pattern must not end with escape character")
	}
	sb.WriteByte('$')
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, qerrors.NewExecutionErrorf(op, "invalid LIKE pattern %q", pattern)
	}
	return re, nil
}

func likeMatch(v types.Value, re *regexp.Regexp, not bool) types.Value {
	if v.IsNull() {
		return types.Null()
	}
	return boolValue(re.MatchString(textOf(v)) != not)
}
