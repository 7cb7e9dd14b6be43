package schema

import (
	"encoding/json"
	"regexp"
	"strings"
)

var trailingCommaRE = regexp.MustCompile(`,(\s*[}\]])`)

// ParseRelaxedJSON exposes the relaxed reader for callers handed JSON-shaped
// argument bodies instead of markup.
func ParseRelaxedJSON(s string) (any, error) {
	return relaxedUnmarshal(s)
}

// relaxedUnmarshal parses JSON the way a model writes it: strict parse first,
// then a cleanup pass for the two failure modes that dominate in practice,
// trailing commas and single-quoted strings.
func relaxedUnmarshal(s string) (any, error) {
	var v any
	err := json.Unmarshal([]byte(s), &v)
	if err == nil {
		return v, nil
	}
	fixed := fixCommonJSONIssues(s)
	if fixed != s {
		var v2 any
		if err2 := json.Unmarshal([]byte(fixed), &v2); err2 == nil {
			return v2, nil
		}
	}
	return nil, err
}

func fixCommonJSONIssues(s string) string {
	s = trailingCommaRE.ReplaceAllString(s, "$1")
	// Whole-document single quotes only: mixed quoting is too ambiguous to
	// rewrite safely.
	if !strings.Contains(s, `"`) && strings.Contains(s, `'`) {
		s = strings.ReplaceAll(s, `'`, `"`)
	}
	return s
}
