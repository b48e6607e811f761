package template

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var indexPattern = regexp.MustCompile(`\[([^\]]*)\]`)

// KeyPath locates a key inside a JSON payload, in gjson syntax.
type KeyPath string

// ParseKeyPath accepts gjson paths (meta.id) and the JSONPath subset
// $.meta.id, $.items[0].id and $.items[*].id.
func ParseKeyPath(path string) KeyPath {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	path = indexPattern.ReplaceAllStringFunc(path, func(m string) string {
		if idx := m[1 : len(m)-1]; idx != "*" {
			return "." + idx
		}
		return ".#"
	})
	return KeyPath(path)
}

// Extract returns the value at p as a string. It reports false for bodies
// that are not JSON or lack the key.
func (p KeyPath) Extract(body []byte) (string, bool) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return "", false
	}
	v := gjson.GetBytes(body, string(p))
	if !v.Exists() {
		return "", false
	}
	return v.String(), true
}
