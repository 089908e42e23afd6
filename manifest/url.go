package manifest

import (
	"net/url"
	"strings"
)

// Resolve returns target relative to base. Absolute targets and targets
// that cannot be parsed are returned unchanged.
func Resolve(target, base string) string {
	if base == "" || strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	b, err := url.Parse(base)
	if err != nil {
		return target
	}
	t, err := url.Parse(target)
	if err != nil {
		return target
	}
	return b.ResolveReference(t).String()
}
