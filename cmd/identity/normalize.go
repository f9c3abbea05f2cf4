package identity

import (
	"strings"

	"github.com/samber/lo"
)

// maxUserIDLen bounds ids accepted from clients; directory ids are ULIDs or UUIDs.
const maxUserIDLen = 64

// NormalizeUserID trims surrounding whitespace. Ids are case-sensitive opaque strings.
func NormalizeUserID(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeUserIDs trims, drops empties and de-duplicates while keeping first-seen order.
func NormalizeUserIDs(ids []string) []string {
	out := lo.Map(ids, func(id string, _ int) string { return NormalizeUserID(id) })
	out = lo.Compact(out)
	return lo.Uniq(out)
}

// ValidUserID reports whether id is a syntactically acceptable user id.
func ValidUserID(id string) bool {
	if id == "" || len(id) > maxUserIDLen {
		return false
	}
	return !strings.ContainsAny(id, " \t\r\n")
}
