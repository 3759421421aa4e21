package policy

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeFlight canonicalises a flight designator ("ar  1234" -> "AR 1234")
// so that the oracle always receives the same spelling.
func NormalizeFlight(s string) string {
	s = norm.NFKC.String(s)
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
