package metadata

import (
	"regexp"
	"strings"
)

// Failure signatures scanned for after a command fails: C/C++ assert
// messages, Rust panics and generic error lines. The first match becomes
// the command's error field in reports.
var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Assertion .* failed`),
	regexp.MustCompile(`assertion .* failed`),
	regexp.MustCompile(`thread '.*' panicked at .*`),
	regexp.MustCompile(`(?m)^error: .*$`),
	regexp.MustCompile(`(?m)^Error: .*$`),
}

// ExtractError returns the first recognizable failure message from stderr,
// then stdout, or an empty string.
func ExtractError(stderr, stdout []byte) string {
	for _, stream := range [][]byte{stderr, stdout} {
		text := string(stream)
		for _, re := range errorPatterns {
			if m := re.FindString(text); m != "" {
				return strings.TrimSpace(m)
			}
		}
	}
	return ""
}
