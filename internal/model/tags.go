package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tags holds the parsed tag set of a command. Tags with the "razel:" prefix
// have reserved semantics; anything else is an opaque user label.
type Tags struct {
	Quiet         bool
	Verbose       bool
	Condition     bool
	NoCache       bool
	NoRemoteCache bool
	NoSandbox     bool
	Timeout       time.Duration
	Custom        []string
}

// ParseTags parses raw tag strings. Unknown tags within the reserved
// "razel:" prefix are an error.
func ParseTags(raw []string) (Tags, error) {
	var tags Tags
	for _, s := range raw {
		rest, reserved := strings.CutPrefix(s, "razel:")
		if !reserved {
			tags.Custom = append(tags.Custom, s)
			continue
		}
		key, value, hasValue := strings.Cut(rest, ":")
		switch {
		case key == "quiet" && !hasValue:
			tags.Quiet = true
		case key == "verbose" && !hasValue:
			tags.Verbose = true
		case key == "condition" && !hasValue:
			tags.Condition = true
		case key == "no-cache" && !hasValue:
			tags.NoCache = true
		case key == "no-remote-cache" && !hasValue:
			tags.NoRemoteCache = true
		case key == "no-sandbox" && !hasValue:
			tags.NoSandbox = true
		case key == "timeout" && hasValue:
			secs, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return tags, fmt.Errorf("failed to parse timeout: %s", s)
			}
			tags.Timeout = time.Duration(secs) * time.Second
		case key == "timeout":
			return tags, fmt.Errorf("timeout value missing: %s", s)
		default:
			return tags, fmt.Errorf("unknown tag (razel prefix is reserved): %s", s)
		}
	}
	return tags, nil
}

// Strings renders the tag set back into its wire form, custom labels last.
func (t Tags) Strings() []string {
	var out []string
	if t.Quiet {
		out = append(out, "razel:quiet")
	}
	if t.Verbose {
		out = append(out, "razel:verbose")
	}
	if t.Condition {
		out = append(out, "razel:condition")
	}
	if t.NoCache {
		out = append(out, "razel:no-cache")
	}
	if t.NoRemoteCache {
		out = append(out, "razel:no-remote-cache")
	}
	if t.NoSandbox {
		out = append(out, "razel:no-sandbox")
	}
	if t.Timeout > 0 {
		out = append(out, fmt.Sprintf("razel:timeout:%d", int(t.Timeout.Seconds())))
	}
	out = append(out, t.Custom...)
	return out
}
