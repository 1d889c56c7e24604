// Package metadata parses measurements and failure details out of command
// output and assembles the per-run report files.
package metadata

import (
	"regexp"
	"sort"
	"strings"
)

// Measurement is one (name, type, value) triple reported by a command.
// Recognized types are numeric/double, numeric/integer and text/string;
// unknown types are kept as strings.
type Measurement struct {
	Name  string
	Type  string
	Value string
}

// Both tag forms share the grammar; <DartMeasurement> is the old spelling.
var measurementRes = []*regexp.Regexp{
	regexp.MustCompile(`<CTestMeasurement\s+([^>]+)>([^<]*)</CTestMeasurement>`),
	regexp.MustCompile(`<DartMeasurement\s+([^>]+)>([^<]*)</DartMeasurement>`),
}

var attrRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseMeasurements scans stdout for measurement tags.
func ParseMeasurements(stdout []byte) []Measurement {
	var out []Measurement
	text := string(stdout)
	for _, re := range measurementRes {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			attrs := map[string]string{}
			for _, kv := range attrRe.FindAllStringSubmatch(m[1], -1) {
				attrs[kv[1]] = kv[2]
			}
			name := attrs["name"]
			if name == "" {
				continue
			}
			out = append(out, Measurement{
				Name:  name,
				Type:  attrs["type"],
				Value: m[2],
			})
		}
	}
	return out
}

// MeasurementsCSV renders rows of (command, measurements...) with a header
// spanning the union of measurement names, sorted.
func MeasurementsCSV(rows map[string][]Measurement) string {
	nameSet := map[string]bool{}
	for _, ms := range rows {
		for _, m := range ms {
			nameSet[m.Name] = true
		}
	}
	names := make([]string, 0, len(nameSet))
	for n := range nameSet {
		names = append(names, n)
	}
	sort.Strings(names)

	commands := make([]string, 0, len(rows))
	for c := range rows {
		commands = append(commands, c)
	}
	sort.Strings(commands)

	var b strings.Builder
	b.WriteString("command")
	for _, n := range names {
		b.WriteByte(',')
		b.WriteString(csvEscape(n))
	}
	b.WriteByte('\n')
	for _, c := range commands {
		values := map[string]string{}
		for _, m := range rows[c] {
			values[m.Name] = m.Value
		}
		b.WriteString(csvEscape(c))
		for _, n := range names {
			b.WriteByte(',')
			b.WriteString(csvEscape(values[n]))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func csvEscape(s string) string {
	if strings.ContainsAny(s, ",\"\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}
