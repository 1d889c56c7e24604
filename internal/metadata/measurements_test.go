package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCTestMeasurement(t *testing.T) {
	stdout := []byte(`<CTestMeasurement name="score" type="numeric/float">12.3</CTestMeasurement>`)
	ms := ParseMeasurements(stdout)
	require.Len(t, ms, 1)
	assert.Equal(t, Measurement{Name: "score", Type: "numeric/float", Value: "12.3"}, ms[0])
}

func TestParseDartMeasurement(t *testing.T) {
	stdout := []byte(`<DartMeasurement name="color" type="text/string">blue</DartMeasurement>`)
	ms := ParseMeasurements(stdout)
	require.Len(t, ms, 1)
	assert.Equal(t, "color", ms[0].Name)
	assert.Equal(t, "blue", ms[0].Value)
}

func TestParseMeasurementAttributeOrder(t *testing.T) {
	// Some producers emit type before name.
	stdout := []byte(`<CTestMeasurement type="numeric/integer" name="count">7</CTestMeasurement>`)
	ms := ParseMeasurements(stdout)
	require.Len(t, ms, 1)
	assert.Equal(t, "count", ms[0].Name)
	assert.Equal(t, "numeric/integer", ms[0].Type)
}

func TestParseMixedMeasurements(t *testing.T) {
	stdout := []byte(`noise
<CTestMeasurement name="score" type="numeric/float">12.3</CTestMeasurement>
more noise
<DartMeasurement name="color" type="text/string">blue</DartMeasurement>`)
	ms := ParseMeasurements(stdout)
	assert.Len(t, ms, 2)
}

func TestParseMeasurementsNone(t *testing.T) {
	assert.Empty(t, ParseMeasurements([]byte("plain output")))
}

func TestMeasurementsCSV(t *testing.T) {
	rows := map[string][]Measurement{
		"b": {{Name: "score", Value: "1.5"}},
		"a": {{Name: "color", Value: "red"}, {Name: "score", Value: "2"}},
	}
	csv := MeasurementsCSV(rows)
	assert.Equal(t, "command,color,score\na,red,2\nb,,1.5\n", csv)
}

func TestExtractError(t *testing.T) {
	cases := []struct {
		stderr string
		want   string
	}{
		{"foo\nAssertion `x > 0` failed\nbar", "Assertion `x > 0` failed"},
		{"thread 'main' panicked at src/lib.rs:4", "thread 'main' panicked at src/lib.rs:4"},
		{"error: something broke", "error: something broke"},
		{"all fine", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtractError([]byte(tc.stderr), nil), tc.stderr)
	}
}

func TestExtractErrorFallsBackToStdout(t *testing.T) {
	got := ExtractError(nil, []byte("error: only on stdout"))
	assert.Equal(t, "error: only on stdout", got)
}
