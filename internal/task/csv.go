package task

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"
)

func csvConcatTask() *Task {
	return &Task{
		Name: "csv-concat",
		Parse: func(args []string) (Invocation, error) {
			if len(args) < 2 {
				return Invocation{}, fmt.Errorf("csv-concat: expected <input>... <output>")
			}
			return Invocation{Inputs: args[:len(args)-1], Outputs: args[len(args)-1:]}, nil
		},
		Run: func(ctx context.Context, args []string) error {
			return csvConcat(args[:len(args)-1], args[len(args)-1])
		},
	}
}

// csvConcat writes the header once; all inputs must agree on it.
func csvConcat(inputs []string, output string) error {
	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()
	writer := csv.NewWriter(out)

	var combinedHeader []string
	for _, input := range inputs {
		header, err := copyRecords(input, writer, combinedHeader)
		if err != nil {
			return err
		}
		combinedHeader = header
	}
	writer.Flush()
	return writer.Error()
}

func copyRecords(input string, writer *csv.Writer, combinedHeader []string) ([]string, error) {
	f, err := os.Open(input)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", input, err)
	}
	if combinedHeader == nil {
		combinedHeader = header
		if err := writer.Write(header); err != nil {
			return nil, err
		}
	} else if !slices.Equal(header, combinedHeader) {
		return nil, fmt.Errorf("headers do not match: %s", input)
	}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	return combinedHeader, nil
}

func csvFilterTask() *Task {
	return &Task{
		Name: "csv-filter",
		Parse: func(args []string) (Invocation, error) {
			input, output, _, err := parseCsvFilterArgs(args)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{Inputs: []string{input}, Outputs: []string{output}}, nil
		},
		Run: func(ctx context.Context, args []string) error {
			input, output, cols, err := parseCsvFilterArgs(args)
			if err != nil {
				return err
			}
			return csvFilter(input, output, cols)
		},
	}
}

func parseCsvFilterArgs(args []string) (input, output string, cols []string, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-i", "--input":
			i++
			if i == len(args) {
				return "", "", nil, fmt.Errorf("csv-filter: missing value for %s", args[i-1])
			}
			input = args[i]
		case "-o", "--output":
			i++
			if i == len(args) {
				return "", "", nil, fmt.Errorf("csv-filter: missing value for %s", args[i-1])
			}
			output = args[i]
		case "-c", "--col":
			for i+1 < len(args) && len(args[i+1]) > 0 && args[i+1][0] != '-' {
				i++
				cols = append(cols, args[i])
			}
		default:
			return "", "", nil, fmt.Errorf("csv-filter: unexpected argument %q", args[i])
		}
	}
	if input == "" || output == "" {
		return "", "", nil, fmt.Errorf("csv-filter: --input and --output are required")
	}
	return input, output, cols, nil
}

// csvFilter keeps only the given columns, in header order. An empty column
// list keeps everything.
func csvFilter(input, output string, cols []string) error {
	in, err := os.Open(input)
	if err != nil {
		return err
	}
	defer in.Close()
	reader := csv.NewReader(in)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("reading header of %s: %w", input, err)
	}

	keep := make([]int, 0, len(header))
	for i, name := range header {
		if len(cols) == 0 || slices.Contains(cols, name) {
			keep = append(keep, i)
		}
	}
	for _, name := range cols {
		if !slices.Contains(header, name) {
			return fmt.Errorf("column not found in %s: %s", input, name)
		}
	}

	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()
	writer := csv.NewWriter(out)
	project := func(record []string) []string {
		row := make([]string, 0, len(keep))
		for _, i := range keep {
			row = append(row, record[i])
		}
		return row
	}
	if err := writer.Write(project(header)); err != nil {
		return err
	}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := writer.Write(project(record)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
