package task

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
)

func writeFileTask() *Task {
	return &Task{
		Name: "write-file",
		Parse: func(args []string) (Invocation, error) {
			if len(args) < 1 {
				return Invocation{}, fmt.Errorf("write-file: missing file argument")
			}
			return Invocation{Outputs: args[:1]}, nil
		},
		Run: func(ctx context.Context, args []string) error {
			text := strings.Join(args[1:], "\n") + "\n"
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if _, err := f.WriteString(text); err != nil {
				f.Close()
				return err
			}
			if err := f.Sync(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
}

func ensureEqualTask() *Task {
	return &Task{
		Name:  "ensure-equal",
		Parse: parseTwoInputs("ensure-equal"),
		Run: func(ctx context.Context, args []string) error {
			equal, err := filesEqual(args[0], args[1])
			if err != nil {
				return err
			}
			if !equal {
				return fmt.Errorf("files differ: %s %s", args[0], args[1])
			}
			return nil
		},
	}
}

func ensureNotEqualTask() *Task {
	return &Task{
		Name:  "ensure-not-equal",
		Parse: parseTwoInputs("ensure-not-equal"),
		Run: func(ctx context.Context, args []string) error {
			equal, err := filesEqual(args[0], args[1])
			if err != nil {
				return err
			}
			if equal {
				return fmt.Errorf("files are equal: %s %s", args[0], args[1])
			}
			return nil
		},
	}
}

func captureRegexTask() *Task {
	return &Task{
		Name: "capture-regex",
		Parse: func(args []string) (Invocation, error) {
			if len(args) != 3 {
				return Invocation{}, fmt.Errorf("capture-regex: expected <input> <output> <regex>")
			}
			if _, err := regexp.Compile(args[2]); err != nil {
				return Invocation{}, fmt.Errorf("capture-regex: %w", err)
			}
			return Invocation{Inputs: args[:1], Outputs: args[1:2]}, nil
		},
		Run: func(ctx context.Context, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			re, err := regexp.Compile(args[2])
			if err != nil {
				return err
			}
			m := re.FindSubmatch(data)
			if len(m) < 2 {
				return fmt.Errorf("regex did not capture a value: %s", args[2])
			}
			return os.WriteFile(args[1], append(m[1], '\n'), 0o644)
		},
	}
}

func parseTwoInputs(name string) func(args []string) (Invocation, error) {
	return func(args []string) (Invocation, error) {
		if len(args) != 2 {
			return Invocation{}, fmt.Errorf("%s: expected exactly two files", name)
		}
		return Invocation{Inputs: args}, nil
	}
}

func filesEqual(a, b string) (bool, error) {
	da, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}
