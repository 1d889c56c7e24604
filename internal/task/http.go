package task

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

func downloadFileTask() *Task {
	return &Task{
		Name: "download-file",
		Parse: func(args []string) (Invocation, error) {
			_, output, _, err := parseDownloadArgs(args)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{Outputs: []string{output}}, nil
		},
		Run: func(ctx context.Context, args []string) error {
			url, output, executable, err := parseDownloadArgs(args)
			if err != nil {
				return err
			}
			return downloadFile(ctx, url, output, executable)
		},
	}
}

func parseDownloadArgs(args []string) (url, output string, executable bool, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-u", "--url":
			i++
			if i == len(args) {
				return "", "", false, fmt.Errorf("download-file: missing value for %s", args[i-1])
			}
			url = args[i]
		case "-o", "--output":
			i++
			if i == len(args) {
				return "", "", false, fmt.Errorf("download-file: missing value for %s", args[i-1])
			}
			output = args[i]
		case "-e", "--executable":
			executable = true
		default:
			return "", "", false, fmt.Errorf("download-file: unexpected argument %q", args[i])
		}
	}
	if url == "" || output == "" {
		return "", "", false, fmt.Errorf("download-file: --url and --output are required")
	}
	return url, output, executable, nil
}

func downloadFile(ctx context.Context, url, output string, executable bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: %s", url, resp.Status)
	}
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
