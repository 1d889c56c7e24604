package buildfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	rzerr "github.com/razelbuild/razel/internal/errors"
)

// ImportBatch converts a batch file, one whitespace-separated command per
// line, into razel.jsonl lines. Lines starting with # are skipped; command
// names are derived from the file name and line number.
func ImportBatch(batchPath, outPath string) (int, error) {
	in, err := os.Open(batchPath)
	if err != nil {
		return 0, rzerr.NewLoadError(fmt.Sprintf("opening batch file: %v", err), "")
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	writer := bufio.NewWriter(out)

	count := 0
	lineNumber := 0
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words := strings.Fields(line)
		entry := commandJSON{
			Name:       fmt.Sprintf("%s.%d", batchPath, lineNumber),
			Executable: words[0],
			Args:       words[1:],
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return count, err
		}
		writer.Write(data)
		writer.WriteByte('\n')
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	return count, writer.Flush()
}
