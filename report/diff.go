package report

import (
	"encoding/json"
	"fmt"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// DiffState compares two JSON documents of guest state. It returns a
// readable diff and whether they differ.
func DiffState(expected, actual []byte, color bool) (string, bool, error) {
	delta, err := gojsondiff.New().Compare(expected, actual)
	if err != nil {
		return "", false, fmt.Errorf("diffing state: %w", err)
	}
	if !delta.Modified() {
		return "", false, nil
	}
	var left map[string]interface{}
	if err := json.Unmarshal(expected, &left); err != nil {
		return "", true, err
	}
	asciiFmt := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       color,
	})
	out, err := asciiFmt.Format(delta)
	if err != nil {
		return "", true, fmt.Errorf("formatting diff: %w", err)
	}
	return out, true, nil
}
