package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/graph"
	"github.com/teranos/testpulse/results"
)

// JSONOutput is set by the root --json flag
var JSONOutput bool

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to format JSON")
	}
	fmt.Println(string(data))
	return nil
}

// render prints v as JSON under --json, otherwise calls table
func render(v interface{}, table func() error) error {
	if JSONOutput {
		return printJSON(v)
	}
	return table()
}

func printTable(header []string, rows [][]string) error {
	if len(rows) == 0 {
		pterm.Info.Println("Nothing to show")
		return nil
	}
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func fmtOutcome(o results.Outcome) string {
	switch o {
	case results.Pass:
		return pterm.Green(string(o))
	case results.Fail, results.Error:
		return pterm.Red(string(o))
	case results.Skip:
		return pterm.Yellow(string(o))
	case "":
		return "-"
	}
	return string(o)
}

func fmtIDs(ids []int64) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

// parseIDs accepts ids as separate arguments or comma-separated
func parseIDs(args []string) ([]int64, error) {
	var ids []int64
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := parseID(part)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, errors.NewValidationError("at least one test case id is required")
	}
	return ids, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewValidationError("invalid id %q: must be a positive integer", s)
	}
	return id, nil
}

// parseParams turns key=value pairs into execution parameters. Values that
// parse as JSON (numbers, booleans, objects) keep their type.
func parseParams(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.NewValidationError("invalid parameter %q: expected key=value", pair)
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}

// parseCondition reads the condition flags of `deps add`. At most one may be set.
func parseCondition(result, status string, minPassRate float64, recent int) (*graph.Condition, error) {
	set := 0
	var c *graph.Condition
	if result != "" {
		set++
		c = graph.ResultIs(results.Outcome(result))
	}
	if status != "" {
		set++
		c = graph.StatusIs(results.Status(status))
	}
	if minPassRate > 0 {
		set++
		c = graph.PassRateAtLeast(minPassRate, recent)
	}
	if set > 1 {
		return nil, errors.NewValidationError("use only one of --result, --status and --min-pass-rate")
	}
	if c == nil && recent > 0 {
		return nil, errors.NewValidationError("--recent needs --min-pass-rate")
	}
	return c, nil
}
