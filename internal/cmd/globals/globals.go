// Package globals provides shared flag structures and utilities for CLI commands.
package globals

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentstation/eventhub/pkg/errors"
)

// DataFlags holds repeated key=value pairs that become event data.
type DataFlags struct {
	Pairs []string
}

// AddDataFlags registers a repeatable key=value flag on cmd.
func AddDataFlags(cmd *cobra.Command, name, usage string) *DataFlags {
	flags := &DataFlags{}
	cmd.Flags().StringArrayVar(&flags.Pairs, name, nil, usage)
	return flags
}

// Map parses the collected pairs. See ParseData.
func (f *DataFlags) Map() (map[string]any, error) {
	return ParseData(f.Pairs)
}

// ParseData turns key=value pairs into event data. A value that parses as
// JSON keeps its JSON type, anything else is kept as a string. An empty
// input yields nil.
func ParseData(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	data := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.NewValidationError("data", pair, "expected key=value")
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		data[key] = value
	}
	return data, nil
}
