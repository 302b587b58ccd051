package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// formatOf picks the decoder: the extension wins, otherwise content that
// opens with '{' is JSON and anything else is YAML.
func formatOf(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return "json"
	}
	return "yaml"
}

// coerceToJSONBytes re-encodes a YAML document as JSON so both formats go
// through the same strict decoder. It returns the bytes and the detected
// format ("json" or "yaml").
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	format := formatOf(path, data)
	if format == "json" {
		return data, format, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, format, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	j, err := json.Marshal(jsonable(doc, false))
	if err != nil {
		return nil, format, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, format, nil
}

// jsonable makes map keys strings. Under a "metadata" key every scalar is
// rendered as a string, so `port: 8080` or `verbose: yes` fit the
// map[string]string field.
func jsonable(in any, stringify bool) any {
	switch x := in.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[k] = jsonable(v, stringify || k == "metadata")
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			ks := fmt.Sprint(k)
			out[ks] = jsonable(v, stringify || ks == "metadata")
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = jsonable(v, stringify)
		}
		return out
	}
	if !stringify {
		return in
	}
	switch x := in.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
