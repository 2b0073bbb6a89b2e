package adapters

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// New creates an adapter from its kind and a generic configuration map.
//
// Supported kinds:
//   - "synthetic": SyntheticAdapter (no keys required)
//   - "tomtom": TomTomAdapter; requires "apiKey", optional "baseURL"
//
// Both accept an optional "timezone" (IANA name) used for local time rules.
func New(kind string, config map[string]string) (Adapter, error) {
	loc, err := location(config)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "synthetic":
		return &SyntheticAdapter{Location: loc}, nil
	case "tomtom":
		return newTomTom(config)
	default:
		return nil, fmt.Errorf("unknown adapter kind: %s (must be synthetic or tomtom)", kind)
	}
}

func newTomTom(config map[string]string) (Adapter, error) {
	key := config["apiKey"]
	if key == "" {
		return nil, fmt.Errorf("tomtom adapter requires 'apiKey' config")
	}

	base := strings.TrimRight(config["baseURL"], "/")
	if base == "" {
		base = DefaultTomTomURL
	}

	return &TomTomAdapter{
		APIKey:  key,
		BaseURL: base,
	}, nil
}

// NewLaneResolver creates a LaneResolver from a generic configuration map.
// Without a "url" the status is always unknown.
//
// Keys: "url", "valuePath" (required with url), "headers" (JSON object),
// "templateVars" (JSON object), "openValues" and "closedValues"
// (comma-separated).
func NewLaneResolver(config map[string]string) (LaneResolver, error) {
	url := config["url"]
	if url == "" {
		return UnknownLanes{}, nil
	}

	valuePath := config["valuePath"]
	if valuePath == "" {
		return nil, fmt.Errorf("lane resolver requires 'valuePath' config")
	}

	var headers map[string]string
	if headersJSON := config["headers"]; headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}

	var templateVars map[string]string
	if varsJSON := config["templateVars"]; varsJSON != "" {
		if err := json.Unmarshal([]byte(varsJSON), &templateVars); err != nil {
			return nil, fmt.Errorf("invalid 'templateVars' JSON: %w", err)
		}
	}

	return &HTTPLaneResolver{
		URL:          url,
		Headers:      headers,
		ValuePath:    valuePath,
		OpenValues:   splitList(config["openValues"]),
		ClosedValues: splitList(config["closedValues"]),
		TemplateVars: templateVars,
	}, nil
}

func location(config map[string]string) (*time.Location, error) {
	name := config["timezone"]
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid 'timezone' config: %w", err)
	}
	return loc, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
