package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPLaneResolver reads the counter-flow lane status from a JSON endpoint
// and extracts it with a gjson path.
//
// The extracted value may be a JSON boolean, or a string or number compared
// against OpenValues and ClosedValues. Anything else resolves to unknown.
//
// Example configuration:
//
//	resolver := &HTTPLaneResolver{
//	    URL: "https://lanes.example.com/status",
//	    Headers: map[string]string{"Authorization": "Bearer {{.Token}}"},
//	    ValuePath: "bridges.#(name==\"Lions Gate\").counterFlow",
//	    TemplateVars: map[string]string{"Token": "..."},
//	}
type HTTPLaneResolver struct {
	// URL is the endpoint to call (required).
	URL string

	// Headers are sent with every request. Values may use template
	// variables: {{.Date}} (YYYY-MM-DD), {{.Unix}}, and any TemplateVars.
	Headers map[string]string

	// ValuePath is the gjson path of the status value (required).
	ValuePath string

	// OpenValues and ClosedValues match string or numeric statuses,
	// case-insensitively. They default to "open"/"1" and "closed"/"0".
	OpenValues   []string
	ClosedValues []string

	// HTTPClient is optional; if nil a client with a 5s timeout is used.
	HTTPClient *http.Client

	TemplateVars map[string]string
	Now          func() time.Time
}

// CounterFlow implements LaneResolver.
func (h *HTTPLaneResolver) CounterFlow(ctx context.Context) (*bool, error) {
	if err := h.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("lane resolver: %w", err)
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	t := now().UTC()
	templateData := map[string]any{
		"Date": t.Format("2006-01-02"),
		"Unix": t.Unix(),
	}
	for k, v := range h.TemplateVars {
		templateData[k] = v
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, templateData)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return h.parseStatus(gjson.GetBytes(body, h.ValuePath)), nil
}

func (h *HTTPLaneResolver) parseStatus(v gjson.Result) *bool {
	if !v.Exists() {
		return nil
	}
	switch v.Type {
	case gjson.True, gjson.False:
		b := v.Bool()
		return &b
	case gjson.String, gjson.Number:
		s := strings.ToLower(strings.TrimSpace(v.String()))
		if matchAny(s, h.OpenValues, "open", "1") {
			b := true
			return &b
		}
		if matchAny(s, h.ClosedValues, "closed", "0") {
			b := false
			return &b
		}
	}
	return nil
}

func matchAny(s string, values []string, defaults ...string) bool {
	if len(values) == 0 {
		values = defaults
	}
	for _, v := range values {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// renderTemplate renders a text template with the given data
func renderTemplate(tmplStr string, data map[string]any) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// ValidateConfig checks if the resolver configuration is valid
func (h *HTTPLaneResolver) ValidateConfig() error {
	if h.URL == "" {
		return errors.New("url is required")
	}
	if h.ValuePath == "" {
		return errors.New("valuePath is required")
	}
	return nil
}
