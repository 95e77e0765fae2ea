package validator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oremus-labs/ol-redteam/internal/campaign"
)

func validRequest() *campaign.Request {
	return &campaign.Request{
		Target:            campaign.Target{Provider: "openai", Model: "gpt-4o-mini", Endpoint: "https://api.example.com/v1"},
		Categories:        []string{"prompt_injection", "jailbreak"},
		ProbesPerCategory: 5,
	}
}

func checkByName(t *testing.T, res Result, name string) CheckResult {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s missing from %+v", name, res.Checks)
	return CheckResult{}
}

func TestValidatorAcceptsValidRequest(t *testing.T) {
	v, err := New(Options{})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	res := v.Validate(nil, validRequest())
	if !res.Valid {
		t.Fatalf("expected validation to pass: %+v", res)
	}
	if c := checkByName(t, res, "endpoint"); c.Status != StatusPass || c.Metadata["host"] != "api.example.com" {
		t.Fatalf("unexpected endpoint check: %+v", c)
	}
}

func TestValidatorSchemaFailures(t *testing.T) {
	v, err := New(Options{})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	payload := []byte(`{"target":{"provider":"openai"},"categories":["jailbreak"],"probes_per_category":0}`)
	req := &campaign.Request{Target: campaign.Target{Provider: "openai"}, Categories: []string{"jailbreak"}}
	res := v.Validate(payload, req)
	if res.Valid {
		t.Fatalf("expected schema failure")
	}
	joined := strings.Join(res.Errors, "\n")
	if !strings.Contains(joined, "model") || !strings.Contains(joined, "probes_per_category") {
		t.Fatalf("expected model and probes_per_category errors, got:\n%s", joined)
	}
}

func TestValidatorChecks(t *testing.T) {
	v, err := New(Options{})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	req := validRequest()
	req.Categories = []string{"data_exfiltration"}
	req.Target.Endpoint = "http://10.0.0.5:8000"
	req.ProbesPerCategory = 50
	res := v.Validate(nil, req)
	if !res.Valid {
		t.Fatalf("warnings must not fail validation: %+v", res)
	}
	if c := checkByName(t, res, "categories"); c.Status != StatusWarn {
		t.Fatalf("expected warning for unknown category: %+v", c)
	}
	if c := checkByName(t, res, "endpoint"); c.Status != StatusWarn {
		t.Fatalf("expected TLS warning: %+v", c)
	}

	req.Target.Endpoint = "ftp://example.com"
	if res := v.Validate(nil, req); res.Valid {
		t.Fatalf("expected invalid endpoint to fail")
	}
}

func TestValidatorNilRequest(t *testing.T) {
	v, err := New(Options{})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	if res := v.Validate(nil, nil); res.Valid || len(res.Errors) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestValidatorCustomSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.json")
	schema := `{"type":"object","required":["system_prompt"]}`
	if err := os.WriteFile(path, []byte(schema), 0o644); err != nil {
		t.Fatalf("failed to write schema: %v", err)
	}

	v, err := New(Options{SchemaPath: path})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	if res := v.Validate(nil, validRequest()); res.Valid {
		t.Fatalf("expected custom schema to require system_prompt")
	}
}
