package validator

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/results"
	"github.com/xeipuuv/gojsonschema"
	"sigs.k8s.io/yaml"
)

//go:embed schema.yaml
var defaultSchema []byte

type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

type Options struct {
	// SchemaPath overrides the built-in request schema. JSON or YAML.
	SchemaPath string
}

type Validator struct {
	schemaLoader gojsonschema.JSONLoader
}

type Result struct {
	Valid       bool          `json:"valid"`
	Errors      []string      `json:"errors,omitempty"`
	Checks      []CheckResult `json:"checks,omitempty"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

type CheckResult struct {
	Name     string            `json:"name"`
	Status   Status            `json:"status"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func New(opts Options) (*Validator, error) {
	raw := defaultSchema
	if opts.SchemaPath != "" {
		data, err := os.ReadFile(filepath.Clean(opts.SchemaPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema: %w", err)
		}
		raw = data
	}
	schema, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return &Validator{schemaLoader: gojsonschema.NewBytesLoader(schema)}, nil
}

// Validate checks a campaign request. payload is the raw request document
// when one is available; otherwise req is marshalled for the schema pass.
func (v *Validator) Validate(payload []byte, req *campaign.Request) Result {
	result := Result{Valid: true, GeneratedAt: time.Now()}

	if req == nil {
		result.Valid = false
		result.Errors = append(result.Errors, "campaign request missing")
		return result
	}

	raw := payload
	if len(raw) == 0 {
		b, err := json.Marshal(req)
		if err == nil {
			raw = b
		}
	}

	if v.schemaLoader != nil && len(raw) > 0 {
		schemaResult, err := gojsonschema.Validate(v.schemaLoader, gojsonschema.NewBytesLoader(raw))
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("schema validation error: %v", err))
		} else if !schemaResult.Valid() {
			result.Valid = false
			for _, e := range schemaResult.Errors() {
				result.Errors = append(result.Errors, e.String())
			}
		}
	}

	result.Checks = append(result.Checks, checkCategories(req))
	result.Checks = append(result.Checks, checkEndpoint(req))
	result.Checks = append(result.Checks, checkVolume(req))

	for _, check := range result.Checks {
		if check.Status == StatusFail {
			result.Valid = false
			break
		}
	}

	return result
}

func checkCategories(req *campaign.Request) CheckResult {
	if len(req.Categories) == 0 {
		return CheckResult{Name: "categories", Status: StatusFail, Message: "no probe categories selected"}
	}
	var unknown []string
	for _, c := range req.Categories {
		if !results.KnownCategory(c) {
			unknown = append(unknown, c)
		}
	}
	if len(unknown) > 0 {
		return CheckResult{
			Name:     "categories",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("categories without a tuned baseline: %s", strings.Join(unknown, ", ")),
			Metadata: map[string]string{"unknown": strings.Join(unknown, ",")},
		}
	}
	return CheckResult{Name: "categories", Status: StatusPass, Message: fmt.Sprintf("%d categories selected", len(req.Categories))}
}

func checkEndpoint(req *campaign.Request) CheckResult {
	endpoint := strings.TrimSpace(req.Target.Endpoint)
	if endpoint == "" {
		return CheckResult{Name: "endpoint", Status: StatusPass, Message: "provider default endpoint"}
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return CheckResult{Name: "endpoint", Status: StatusFail, Message: fmt.Sprintf("endpoint %q is not an http(s) URL", endpoint)}
	}
	if u.Scheme == "http" {
		return CheckResult{Name: "endpoint", Status: StatusWarn, Message: "endpoint is not using TLS", Metadata: map[string]string{"host": u.Host}}
	}
	return CheckResult{Name: "endpoint", Status: StatusPass, Message: fmt.Sprintf("endpoint %s", u.Host), Metadata: map[string]string{"host": u.Host}}
}

// checkVolume warns about campaigns large enough to run into the run timeout.
func checkVolume(req *campaign.Request) CheckResult {
	per := req.ProbesPerCategory
	if per <= 0 {
		return CheckResult{Name: "volume", Status: StatusPass, Message: "server default probe count"}
	}
	total := per * len(req.Categories)
	meta := map[string]string{"probes": fmt.Sprintf("%d", total)}
	if total > 200 {
		return CheckResult{Name: "volume", Status: StatusWarn, Message: fmt.Sprintf("%d probes may exceed the campaign timeout", total), Metadata: meta}
	}
	return CheckResult{Name: "volume", Status: StatusPass, Message: fmt.Sprintf("%d probes", total), Metadata: meta}
}
