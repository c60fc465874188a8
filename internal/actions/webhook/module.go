// Package webhook implements the webhook action module: an HTTP POST or PUT
// to a tenant-configured URL with a templated JSON body. Destinations pass
// through the outbound guard both at save time and at delivery time.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/formsink/formsink/internal/actions"
	"github.com/formsink/formsink/internal/actions/guard"
	"github.com/formsink/formsink/internal/actions/template"
)

const (
	moduleID       = "webhook"
	defaultTimeout = 10 * time.Second
	maxResponseLen = 1024
	validateWindow = 5 * time.Second
)

var configSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "format": "uri"},
		"method": {"type": "string", "enum": ["POST", "PUT"], "default": "POST"},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}},
		"body_template": {"type": "string"}
	},
	"required": ["url"]
}`)

// Config is the tenant-supplied webhook configuration.
type Config struct {
	URL          string            `json:"url" validate:"required,url"`
	Method       string            `json:"method" validate:"omitempty,oneof=POST PUT"`
	Headers      map[string]string `json:"headers" validate:"omitempty,max=20"`
	BodyTemplate string            `json:"body_template" validate:"omitempty,max=65536"`
}

// Module implements the webhook action.
type Module struct {
	guard    *guard.Guard
	client   *http.Client
	limiter  *rate.Limiter
	validate *validator.Validate
}

// New creates the webhook module. rps caps outbound request rate across all
// workers; zero disables limiting.
func New(g *guard.Guard, timeout time.Duration, rps float64) *Module {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	return &Module{
		guard:    g,
		client:   g.HTTPClient(timeout),
		limiter:  limiter,
		validate: validator.New(),
	}
}

// ID returns the stable action-type identifier.
func (m *Module) ID() string { return moduleID }

// Name returns the human-readable module name.
func (m *Module) Name() string { return "Webhook" }

// ConfigSchema returns the configuration schema.
func (m *Module) ConfigSchema() json.RawMessage { return configSchema }

// ValidateConfig checks tenant-supplied configuration at action-creation
// time, including a destination check so a blocked URL is rejected before it
// ever reaches the queue.
func (m *Module) ValidateConfig(config json.RawMessage) error {
	cfg, err := m.parseConfig(config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), validateWindow)
	defer cancel()
	if err := m.guard.CheckURL(ctx, cfg.URL); err != nil {
		return &actions.ConfigError{Module: moduleID, Reason: err.Error()}
	}
	return nil
}

// Execute delivers the webhook.
func (m *Module) Execute(ctx context.Context, ec *actions.ExecContext, config json.RawMessage) (*actions.Result, error) {
	cfg, err := m.parseConfig(config)
	if err != nil {
		// Config went bad after save (schema drift); no retry will fix it.
		return nil, actions.NewPermanentError(err)
	}

	// Re-check at delivery time: DNS may have changed since save.
	if err := m.guard.CheckURL(ctx, cfg.URL); err != nil {
		if errors.Is(err, guard.ErrBlockedAddress) || errors.Is(err, guard.ErrInvalidURL) {
			return nil, actions.NewPermanentError(err)
		}
		return nil, actions.NewTransientError(err)
	}

	tc := ec.TemplateContext()
	body, err := m.renderBody(cfg, ec, tc)
	if err != nil {
		return nil, actions.NewPermanentError(err)
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, strings.NewReader(body))
	if err != nil {
		return nil, actions.NewPermanentError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range cfg.Headers {
		req.Header.Set(sanitizeHeader(name), sanitizeHeader(template.Render(value, tc, template.Raw)))
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, actions.NewTransientError(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if errors.Is(err, guard.ErrBlockedAddress) {
			return nil, actions.NewPermanentError(err)
		}
		return nil, actions.NewTransientError(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	return m.handleResponse(resp)
}

func (m *Module) parseConfig(config json.RawMessage) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, &actions.ConfigError{Module: moduleID, Reason: fmt.Sprintf("parse config: %v", err)}
	}
	if err := m.validate.Struct(&cfg); err != nil {
		return nil, &actions.ConfigError{Module: moduleID, Reason: err.Error()}
	}
	return &cfg, nil
}

// renderBody builds the request body. A configured template is rendered with
// JSON escaping and must produce a valid JSON document; without a template
// the full sorted submission is sent.
func (m *Module) renderBody(cfg *Config, ec *actions.ExecContext, tc *template.Context) (string, error) {
	if cfg.BodyTemplate == "" {
		payload := map[string]any{
			"submission_id": ec.Submission.ID,
			"endpoint":      ec.Endpoint.Slug,
			"project":       ec.Project.Slug,
			"created_at":    ec.Submission.CreatedAt,
			"data":          rawOrNull(ec.Submission.Data),
			"extras":        rawOrNull(ec.Submission.Extras),
			"metadata":      rawOrNull(ec.Submission.Metadata),
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
		return string(b), nil
	}

	body := template.Render(cfg.BodyTemplate, tc, template.JSON)
	if !json.Valid([]byte(body)) {
		return "", errors.New("body template does not produce valid json")
	}
	return body, nil
}

func (m *Module) handleResponse(resp *http.Response) (*actions.Result, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLen))
	if err != nil {
		return nil, actions.NewTransientError(fmt.Errorf("read response: %w", err))
	}

	response, _ := json.Marshal(map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(body),
	})

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &actions.Result{Status: actions.LogStatusSuccess, Response: response}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &actions.ExecError{
			Category: actions.CategoryTransient,
			Err:      fmt.Errorf("rate limited by destination"),
			Response: response,
		}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &actions.ExecError{
			Category: actions.CategoryPermanent,
			Err:      fmt.Errorf("destination rejected request: status %d", resp.StatusCode),
			Response: response,
		}

	default:
		return nil, &actions.ExecError{
			Category: actions.CategoryTransient,
			Err:      fmt.Errorf("destination error: status %d", resp.StatusCode),
			Response: response,
		}
	}
}

// sanitizeHeader strips CR and LF so interpolated values cannot inject
// additional headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
