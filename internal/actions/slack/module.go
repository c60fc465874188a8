// Package slack implements the Slack action module via Incoming Webhooks.
// The webhook URL is tenant-supplied, so it passes through the outbound
// guard like any other destination.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"github.com/formsink/formsink/internal/actions"
	"github.com/formsink/formsink/internal/actions/guard"
	"github.com/formsink/formsink/internal/actions/template"
)

const (
	moduleID       = "slack"
	defaultTimeout = 10 * time.Second
	maxResponseLen = 1024
	validateWindow = 5 * time.Second
)

var configSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"webhook_url": {"type": "string", "format": "uri"},
		"message": {"type": "string"},
		"username": {"type": "string"},
		"icon_emoji": {"type": "string"}
	},
	"required": ["webhook_url"]
}`)

// Config is the tenant-supplied Slack configuration. Message is a template;
// when empty, a summary of the submission's sorted fields is posted.
type Config struct {
	WebhookURL string `json:"webhook_url" validate:"required,url"`
	Message    string `json:"message" validate:"omitempty,max=16384"`
	Username   string `json:"username" validate:"omitempty,max=80"`
	IconEmoji  string `json:"icon_emoji" validate:"omitempty,max=80"`
}

// Module implements the Slack action.
type Module struct {
	guard    *guard.Guard
	client   *http.Client
	limiter  *rate.Limiter
	validate *validator.Validate
	titler   cases.Caser
}

// New creates the Slack module. rps caps outbound request rate across all
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
		titler:   cases.Title(language.English),
	}
}

// ID returns the stable action-type identifier.
func (m *Module) ID() string { return moduleID }

// Name returns the human-readable module name.
func (m *Module) Name() string { return "Slack" }

// ConfigSchema returns the configuration schema.
func (m *Module) ConfigSchema() json.RawMessage { return configSchema }

// ValidateConfig checks tenant-supplied configuration at action-creation
// time, including the destination guard.
func (m *Module) ValidateConfig(config json.RawMessage) error {
	cfg, err := m.parseConfig(config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), validateWindow)
	defer cancel()
	if err := m.guard.CheckURL(ctx, cfg.WebhookURL); err != nil {
		return &actions.ConfigError{Module: moduleID, Reason: err.Error()}
	}
	return nil
}

type webhookPayload struct {
	Text      string `json:"text"`
	Username  string `json:"username,omitempty"`
	IconEmoji string `json:"icon_emoji,omitempty"`
}

// Execute posts the message to the configured Incoming Webhook.
func (m *Module) Execute(ctx context.Context, ec *actions.ExecContext, config json.RawMessage) (*actions.Result, error) {
	cfg, err := m.parseConfig(config)
	if err != nil {
		return nil, actions.NewPermanentError(err)
	}

	if err := m.guard.CheckURL(ctx, cfg.WebhookURL); err != nil {
		if errors.Is(err, guard.ErrBlockedAddress) || errors.Is(err, guard.ErrInvalidURL) {
			return nil, actions.NewPermanentError(err)
		}
		return nil, actions.NewTransientError(err)
	}

	payload := webhookPayload{
		Text:      m.buildText(cfg, ec),
		Username:  cfg.Username,
		IconEmoji: cfg.IconEmoji,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, actions.NewPermanentError(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, actions.NewPermanentError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

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

// buildText renders the configured message template, or formats a default
// field summary when no template is configured.
func (m *Module) buildText(cfg *Config, ec *actions.ExecContext) string {
	tc := ec.TemplateContext()
	if cfg.Message != "" {
		return template.Render(cfg.Message, tc, template.Raw)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*New submission on %s / %s*\n", tc.Project.Name, tc.Endpoint.Name)

	names := make([]string, 0, len(tc.Data))
	for name := range tc.Data {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		label := m.titler.String(strings.ReplaceAll(name, "_", " "))
		fmt.Fprintf(&b, "• *%s*: %s\n", label, formatValue(tc.Data[name]))
	}

	fmt.Fprintf(&b, "_%s_", tc.Submission.CreatedAt.Format(time.RFC1123))
	return b.String()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
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
	case resp.StatusCode == http.StatusOK:
		return &actions.Result{Status: actions.LogStatusSuccess, Response: response}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &actions.ExecError{
			Category: actions.CategoryTransient,
			Err:      errors.New("rate limited by slack"),
			Response: response,
		}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &actions.ExecError{
			Category: actions.CategoryPermanent,
			Err:      fmt.Errorf("slack rejected request: status %d", resp.StatusCode),
			Response: response,
		}

	default:
		return nil, &actions.ExecError{
			Category: actions.CategoryTransient,
			Err:      fmt.Errorf("slack error: status %d", resp.StatusCode),
			Response: response,
		}
	}
}
