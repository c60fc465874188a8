// Package email implements the email action module. Delivery uses the
// tenant's own stored SMTP configuration; there is no shared outbound relay,
// so a tenant without SMTP credentials cannot send email actions.
package email

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/gomail.v2"

	"github.com/formsink/formsink/internal/actions"
	"github.com/formsink/formsink/internal/actions/template"
	"github.com/formsink/formsink/internal/secrets"
)

const (
	moduleID       = "email"
	defaultTimeout = 15 * time.Second
)

var configSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"to": {"type": "array", "items": {"type": "string", "format": "email"}, "minItems": 1, "maxItems": 10},
		"subject": {"type": "string"},
		"body": {"type": "string"},
		"html": {"type": "boolean", "default": false}
	},
	"required": ["to", "subject", "body"]
}`)

// Config is the tenant-supplied email configuration. Subject and body are
// templates.
type Config struct {
	To      []string `json:"to" validate:"required,min=1,max=10,dive,email"`
	Subject string   `json:"subject" validate:"required,max=1024"`
	Body    string   `json:"body" validate:"required,max=65536"`
	HTML    bool     `json:"html"`
}

// Module implements the email action.
type Module struct {
	resolver *secrets.Resolver
	timeout  time.Duration
	validate *validator.Validate
}

// New creates the email module.
func New(resolver *secrets.Resolver, timeout time.Duration) *Module {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Module{
		resolver: resolver,
		timeout:  timeout,
		validate: validator.New(),
	}
}

// ID returns the stable action-type identifier.
func (m *Module) ID() string { return moduleID }

// Name returns the human-readable module name.
func (m *Module) Name() string { return "Email" }

// ConfigSchema returns the configuration schema.
func (m *Module) ConfigSchema() json.RawMessage { return configSchema }

// ValidateConfig checks tenant-supplied configuration at action-creation time.
func (m *Module) ValidateConfig(config json.RawMessage) error {
	_, err := m.parseConfig(config)
	return err
}

// Execute renders and delivers the email using the tenant's SMTP credentials.
// The tenant is taken from the submission's ownership chain, never from the
// action configuration.
func (m *Module) Execute(ctx context.Context, ec *actions.ExecContext, config json.RawMessage) (*actions.Result, error) {
	cfg, err := m.parseConfig(config)
	if err != nil {
		return nil, actions.NewPermanentError(err)
	}

	creds, err := m.resolver.SMTP(ctx, ec.Tenant.ID)
	if err != nil {
		if errors.Is(err, secrets.ErrSMTPNotConfigured) {
			return nil, actions.NewPermanentError(err)
		}
		var decErr *secrets.DecryptError
		if errors.As(err, &decErr) {
			return nil, &actions.SystemError{Err: err}
		}
		return nil, &actions.SystemError{Err: fmt.Errorf("resolve smtp credentials: %w", err)}
	}

	tc := ec.TemplateContext()
	subject := sanitizeSubject(template.Render(cfg.Subject, tc, template.Raw))

	msg := gomail.NewMessage()
	msg.SetHeader("From", creds.FromHeader())
	msg.SetHeader("To", cfg.To...)
	msg.SetHeader("Subject", subject)
	if cfg.HTML {
		msg.SetBody("text/html", template.Render(cfg.Body, tc, template.HTML))
	} else {
		msg.SetBody("text/plain", template.Render(cfg.Body, tc, template.Raw))
	}

	if err := m.send(ctx, creds, msg); err != nil {
		if isRetryable(err) {
			return nil, actions.NewTransientError(err)
		}
		return nil, actions.NewPermanentError(err)
	}

	response, _ := json.Marshal(map[string]any{
		"recipients": len(cfg.To),
		"subject":    subject,
	})
	return &actions.Result{Status: actions.LogStatusSuccess, Response: response}, nil
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

// dialerFor maps the stored tls_mode onto the SMTP dialer:
//
//	tls      — implicit TLS from the first byte (port 465 style).
//	starttls — plain connect, upgrade via STARTTLS, verified, TLS 1.2+.
//	none     — no TLS requirement. The dialer still upgrades opportunistically
//	           when the server advertises STARTTLS, without certificate
//	           verification; intended for internal relays with self-signed
//	           certs, where requiring a verifiable chain would break delivery.
func dialerFor(creds *secrets.SMTPCredentials) *gomail.Dialer {
	dialer := gomail.NewDialer(creds.Host, creds.Port, creds.Username, creds.Password)
	switch creds.TLSMode {
	case "tls":
		dialer.SSL = true
	case "none":
		dialer.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: creds.Host}
	default: // starttls
		dialer.TLSConfig = &tls.Config{ServerName: creds.Host, MinVersion: tls.VersionTLS12}
	}
	return dialer
}

// send delivers the message with the execution deadline honored. gomail has
// no context support, so the dial-and-send runs in its own goroutine.
func (m *Module) send(ctx context.Context, creds *secrets.SMTPCredentials, msg *gomail.Message) error {
	dialer := dialerFor(creds)

	done := make(chan error, 1)
	go func() {
		done <- dialer.DialAndSend(msg)
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send email: %w", ctx.Err())
	case <-timer.C:
		return fmt.Errorf("send email: timeout after %s", m.timeout)
	}
}

// sanitizeSubject strips CR and LF so interpolated values cannot inject
// additional headers.
func sanitizeSubject(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", " ")
}

// isRetryable classifies SMTP delivery failures. Network faults and SMTP 4xx
// responses are temporary; everything else reads as a configuration or
// credential problem.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout after") {
		return true
	}
	for _, code := range []string{"421", "450", "451", "452", "552"} {
		if strings.Contains(errStr, code) {
			return true
		}
	}
	return false
}
