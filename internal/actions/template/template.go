// Package template implements {{variable}} placeholder interpolation for
// tenant-authored action configuration. Interpolated values come from
// submitter-controlled input, so every substitution is escaped for the
// output format it is embedded in.
package template

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
)

// Escaping selects how interpolated values are escaped.
type Escaping int

// Escaping modes.
const (
	// Raw performs no escaping. Only safe for plain-text output.
	Raw Escaping = iota
	// HTML entity-escapes values embedded in HTML bodies.
	HTML
	// JSON string-escapes values embedded inside JSON documents, so a
	// submitted value can never alter the document structure.
	JSON
)

var placeholderRe = regexp.MustCompile(`\{\{(\w+(?:\.\w+)*)\}\}`)

// Context is the variable set available to interpolation.
type Context struct {
	Data     map[string]any
	Extras   map[string]any
	Metadata map[string]any
	Endpoint struct {
		ID   string
		Name string
		Slug string
	}
	Project struct {
		Name string
		Slug string
	}
	Tenant struct {
		Name string
	}
	Submission struct {
		ID        string
		CreatedAt time.Time
	}
}

// Render replaces {{path}} placeholders with values from ctx, escaped per
// esc. Unknown variables render as the empty string.
func Render(tmpl string, ctx *Context, esc Escaping) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := match[2 : len(match)-2]
		value, ok := resolve(path, ctx)
		if !ok {
			return ""
		}
		return escape(value, esc)
	})
}

func resolve(path string, ctx *Context) (string, bool) {
	section, field, _ := strings.Cut(path, ".")
	switch section {
	case "data":
		return fieldValue(ctx.Data, field)
	case "extras":
		return fieldValue(ctx.Extras, field)
	case "metadata":
		return fieldValue(ctx.Metadata, field)
	case "endpoint":
		switch field {
		case "id":
			return ctx.Endpoint.ID, true
		case "name":
			return ctx.Endpoint.Name, true
		case "slug":
			return ctx.Endpoint.Slug, true
		}
	case "project":
		switch field {
		case "name":
			return ctx.Project.Name, true
		case "slug":
			return ctx.Project.Slug, true
		}
	case "tenant":
		if field == "name" {
			return ctx.Tenant.Name, true
		}
	case "submission":
		switch field {
		case "id":
			return ctx.Submission.ID, true
		case "created_at":
			return ctx.Submission.CreatedAt.Format(time.RFC3339), true
		}
	}
	return "", false
}

func fieldValue(fields map[string]any, name string) (string, bool) {
	v, ok := fields[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t), true
		}
		return string(b), true
	}
}

func escape(s string, esc Escaping) string {
	switch esc {
	case HTML:
		return html.EscapeString(s)
	case JSON:
		return escapeJSON(s)
	default:
		return s
	}
}

// escapeJSON returns s escaped as JSON string content, without the
// surrounding quotes.
func escapeJSON(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b[1 : len(b)-1])
}
