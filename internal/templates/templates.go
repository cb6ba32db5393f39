package templates

import (
	"bytes"
	"embed"
	"text/template"
)

// Template names.
const (
	ResetRequest = "reset.tmpl"
	ResetConfirm = "confirm.tmpl"
)

//go:embed static/*.tmpl
var static embed.FS

// Parse parses the embedded mail templates.
func Parse() (*template.Template, error) {
	return template.ParseFS(static, "static/*.tmpl")
}

// ResetRequestData fills ResetRequest.
type ResetRequestData struct {
	URL string
}

// ResetConfirmData fills ResetConfirm.
type ResetConfirmData struct {
	Email string
}

// Render executes the named template into a string.
func Render(t *template.Template, name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
