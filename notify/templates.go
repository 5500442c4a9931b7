package notify

import (
	"fmt"
	"strings"
	"text/template"
)

// TemplateData feeds template rendering. Rendering is pure; nothing here
// touches persistence.
type TemplateData struct {
	CompanyName    string
	RecipientName  string
	Reason         string
	GraceEndsAt    string
	DaysRemaining  int
	DownloadURL    string
	ActionRequired bool
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templates = map[Type]messageTemplate{
	TypeClosureInitiated: mustTemplate(
		"Closure of {{.CompanyName}} has been initiated",
		`Hello {{.RecipientName}},

Closure of {{.CompanyName}} has been initiated ({{.Reason}}). The account
will be permanently closed after the grace period ends on {{.GraceEndsAt}}.
{{if .ActionRequired}}
ACTION REQUIRED: as an administrator you can still cancel the closure or
export company data before the grace period ends.
{{end}}`),
	TypeGracePeriodEnding: mustTemplate(
		"{{.CompanyName}} closes in {{.DaysRemaining}} day(s)",
		`Hello {{.RecipientName}},

The grace period for {{.CompanyName}} ends on {{.GraceEndsAt}}
({{.DaysRemaining}} day(s) remaining). After that the closure becomes
irreversible.`),
	TypeClosureCompleted: mustTemplate(
		"{{.CompanyName}} has been closed",
		`Hello {{.RecipientName}},

{{.CompanyName}} has been closed. Thank you for having been with us.`),
	TypeClosureCancelled: mustTemplate(
		"Closure of {{.CompanyName}} was cancelled",
		`Hello {{.RecipientName}},

The scheduled closure of {{.CompanyName}} has been cancelled and the account
restored to its previous state.`),
	TypeSuspensionNotice: mustTemplate(
		"{{.CompanyName}} has been suspended",
		`Hello {{.RecipientName}},

{{.CompanyName}} has been suspended ({{.Reason}}). Access may be restricted
until the suspension is lifted.`),
	TypeReactivationNotice: mustTemplate(
		"{{.CompanyName}} has been reactivated",
		`Hello {{.RecipientName}},

{{.CompanyName}} is active again. Previously restricted access has been
restored.`),
	TypeDataExportReady: mustTemplate(
		"Your data export for {{.CompanyName}} is ready",
		`Hello {{.RecipientName}},

The requested data export for {{.CompanyName}} is ready for download:

{{.DownloadURL}}

The link expires; request a new one from the console if needed.`),
}

func mustTemplate(subject, body string) messageTemplate {
	return messageTemplate{
		subject: template.Must(template.New("subject").Parse(subject)),
		body:    template.Must(template.New("body").Parse(body)),
	}
}

// Render produces the message for one recipient. Unknown types are an error
// at the call site rather than a silent no-op.
func Render(t Type, recipient string, data TemplateData) (Message, error) {
	tmpl, ok := templates[t]
	if !ok {
		return Message{}, fmt.Errorf("notify: unknown notification type %q", t)
	}

	var subject, body strings.Builder
	if err := tmpl.subject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("notify: render subject for %s: %w", t, err)
	}
	if err := tmpl.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("notify: render body for %s: %w", t, err)
	}

	return Message{
		To:      recipient,
		Subject: strings.TrimSpace(subject.String()),
		Body:    strings.TrimSpace(body.String()) + "\n",
	}, nil
}
