package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	textTemplates = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/email.txt.tmpl"))
	htmlTemplates = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/email.html.tmpl"))
)

const timestampLayout = "02 Jan 2006 15:04 MST"

type view struct {
	SearchNumber string
	MatchCount   int
	Timestamp    string
	DocumentURL  string
	Contexts     []string
	Error        string
	From         string
	To           string
}

type rendered struct {
	Subject string
	Text    string
	HTML    string
}

func subjectFor(event monitor.Event) (string, error) {
	switch event.Kind {
	case monitor.EventFound:
		return fmt.Sprintf("🎉 Number %s Found in Embassy PDF!", event.SearchNumber), nil
	case monitor.EventError:
		return fmt.Sprintf("⚠️ PDF Monitoring Error for Number %s", event.SearchNumber), nil
	case monitor.EventTest:
		return "🧪 PDF Monitoring Test Email", nil
	default:
		return "", fmt.Errorf("unknown event kind %q", event.Kind)
	}
}

func render(event monitor.Event, from, to string, loc *time.Location) (rendered, error) {
	subject, err := subjectFor(event)
	if err != nil {
		return rendered{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	errText := event.Error
	if event.Kind == monitor.EventError && errText == "" {
		errText = "Unknown error occurred"
	}

	data := view{
		SearchNumber: event.SearchNumber,
		MatchCount:   event.MatchCount,
		Timestamp:    ts.In(loc).Format(timestampLayout),
		DocumentURL:  event.DocumentURL,
		Contexts:     event.Contexts,
		Error:        errText,
		From:         from,
		To:           to,
	}

	name := string(event.Kind)
	var text, html bytes.Buffer
	if err := textTemplates.ExecuteTemplate(&text, name, data); err != nil {
		return rendered{}, fmt.Errorf("render text: %w", err)
	}
	if err := htmlTemplates.ExecuteTemplate(&html, name, data); err != nil {
		return rendered{}, fmt.Errorf("render html: %w", err)
	}
	return rendered{Subject: subject, Text: text.String(), HTML: html.String()}, nil
}
