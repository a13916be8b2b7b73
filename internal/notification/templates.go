package notification

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// AlertData feeds the alert templates.
type AlertData struct {
	AlertID    string
	SessionID  string
	SystemName string
	DetectedAt time.Time
	Frames     int
	ClipLength time.Duration
	FaceFrame  int64
	ClipPath   string
	Test       bool
}

// Template is a subject plus text and HTML bodies.
type Template struct {
	Subject string
	Text    string
	HTML    string
}

var (
	faceAlertTemplate = Template{
		Subject: "Lockguard: face detected while {{.SystemName}} was locked",
		Text:    faceAlertText,
		HTML:    faceAlertHTML,
	}
	testAlertTemplate = Template{
		Subject: "Lockguard: test alert from {{.SystemName}}",
		Text:    testAlertText,
		HTML:    testAlertHTML,
	}
)

// NewAlert renders the face alert (or the test alert when data.Test is set)
// with the snapshot attached as capture.jpg.
func NewAlert(data AlertData, recipient string, snapshot []byte) (Alert, error) {
	if data.AlertID == "" {
		data.AlertID = uuid.NewString()
	}
	if data.DetectedAt.IsZero() {
		data.DetectedAt = time.Now()
	}
	tmpl := faceAlertTemplate
	if data.Test {
		tmpl = testAlertTemplate
	}
	subject, text, html, err := Render(tmpl, data)
	if err != nil {
		return Alert{}, err
	}
	return Alert{
		ID:        data.AlertID,
		Recipient: recipient,
		Subject:   subject,
		Body:      text,
		HTMLBody:  html,
		Attachment: Attachment{
			Filename:    "capture.jpg",
			ContentType: "image/jpeg",
			Data:        snapshot,
		},
	}, nil
}

// Render executes all three parts of t against data.
func Render(t Template, data AlertData) (subject, text, html string, err error) {
	if subject, err = execText("subject", t.Subject, data); err != nil {
		return "", "", "", err
	}
	if text, err = execText("text", t.Text, data); err != nil {
		return "", "", "", err
	}
	h, err := htmltemplate.New("html").Parse(t.HTML)
	if err != nil {
		return "", "", "", fmt.Errorf("parse html template: %w", err)
	}
	var buf bytes.Buffer
	if err := h.Execute(&buf, data); err != nil {
		return "", "", "", fmt.Errorf("execute html template: %w", err)
	}
	return subject, text, buf.String(), nil
}

func execText(name, src string, data AlertData) (string, error) {
	t, err := template.New(name).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s template: %w", name, err)
	}
	return buf.String(), nil
}

const faceAlertText = `A face was seen on the camera of {{.SystemName}} while its screen was locked.

When:      {{.DetectedAt.Format "Monday, January 2, 2006 at 3:04:05 PM MST"}}
Recording: {{.Frames}} frames, {{.ClipLength}}
Clip:      {{.ClipPath}}
Alert ID:  {{.AlertID}}
Session:   {{.SessionID}}

The attached image is the first frame of the recording.
`

const faceAlertHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Face detected</title></head>
<body style="margin:0;padding:0;background-color:#f4f4f7;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;">
  <div style="max-width:600px;margin:0 auto;background:#ffffff;">
    <div style="background:#7a1f1f;color:#ffffff;padding:24px 20px;text-align:center;">
      <h1 style="margin:0;font-size:24px;font-weight:400;">Face detected while locked</h1>
      <p style="margin:8px 0 0 0;opacity:0.9;">{{.SystemName}}</p>
    </div>
    <div style="padding:24px 20px;">
      <div style="background:#fff3cd;border:1px solid #ffeaa7;border-radius:8px;padding:16px;">
        <p style="margin:0;font-size:15px;line-height:1.6;">
          <strong>When:</strong> {{.DetectedAt.Format "Monday, January 2, 2006 at 3:04:05 PM MST"}}<br>
          <strong>Recording:</strong> {{.Frames}} frames, {{.ClipLength}}<br>
          <strong>Clip:</strong> {{.ClipPath}}<br>
          <strong>Alert ID:</strong> {{.AlertID}}
        </p>
      </div>
      <p style="font-size:15px;line-height:1.6;color:#333;">The attached image is the first frame of the recording.</p>
    </div>
    <div style="background:#f8f9fa;color:#666;padding:16px;text-align:center;font-size:12px;">
      Session {{.SessionID}}
    </div>
  </div>
</body>
</html>`

const testAlertText = `This is a test alert from {{.SystemName}}.

Mail delivery is configured correctly. The attached image was captured
from the camera at {{.DetectedAt.Format "2006-01-02 15:04:05 MST"}}.

Alert ID: {{.AlertID}}
`

const testAlertHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Test alert</title></head>
<body style="margin:0;padding:0;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;">
  <div style="max-width:600px;margin:0 auto;padding:24px 20px;">
    <h1 style="font-size:22px;font-weight:400;">Test alert from {{.SystemName}}</h1>
    <p>Mail delivery is configured correctly. The attached image was captured from the camera at
    {{.DetectedAt.Format "2006-01-02 15:04:05 MST"}}.</p>
    <p style="color:#666;font-size:12px;">Alert ID {{.AlertID}}</p>
  </div>
</body>
</html>`
