package notification

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAlertFace(t *testing.T) {
	at := time.Date(2026, 3, 1, 22, 15, 0, 0, time.UTC)
	a, err := NewAlert(AlertData{
		SessionID:  "s-1",
		SystemName: "desk-1",
		DetectedAt: at,
		Frames:     111,
		ClipLength: 5550 * time.Millisecond,
		ClipPath:   "/var/lib/lockguard/recording.avi",
	}, "owner@example.com", jpegBytes)
	require.NoError(t, err)

	_, err = uuid.Parse(a.ID)
	assert.NoError(t, err, "alert id is a uuid")
	assert.Equal(t, "owner@example.com", a.Recipient)
	assert.Equal(t, "Lockguard: face detected while desk-1 was locked", a.Subject)
	assert.Contains(t, a.Body, "111 frames, 5.55s")
	assert.Contains(t, a.Body, "/var/lib/lockguard/recording.avi")
	assert.Contains(t, a.Body, "Sunday, March 1, 2026 at 10:15:00 PM UTC")
	assert.Contains(t, a.HTMLBody, "Face detected while locked")
	assert.Equal(t, "capture.jpg", a.Attachment.Filename)
	assert.Equal(t, "image/jpeg", a.Attachment.ContentType)
	assert.Equal(t, jpegBytes, a.Attachment.Data)
}

func TestNewAlertTest(t *testing.T) {
	a, err := NewAlert(AlertData{AlertID: "fixed", SystemName: "desk-1", Test: true}, "o@x.y", jpegBytes)
	require.NoError(t, err)
	assert.Equal(t, "fixed", a.ID)
	assert.Equal(t, "Lockguard: test alert from desk-1", a.Subject)
	assert.Contains(t, a.Body, "Alert ID: fixed")
}

func TestRenderEscapesHTML(t *testing.T) {
	_, text, html, err := Render(faceAlertTemplate, AlertData{SystemName: "<b>desk</b>", DetectedAt: time.Now()})
	require.NoError(t, err)
	assert.Contains(t, text, "<b>desk</b>")
	assert.Contains(t, html, "&lt;b&gt;desk&lt;/b&gt;")
	assert.NotContains(t, html, "<b>desk</b>")
}

func TestRenderReportsTemplateErrors(t *testing.T) {
	_, _, _, err := Render(Template{Subject: "{{.Missing"}, AlertData{})
	assert.Error(t, err)

	_, _, _, err = Render(Template{Subject: "ok", Text: "{{.NoSuchField}}"}, AlertData{})
	assert.Error(t, err)
}
