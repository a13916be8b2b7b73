package notification

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"
)

// Envelope is everything needed to serialize an alert as RFC 5322 mail.
type Envelope struct {
	From       string
	FromName   string
	Date       time.Time
	SystemName string
	Alert      Alert
}

const base64LineLength = 76

// BuildMessage renders multipart/mixed mail: a multipart/alternative text
// and HTML body followed by exactly one attachment.
func BuildMessage(env Envelope) ([]byte, error) {
	a := env.Alert
	if err := a.validate(); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mixed := multipart.NewWriter(&body)

	var alt bytes.Buffer
	altw := multipart.NewWriter(&alt)
	if err := writeQP(altw, "text/plain; charset=utf-8", a.Body); err != nil {
		return nil, fmt.Errorf("write text part: %w", err)
	}
	if a.HTMLBody != "" {
		if err := writeQP(altw, "text/html; charset=utf-8", a.HTMLBody); err != nil {
			return nil, fmt.Errorf("write html part: %w", err)
		}
	}
	if err := altw.Close(); err != nil {
		return nil, err
	}

	altPart, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"multipart/alternative; boundary=" + altw.Boundary()},
	})
	if err != nil {
		return nil, err
	}
	if _, err := altPart.Write(alt.Bytes()); err != nil {
		return nil, err
	}

	if err := writeAttachment(mixed, a.Attachment); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}
	if err := mixed.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	writeHeaders(&msg, env, mixed.Boundary())
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

func writeHeaders(buf *bytes.Buffer, env Envelope, boundary string) {
	a := env.Alert
	date := env.Date
	if date.IsZero() {
		date = time.Now()
	}
	from := env.From
	if env.FromName != "" {
		from = DisplayName(env.FromName, env.From)
	}

	headers := [][2]string{
		{"From", from},
		{"To", a.Recipient},
		{"Subject", mime.QEncoding.Encode("utf-8", a.Subject)},
		{"Date", date.Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/mixed; boundary=" + boundary},
	}
	if a.ID != "" {
		headers = append(headers,
			[2]string{"Message-ID", fmt.Sprintf("<%s@%s>", a.ID, messageIDHost(env.From))},
			[2]string{"X-Alert-ID", a.ID})
	}
	headers = append(headers,
		[2]string{"Auto-Submitted", "auto-generated"},
		[2]string{"X-Auto-Response-Suppress", "All"},
		[2]string{"X-Priority", "2"})
	if env.SystemName != "" {
		headers = append(headers, [2]string{"X-Lockguard-System", env.SystemName})
	}

	for _, h := range headers {
		fmt.Fprintf(buf, "%s: %s\r\n", h[0], h[1])
	}
	buf.WriteString("\r\n")
}

func writeQP(w *multipart.Writer, contentType, text string) error {
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(text)); err != nil {
		return err
	}
	return qp.Close()
}

func writeAttachment(w *multipart.Writer, att Attachment) error {
	ctype := att.ContentType
	if ctype == "" {
		ctype = "image/jpeg"
	}
	name := att.Filename
	if name == "" {
		name = "capture.jpg"
	}
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {mime.FormatMediaType(ctype, map[string]string{"name": name})},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
	})
	if err != nil {
		return err
	}
	enc := base64.StdEncoding.EncodeToString(att.Data)
	for len(enc) > base64LineLength {
		if _, err := fmt.Fprintf(part, "%s\r\n", enc[:base64LineLength]); err != nil {
			return err
		}
		enc = enc[base64LineLength:]
	}
	_, err = fmt.Fprintf(part, "%s\r\n", enc)
	return err
}

// DisplayName formats "Name <address>" with the name Q-encoded when needed.
func DisplayName(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), address)
}

func messageIDHost(from string) string {
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		return from[i+1:]
	}
	return "lockguard.local"
}
