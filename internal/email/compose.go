package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const base64LineLength = 76

// Attachment is a named, read-only blob attached to an outgoing message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is the input to Composer.Compose.
type Message struct {
	From          string
	To            string
	Subject       string
	HTMLBody      string
	CorrelationID string
	Attachments   []Attachment
}

// Signer signs a rendered message. *dkim.Signer satisfies it.
type Signer interface {
	Sign(message []byte, from string) ([]byte, error)
}

// Composer renders Messages into RFC 5322 bytes.
type Composer struct {
	signer Signer
	now    func() time.Time
	newID  func() string
}

// NewComposer returns a Composer. signer may be nil.
func NewComposer(signer Signer) *Composer {
	return &Composer{
		signer: signer,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Compose renders msg as multipart/mixed with an HTML part followed by the
// attachments, then signs it when a signer is configured.
func (c *Composer) Compose(msg Message) ([]byte, error) {
	from, err := ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	to, err := ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	domain, err := Domain(from)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	htmlHeader := textproto.MIMEHeader{}
	htmlHeader.Set("Content-Type", "text/html; charset=UTF-8")
	htmlHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := mw.CreatePart(htmlHeader)
	if err != nil {
		return nil, fmt.Errorf("html part: %w", err)
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(msg.HTMLBody)); err != nil {
		return nil, fmt.Errorf("html part: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("html part: %w", err)
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, fmt.Errorf("attachment %q: %w", att.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	var out bytes.Buffer
	sender := &mail.Address{Name: DisplayName(from), Address: from}
	writeHeader(&out, "From", sender.String())
	writeHeader(&out, "To", to)
	writeHeader(&out, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&out, "Date", c.now().Format(time.RFC1123Z))
	writeHeader(&out, "Message-ID", fmt.Sprintf("<%s@%s>", c.newID(), domain))
	writeHeader(&out, "MIME-Version", "1.0")
	if msg.CorrelationID != "" {
		writeHeader(&out, "X-Campaign-ID", mime.QEncoding.Encode("utf-8", msg.CorrelationID))
	}
	writeHeader(&out, "Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()}))
	out.WriteString("\r\n")
	out.Write(body.Bytes())

	if c.signer == nil {
		return out.Bytes(), nil
	}
	return c.signer.Sign(out.Bytes(), from)
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writeAttachment(mw *multipart.Writer, att Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(contentType, map[string]string{"name": att.Name}))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Name}))
	h.Set("Content-Transfer-Encoding", "base64")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(att.Data)
	for len(encoded) > base64LineLength {
		if _, err := fmt.Fprintf(part, "%s\r\n", encoded[:base64LineLength]); err != nil {
			return err
		}
		encoded = encoded[base64LineLength:]
	}
	_, err = fmt.Fprintf(part, "%s\r\n", encoded)
	return err
}

// AppendTrackingPixel appends a hidden 1x1 image pointing at baseURL with the
// campaign id in the query string. The body is returned unchanged when
// baseURL is empty or unparsable.
func AppendTrackingPixel(body, baseURL, campaignID string) string {
	if baseURL == "" {
		return body
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return body
	}
	q := u.Query()
	q.Set("campaign_id", campaignID)
	u.RawQuery = q.Encode()
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none;">`, html.EscapeString(u.String()))
	return body + "\n\n" + pixel
}
