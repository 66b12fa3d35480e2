package provider

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strings"
	"time"
)

// BuildMIME renders msg as a multipart/mixed document. BCC recipients are
// left out of the headers.
func BuildMIME(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	mixed := multipart.NewWriter(&buf)

	header := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	header("From", msg.From)
	header("To", strings.Join(msg.To, ", "))
	header("Cc", strings.Join(msg.CC, ", "))
	header("Reply-To", strings.Join(msg.ReplyTo, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", time.Now().UTC().Format(time.RFC1123Z))
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		header(textproto.CanonicalMIMEHeaderKey(k), msg.Headers[k])
	}
	header("MIME-Version", "1.0")
	header("Content-Type", "multipart/mixed; boundary="+mixed.Boundary())
	buf.WriteString("\r\n")

	if err := writeBody(mixed, msg); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", contentType)
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
		w, err := mixed.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if err := writeBase64(w, a.Content); err != nil {
			return nil, err
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBody adds the text and HTML bodies, as multipart/alternative when
// both are present.
func writeBody(mixed *multipart.Writer, msg *Message) error {
	if msg.TextBody == "" || msg.HTMLBody == "" {
		contentType, body := "text/plain; charset=utf-8", msg.TextBody
		if msg.HTMLBody != "" {
			contentType, body = "text/html; charset=utf-8", msg.HTMLBody
		}
		return writeTextPart(mixed, contentType, body)
	}

	var alt bytes.Buffer
	altWriter := multipart.NewWriter(&alt)
	if err := writeTextPart(altWriter, "text/plain; charset=utf-8", msg.TextBody); err != nil {
		return err
	}
	if err := writeTextPart(altWriter, "text/html; charset=utf-8", msg.HTMLBody); err != nil {
		return err
	}
	if err := altWriter.Close(); err != nil {
		return err
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "multipart/alternative; boundary="+altWriter.Boundary())
	w, err := mixed.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = w.Write(alt.Bytes())
	return err
}

func writeTextPart(mw *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "base64")
	w, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create body part: %w", err)
	}
	return writeBase64(w, []byte(body))
}

// writeBase64 writes data base64-encoded in 76 character lines.
func writeBase64(w interface{ Write([]byte) (int, error) }, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := w.Write([]byte(encoded[:76] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err := w.Write([]byte(encoded + "\r\n"))
	return err
}
