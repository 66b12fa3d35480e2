package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type attachment struct {
	name        string
	contentType string
	data        []byte
}

func loadAttachments(paths []string) ([]attachment, error) {
	out := make([]attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		ct := mime.TypeByExtension(filepath.Ext(p))
		if ct == "" {
			ct = "application/octet-stream"
		}
		out = append(out, attachment{name: filepath.Base(p), contentType: ct, data: data})
	}
	return out, nil
}

// buildMessage renders a single text part, a multipart/alternative when an
// HTML body is set, and wraps either in multipart/mixed for attachments.
func buildMessage(o options, subject string, attachments []attachment) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", o.from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(o.to, ", "))
	if len(o.cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(o.cc, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if o.html == "" && len(attachments) == 0 {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		buf.WriteString(o.text)
		return buf.Bytes(), nil
	}

	mixed := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mixed.Boundary())

	if err := writeBodies(mixed, o); err != nil {
		return nil, err
	}
	for _, a := range attachments {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", a.contentType)
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.name}))
		w, err := mixed.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(wrap76(base64.StdEncoding.EncodeToString(a.data)))); err != nil {
			return nil, err
		}
	}
	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBodies(mixed *multipart.Writer, o options) error {
	textHeader := textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}}
	if o.html == "" {
		w, err := mixed.CreatePart(textHeader)
		if err != nil {
			return err
		}
		_, err = w.Write([]byte(o.text))
		return err
	}

	var alt bytes.Buffer
	aw := multipart.NewWriter(&alt)
	for _, p := range []struct {
		header textproto.MIMEHeader
		body   string
	}{
		{textHeader, o.text},
		{textproto.MIMEHeader{"Content-Type": {"text/html; charset=utf-8"}}, o.html},
	} {
		w, err := aw.CreatePart(p.header)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return err
		}
	}
	if err := aw.Close(); err != nil {
		return err
	}

	w, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {mime.FormatMediaType("multipart/alternative", map[string]string{"boundary": aw.Boundary()})},
	})
	if err != nil {
		return err
	}
	_, err = w.Write(alt.Bytes())
	return err
}

func wrap76(s string) string {
	var b strings.Builder
	for len(s) > 76 {
		b.WriteString(s[:76])
		b.WriteString("\r\n")
		s = s[76:]
	}
	b.WriteString(s)
	return b.String()
}
