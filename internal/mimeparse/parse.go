// Package mimeparse turns a raw RFC 5322 message received over SMTP into the
// fields of a submit request: subject, text and HTML bodies, and attachments.
package mimeparse

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// maxDepth bounds multipart nesting.
const maxDepth = 8

// ErrTooDeep is returned for messages nested deeper than maxDepth.
var ErrTooDeep = errors.New("mimeparse: multipart nesting too deep")

// Message is a parsed email.
type Message struct {
	Header  mail.Header
	Subject string
	Text    string
	HTML    string
	Parts   []Part
}

// Part is an attachment or an inline resource.
type Part struct {
	Filename    string
	ContentType string
	// ContentID is set for inline resources referenced as cid:<id>.
	ContentID string
	Inline    bool
	Data      []byte
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// Parse parses raw. The first text/plain and text/html leaves become the
// bodies; every other leaf becomes a Part.
func Parse(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("mimeparse: read message: %w", err)
	}

	m := &Message{Header: msg.Header, Subject: decodeWords(msg.Header.Get("Subject"))}
	w := &walker{msg: m}
	if err := w.entity(textproto.MIMEHeader(msg.Header), msg.Body, 0); err != nil {
		return nil, err
	}
	return m, nil
}

type walker struct {
	msg     *Message
	unnamed int
}

// entity handles one MIME entity, the top-level message or a part.
func (w *walker) entity(h textproto.MIMEHeader, body io.Reader, depth int) error {
	mediaType, params := "text/plain", map[string]string{}
	if ct := h.Get("Content-Type"); ct != "" {
		var err error
		mediaType, params, err = mime.ParseMediaType(ct)
		if err != nil {
			if depth == 0 {
				return fmt.Errorf("mimeparse: parse Content-Type: %w", err)
			}
			mediaType = "application/octet-stream"
		}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return w.multipart(params["boundary"], body, depth)
	}

	data, err := decodeTransfer(body, h.Get("Content-Transfer-Encoding"))
	if err != nil {
		return fmt.Errorf("mimeparse: decode %s body: %w", mediaType, err)
	}

	disposition, dparams, _ := mime.ParseMediaType(h.Get("Content-Disposition"))
	attached := strings.EqualFold(disposition, "attachment")

	switch {
	case mediaType == "text/plain" && !attached && w.msg.Text == "":
		w.msg.Text = decodeCharset(data, params["charset"])
	case mediaType == "text/html" && !attached && w.msg.HTML == "":
		w.msg.HTML = decodeCharset(data, params["charset"])
	default:
		w.msg.Parts = append(w.msg.Parts, Part{
			Filename:    w.filename(dparams["filename"], params["name"], mediaType),
			ContentType: mediaType,
			ContentID:   strings.Trim(h.Get("Content-Id"), "<> "),
			Inline:      strings.EqualFold(disposition, "inline"),
			Data:        data,
		})
	}
	return nil
}

func (w *walker) multipart(boundary string, body io.Reader, depth int) error {
	if boundary == "" {
		if depth == 0 {
			return errors.New("mimeparse: multipart message missing boundary")
		}
		return nil
	}
	if depth >= maxDepth {
		return ErrTooDeep
	}

	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextRawPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mimeparse: next part: %w", err)
		}
		if err := w.entity(part.Header, part, depth+1); err != nil {
			return err
		}
	}
}

// filename picks the disposition filename, then the Content-Type name,
// then a generated one.
func (w *walker) filename(disposition, name, mediaType string) string {
	for _, n := range []string{disposition, name} {
		if n != "" {
			return decodeWords(n)
		}
	}
	w.unnamed++
	ext := ".bin"
	if mediaType == "message/rfc822" {
		ext = ".eml"
	} else if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		ext = exts[0]
	}
	return "part-" + strconv.Itoa(w.unnamed) + ext
}

func decodeTransfer(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, r))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

// decodeCharset converts text to UTF-8. Unknown charsets are passed through.
func decodeCharset(data []byte, charset string) string {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return string(data)
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(data)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, err
	}
	return enc.NewDecoder().Reader(input), nil
}

// decodeWords decodes RFC 2047 encoded-words, returning s on failure.
func decodeWords(s string) string {
	out, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}
