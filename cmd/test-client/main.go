// Command test-client sends test emails through the unsend SMTP front door,
// authenticating with an API key over AUTH PLAIN. Batches are paced with
// --rate so the submit rate limit can be observed.
//
// Usage:
//
//	test-client --password us_1_... --from sender@example.com --to recipient@example.com
//	test-client --tls none --count 20 --rate 50 --from sender@example.com --to recipient@example.com
//	test-client --html "<b>hi</b>" --attach report.pdf --bcc audit@example.com ...
package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type options struct {
	host     string
	port     int
	tlsMode  string
	insecure bool
	user     string
	apiKey   string

	from    string
	to      listFlag
	cc      listFlag
	bcc     listFlag
	subject string
	text    string
	html    string
	attach  listFlag

	count int
	rate  float64
}

// listFlag collects a repeatable flag.
type listFlag []string

func (l *listFlag) String() string     { return strings.Join(*l, ", ") }
func (l *listFlag) Set(v string) error { *l = append(*l, v); return nil }

func main() {
	opts := parseFlags()
	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	attachments, err := loadAttachments(opts.attach)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	addr := fmt.Sprintf("%s:%d", opts.host, opts.port)
	fmt.Printf("unsend test-client -> %s (tls=%s, %d message(s))\n\n", addr, opts.tlsMode, opts.count)

	var interval time.Duration
	if opts.count > 1 && opts.rate > 0 {
		interval = time.Duration(float64(time.Second) / opts.rate)
	}

	failed := 0
	start := time.Now()
	for seq := 1; seq <= opts.count; seq++ {
		if seq > 1 && interval > 0 {
			time.Sleep(interval)
		}

		subject := opts.subject
		if opts.count > 1 {
			subject = fmt.Sprintf("%s [%d/%d]", opts.subject, seq, opts.count)
		}
		msg, err := buildMessage(opts, subject, attachments)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: build message: %v\n", err)
			os.Exit(1)
		}

		sent := time.Now()
		err = send(opts, addr, msg)
		took := time.Since(sent).Round(time.Millisecond)
		if err != nil {
			failed++
			fmt.Printf("  %3d  FAIL  %-8s %v\n", seq, took, describe(err))
			continue
		}
		fmt.Printf("  %3d  OK    %s\n", seq, took)
	}

	fmt.Printf("\n%d accepted, %d rejected in %s\n", opts.count-failed, failed, time.Since(start).Round(time.Millisecond))
	if failed > 0 {
		os.Exit(1)
	}
}

func parseFlags() options {
	var o options

	flag.StringVar(&o.host, "host", "localhost", "SMTP server host")
	flag.IntVar(&o.port, "port", 587, "SMTP server port")
	flag.StringVar(&o.tlsMode, "tls", "starttls", "TLS mode: starttls, implicit, none")
	flag.BoolVar(&o.insecure, "insecure", false, "Skip TLS certificate verification")
	flag.StringVar(&o.user, "user", "unsend", "SMTP AUTH username")
	flag.StringVar(&o.apiKey, "password", os.Getenv("UNSEND_API_KEY"), "API key used as the SMTP AUTH password (default $UNSEND_API_KEY)")
	flag.StringVar(&o.from, "from", "", "Sender address on a verified domain")
	flag.Var(&o.to, "to", "Recipient (repeatable)")
	flag.Var(&o.cc, "cc", "Cc recipient (repeatable)")
	flag.Var(&o.bcc, "bcc", "Bcc recipient, envelope only (repeatable)")
	flag.StringVar(&o.subject, "subject", "Test Email", "Email subject")
	flag.StringVar(&o.text, "body", "This is a test email sent by the unsend test-client.", "Plain text body")
	flag.StringVar(&o.html, "html", "", "HTML body")
	flag.Var(&o.attach, "attach", "File to attach (repeatable)")
	flag.IntVar(&o.count, "count", 1, "Number of emails to send")
	flag.Float64Var(&o.rate, "rate", 1, "Emails per second for batches")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: test-client [options]\n\nSends test emails through the unsend SMTP server.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	return o
}

func (o options) validate() error {
	switch {
	case o.from == "":
		return errors.New("--from is required")
	case len(o.to) == 0:
		return errors.New("at least one --to is required")
	case o.apiKey == "":
		return errors.New("--password or UNSEND_API_KEY is required")
	case o.count < 1:
		return errors.New("--count must be at least 1")
	}
	return nil
}

func dial(o options, addr string) (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName:         o.host,
		InsecureSkipVerify: o.insecure, //nolint:gosec // Intentional for dev self-signed certs.
	}
	switch o.tlsMode {
	case "none":
		return smtp.Dial(addr)
	case "implicit":
		return smtp.DialTLS(addr, tlsConfig)
	case "starttls":
		return smtp.DialStartTLS(addr, tlsConfig)
	default:
		return nil, fmt.Errorf("unknown TLS mode: %s (use starttls, implicit, or none)", o.tlsMode)
	}
}

func send(o options, addr string, msg []byte) error {
	c, err := dial(o, addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	if err := c.Auth(sasl.NewPlainClient("", o.user, o.apiKey)); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Mail(o.from, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, group := range [][]string{o.to, o.cc, o.bcc} {
		for _, rcpt := range group {
			if err := c.Rcpt(rcpt, nil); err != nil {
				return fmt.Errorf("rcpt to %s: %w", rcpt, err)
			}
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return c.Quit()
}

// describe shortens server replies; a 451 4.7.1 is a rate limit rejection.
func describe(err error) string {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return fmt.Sprintf("%d %d.%d.%d %s", smtpErr.Code,
			smtpErr.EnhancedCode[0], smtpErr.EnhancedCode[1], smtpErr.EnhancedCode[2], smtpErr.Message)
	}
	return err.Error()
}
