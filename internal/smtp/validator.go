package smtp

import (
	"net/mail"
	"strings"
)

// NormalizeAddress parses an envelope or header address, with or without
// angle brackets, and returns the bare addr-spec.
func NormalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		addr, err = mail.ParseAddress("<" + strings.Trim(raw, "<>") + ">")
		if err != nil {
			return "", err
		}
	}
	return addr.Address, nil
}

// ExtractDomain extracts the domain part from an email address.
// Returns an empty string if the address does not contain an @ symbol.
func ExtractDomain(email string) string {
	_, domain, ok := strings.Cut(email, "@")
	if !ok {
		return ""
	}
	return domain
}

// IsValidDomain rejects empty names, leading or trailing dots, and names
// without a dot.
func IsValidDomain(domain string) bool {
	if domain == "" {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	return strings.Contains(domain, ".")
}

// splitRecipients sorts the envelope recipients into To, Cc and Bcc using
// the message headers. Envelope recipients absent from both To and Cc were
// blind copies. With no usable headers everything lands in To.
func splitRecipients(envelope []string, header mail.Header) (to, cc, bcc []string) {
	inTo := headerAddresses(header, "To")
	inCc := headerAddresses(header, "Cc")
	if len(inTo) == 0 && len(inCc) == 0 {
		return envelope, nil, nil
	}
	for _, rcpt := range envelope {
		key := strings.ToLower(rcpt)
		switch {
		case inTo[key]:
			to = append(to, rcpt)
		case inCc[key]:
			cc = append(cc, rcpt)
		default:
			bcc = append(bcc, rcpt)
		}
	}
	// a message needs at least one primary recipient
	if len(to) == 0 {
		to, cc = cc, nil
	}
	if len(to) == 0 {
		to, bcc = bcc, nil
	}
	return to, cc, bcc
}

func headerAddresses(header mail.Header, key string) map[string]bool {
	if header == nil {
		return nil
	}
	list, err := header.AddressList(key)
	if err != nil {
		return nil
	}
	set := make(map[string]bool, len(list))
	for _, a := range list {
		set[strings.ToLower(a.Address)] = true
	}
	return set
}
