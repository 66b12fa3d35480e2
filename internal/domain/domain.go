// Package domain resolves and validates the sending domain of a message.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StatusVerified is the verification status a domain needs before it may send.
const StatusVerified = "SUCCESS"

var (
	// ErrInvalidDomain is returned when the sender's domain is unknown to the
	// team or not verified.
	ErrInvalidDomain = errors.New("invalid sending domain")
	// ErrInvalidAddress is returned for a sender address without a domain.
	ErrInvalidAddress = errors.New("invalid sender address")
)

// Domain is a verified sending domain. Region selects the queue partition
// the domain's jobs are routed to.
type Domain struct {
	ID     int64
	TeamID int64
	Name   string
	Region string
	Status string
}

// Validator checks that a team may send from an address.
type Validator interface {
	Validate(ctx context.Context, from string, teamID int64) (*Domain, error)
}

// NameFromAddress returns the lowercased domain part of an address. Display
// names of the form "Name <user@host>" are accepted.
func NameFromAddress(from string) (string, error) {
	addr := strings.TrimSpace(from)
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, from)
	}
	return strings.ToLower(addr[at+1:]), nil
}

func checkVerified(d *Domain) (*Domain, error) {
	if d.Status != StatusVerified {
		return nil, fmt.Errorf("%w: %s is not verified (status %s)", ErrInvalidDomain, d.Name, d.Status)
	}
	return d, nil
}
