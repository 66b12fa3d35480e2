package domain

import (
	"context"
	"fmt"
	"sync"
)

// MemoryValidator holds domains in memory. It backs the in-memory store mode
// and tests.
type MemoryValidator struct {
	mu      sync.RWMutex
	domains map[string]Domain // "<team>/<name>"
	nextID  int64
}

// NewMemoryValidator creates a MemoryValidator seeded with domains.
func NewMemoryValidator(domains ...Domain) *MemoryValidator {
	v := &MemoryValidator{domains: make(map[string]Domain)}
	for _, d := range domains {
		v.Add(d)
	}
	return v
}

// Add registers d, assigning an ID when it has none.
func (v *MemoryValidator) Add(d Domain) Domain {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d.ID == 0 {
		v.nextID++
		d.ID = v.nextID
	} else if d.ID > v.nextID {
		v.nextID = d.ID
	}
	if d.Region == "" {
		d.Region = "us-east-1"
	}
	v.domains[memoryKey(d.TeamID, d.Name)] = d
	return d
}

// Validate implements Validator.
func (v *MemoryValidator) Validate(_ context.Context, from string, teamID int64) (*Domain, error) {
	name, err := NameFromAddress(from)
	if err != nil {
		return nil, err
	}
	v.mu.RLock()
	d, ok := v.domains[memoryKey(teamID, name)]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not registered for team %d", ErrInvalidDomain, name, teamID)
	}
	return checkVerified(&d)
}

func memoryKey(teamID int64, name string) string {
	return fmt.Sprintf("%d/%s", teamID, name)
}
