package transmitter

import (
	"context"
	"fmt"
	"sync"
)

// Participants resolves the API base URL for a transmitting organization.
// Implementations typically front the Open Finance participants directory.
type Participants interface {
	BaseURL(ctx context.Context, organizationID string) (string, error)
}

// StaticDirectory is an in-memory Participants, used in tests and for
// deployments with a pinned roster.
type StaticDirectory struct {
	mu   sync.RWMutex
	urls map[string]string
}

// NewStaticDirectory seeds the directory.
func NewStaticDirectory(urls map[string]string) *StaticDirectory {
	copied := make(map[string]string, len(urls))
	for org, url := range urls {
		copied[org] = url
	}
	return &StaticDirectory{urls: copied}
}

// BaseURL returns the registered endpoint for the organization.
func (d *StaticDirectory) BaseURL(_ context.Context, organizationID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	url, ok := d.urls[organizationID]
	if !ok {
		return "", fmt.Errorf("transmitter: organization %s not in directory: %w", organizationID, ErrNotFound)
	}
	return url, nil
}

// Register adds or replaces an organization's endpoint.
func (d *StaticDirectory) Register(organizationID, baseURL string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls[organizationID] = baseURL
}
