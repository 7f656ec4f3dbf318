package client

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// Config configures a Client.
type Config struct {
	// Endpoint is the HTTP base URL of the document server. Mandatory.
	Endpoint string

	// BrokerAddr is the Redis broker address. Optional; when empty, live
	// subscriptions are disabled and the client relies on periodic sync.
	BrokerAddr string

	// BrokerPassword authenticates the broker connection when set.
	BrokerPassword string

	// WorkspaceID scopes all paths. Defaults to "default".
	WorkspaceID string

	// UserID is the caller identity sent with every operation. Mandatory.
	UserID string

	// EnablePersistence turns on the durable cache and offline write queue.
	EnablePersistence bool

	// CachePath is the sqlite file backing the cache. Required when
	// EnablePersistence is set.
	CachePath string

	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
}

// Validate checks mandatory fields and applies defaults in place.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("client: Endpoint is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("client: UserID is required")
	}
	if c.EnablePersistence && strings.TrimSpace(c.CachePath) == "" {
		return errors.New("client: CachePath is required when persistence is enabled")
	}
	if c.WorkspaceID == "" {
		c.WorkspaceID = "default"
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}
