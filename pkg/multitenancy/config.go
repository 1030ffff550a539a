package multitenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrTenantNotFound is returned when a tenant is not found
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrCapabilityNotGranted is returned when a tenant requests a
	// capability outside its grant
	ErrCapabilityNotGranted = errors.New("capability not granted to tenant")
)

// TenantConfig narrows the global security policy for one organization
type TenantConfig struct {
	// OrgID is the organization ID
	OrgID string `yaml:"org_id"`

	// Capabilities the tenant may request. Empty means every capability the
	// global policy allows.
	Capabilities []string `yaml:"capabilities"`
}

// ConfigManager holds tenant configurations. With no tenants registered
// every org, including none, is admitted.
type ConfigManager struct {
	configs map[string]*TenantConfig
	mu      sync.RWMutex
}

// NewConfigManager creates a config manager with the given tenants
func NewConfigManager(tenants ...TenantConfig) (*ConfigManager, error) {
	m := &ConfigManager{configs: make(map[string]*TenantConfig)}
	for i := range tenants {
		if err := m.RegisterTenant(&tenants[i]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RegisterTenant registers or replaces a tenant
func (m *ConfigManager) RegisterTenant(config *TenantConfig) error {
	if config.OrgID == "" {
		return errors.New("organization ID is required")
	}
	if err := ValidateOrgID(config.OrgID); err != nil {
		return err
	}

	granted := make([]string, len(config.Capabilities))
	for i, c := range config.Capabilities {
		granted[i] = strings.ToLower(strings.TrimSpace(c))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs[config.OrgID] = &TenantConfig{OrgID: config.OrgID, Capabilities: granted}
	return nil
}

// Enabled reports whether tenants are enforced
func (m *ConfigManager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.configs) > 0
}

// GetTenantConfig returns the configuration for the tenant in ctx
func (m *ConfigManager) GetTenantConfig(ctx context.Context) (*TenantConfig, error) {
	orgID, err := GetOrgID(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	config, ok := m.configs[orgID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, orgID)
	}
	return config, nil
}

// Authorize checks that the tenant in ctx exists and was granted every
// requested capability. It is a no-op when no tenants are registered.
func (m *ConfigManager) Authorize(ctx context.Context, capabilities []string) error {
	if !m.Enabled() {
		return nil
	}

	config, err := m.GetTenantConfig(ctx)
	if err != nil {
		return err
	}
	if len(config.Capabilities) == 0 {
		return nil
	}

	for _, c := range capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		granted := false
		for _, g := range config.Capabilities {
			if g == c {
				granted = true
				break
			}
		}
		if !granted {
			return fmt.Errorf("%w: %s", ErrCapabilityNotGranted, c)
		}
	}
	return nil
}
