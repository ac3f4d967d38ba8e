// Package contacts resolves counterparties to tenant contacts and enriches
// them with provider profile data.
package contacts

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"your.org/session-hub/internal/errs"
)

type Contact struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	Phone        string         `json:"phone"`
	Name         string         `json:"name,omitempty"`
	Avatar       string         `json:"avatar,omitempty"`
	CustomFields map[string]any `json:"customFields,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Patch updates the non-nil fields of a contact.  CustomFields are merged.
type Patch struct {
	Name         *string
	Avatar       *string
	CustomFields map[string]any
}

// Directory is the contact collaborator used by the message pipeline.
type Directory interface {
	FindOrCreate(ctx context.Context, tenantID, phone, displayName string) (Contact, error)
	Get(ctx context.Context, id string) (Contact, error)
	Update(ctx context.Context, id string, p Patch) (Contact, error)
}

// MemoryDirectory is a process-local Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[string]*Contact
	byPhone map[string]string
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{byID: map[string]*Contact{}, byPhone: map[string]string{}}
}

func phoneKey(tenantID, phone string) string { return tenantID + "|" + phone }

func (d *MemoryDirectory) FindOrCreate(_ context.Context, tenantID, phone, displayName string) (Contact, error) {
	phone = strings.TrimSpace(phone)
	if tenantID == "" || phone == "" {
		return Contact{}, errs.Validation("tenant and phone are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.byPhone[phoneKey(tenantID, phone)]; ok {
		c := d.byID[id]
		if c.Name == "" && displayName != "" {
			c.Name = displayName
			c.UpdatedAt = time.Now().UTC()
		}
		return clone(*c), nil
	}
	now := time.Now().UTC()
	c := &Contact{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Phone:     phone,
		Name:      displayName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.byID[c.ID] = c
	d.byPhone[phoneKey(tenantID, phone)] = c.ID
	return clone(*c), nil
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[id]
	if !ok {
		return Contact{}, errs.NotFound("contact %s not found", id)
	}
	return clone(*c), nil
}

func (d *MemoryDirectory) Update(_ context.Context, id string, p Patch) (Contact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[id]
	if !ok {
		return Contact{}, errs.NotFound("contact %s not found", id)
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Avatar != nil {
		c.Avatar = *p.Avatar
	}
	if len(p.CustomFields) > 0 {
		if c.CustomFields == nil {
			c.CustomFields = map[string]any{}
		}
		for k, v := range p.CustomFields {
			c.CustomFields[k] = v
		}
	}
	c.UpdatedAt = time.Now().UTC()
	return clone(*c), nil
}

func clone(c Contact) Contact {
	if c.CustomFields != nil {
		m := make(map[string]any, len(c.CustomFields))
		for k, v := range c.CustomFields {
			m[k] = v
		}
		c.CustomFields = m
	}
	return c
}
