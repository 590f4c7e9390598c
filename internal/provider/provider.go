package provider

import (
	"context"
	"errors"
	"fmt"
)

// Status is the provider-neutral run state of an instance.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Scope tells whether a network address is reachable from the internet.
type Scope string

const (
	ScopePublic  Scope = "public"
	ScopePrivate Scope = "private"
)

// Network is one address attached to an instance.
type Network struct {
	Address string `json:"address"`
	Scope   Scope  `json:"scope"`
}

// Instance describes a provisioned virtual machine.
type Instance struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Status   Status    `json:"status"`
	Networks []Network `json:"networks"`
}

// PublicAddress returns the first public network address, if any.
func (i Instance) PublicAddress() (string, bool) {
	for _, n := range i.Networks {
		if n.Scope == ScopePublic && n.Address != "" {
			return n.Address, true
		}
	}
	return "", false
}

// Active reports whether the provider considers the instance running.
func (i Instance) Active() bool { return i.Status == StatusActive }

// CreateRequest holds everything needed to request a new instance.
type CreateRequest struct {
	Name       string   `json:"name"`
	Region     string   `json:"region"`
	Size       string   `json:"size"`
	Image      string   `json:"image"`
	SSHKeys    []string `json:"ssh_keys"`
	Volumes    []string `json:"volumes,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Monitoring bool     `json:"monitoring"`
	Backups    bool     `json:"backups"`
}

// Provider is the narrow instance API the lifecycle controller depends on.
type Provider interface {
	CreateInstance(ctx context.Context, req CreateRequest) (string, error)
	GetInstance(ctx context.Context, id string) (Instance, error)
	DeleteInstance(ctx context.Context, id string) error
}

// Balance is the billing summary of the provider account.
type Balance struct {
	MonthToDateBalance string `json:"month_to_date_balance"`
	AccountBalance     string `json:"account_balance"`
	MonthToDateUsage   string `json:"month_to_date_usage"`
	GeneratedAt        string `json:"generated_at"`
}

// BalanceReader is implemented by providers that expose billing information.
type BalanceReader interface {
	AccountBalance(ctx context.Context) (Balance, error)
}

// ErrNotFound is matched by APIError values carrying a 404.
var ErrNotFound = errors.New("instance not found")

// APIError is returned for any non-success provider response.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("provider %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) work for 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}
