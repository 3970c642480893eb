package storage

import (
	"context"
	"errors"
	"time"

	"gointegrity/pkg/state"
)

// ErrNotFound is returned when a record addressed by name does not exist.
var ErrNotFound = errors.New("record not found")

// StateStore persists the four-field state of each resource.
type StateStore interface {
	FindNodeState(ctx context.Context, domain, name string) (NodeState, bool, error)
	UpsertNodeState(ctx context.Context, ns NodeState) error
	// UpdateNodeState runs fn inside one transaction against the current
	// record (found is false when there is none) and stores what fn
	// returns. An error from fn aborts the transaction with nothing written.
	UpdateNodeState(ctx context.Context, domain, name string, fn func(cur NodeState, found bool) (NodeState, error)) (NodeState, error)
}

// ProgressStore persists forward-progress records.
type ProgressStore interface {
	FindProgress(ctx context.Context, domain, name string) (ProgressRecord, bool, error)
	UpsertProgress(ctx context.Context, rec ProgressRecord) error
	ListProgress(ctx context.Context, domain string) ([]ProgressRecord, error)
}

// DesignationStore persists audit designation records.
type DesignationStore interface {
	ListDesignation(ctx context.Context, domain string) ([]DesignationRecord, error)
	UpsertDesignation(ctx context.Context, rec DesignationRecord) error
	// TouchDesignation sets LastUpdated on one record.
	TouchDesignation(ctx context.Context, domain, name string, at time.Time) error
	// SetDesignatedExclusive marks name designated and every other record
	// of the domain not designated, in a single transaction.
	SetDesignatedExclusive(ctx context.Context, domain, name string, at time.Time) error
}

// EntityStore holds the application records tracked for replica audits.
// Values are the serialized record bytes; keys are primary keys.
type EntityStore interface {
	ListTrackedClasses(ctx context.Context) ([]string, error)
	FindAuditedEntities(ctx context.Context, class string) (map[string][]byte, error)
	FindAuditedEntitiesByKeys(ctx context.Context, class string, keys []string) (map[string][]byte, error)
	PutAuditedEntity(ctx context.Context, class, key string, data []byte) error
	DeleteAuditedEntity(ctx context.Context, class, key string) error
}

// Store is the full persistent store adapter.
type Store interface {
	StateStore
	ProgressStore
	DesignationStore
	EntityStore

	// Reset removes the progress and designation records of a domain.
	Reset(ctx context.Context, domain string) error
	Close() error
}

// NodeState is the persisted state of one resource.
type NodeState struct {
	ResourceName string      `json:"resourceName" yaml:"resourceName"`
	Domain       string      `json:"domain" yaml:"domain"`
	State        state.State `json:"state" yaml:"state"`
	LastUpdated  time.Time   `json:"lastUpdated" yaml:"lastUpdated"`
}

// ProgressRecord is a resource's self-reported liveness.
type ProgressRecord struct {
	ResourceName string    `json:"resourceName" yaml:"resourceName"`
	Domain       string    `json:"domain" yaml:"domain"`
	NodeType     string    `json:"nodeType,omitempty" yaml:"nodeType,omitempty"`
	Site         string    `json:"site,omitempty" yaml:"site,omitempty"`
	Address      string    `json:"address,omitempty" yaml:"address,omitempty"`
	Counter      int64     `json:"counter" yaml:"counter"`
	CreatedAt    time.Time `json:"createdAt" yaml:"createdAt"`
	LastUpdated  time.Time `json:"lastUpdated" yaml:"lastUpdated"`
}

// DesignationRecord registers a resource for audit designation and carries
// what a peer needs to reach its store.
type DesignationRecord struct {
	ResourceName string    `json:"resourceName" yaml:"resourceName"`
	Domain       string    `json:"domain" yaml:"domain"`
	NodeType     string    `json:"nodeType,omitempty" yaml:"nodeType,omitempty"`
	Site         string    `json:"site,omitempty" yaml:"site,omitempty"`
	Address      string    `json:"address,omitempty" yaml:"address,omitempty"`
	Designated   bool      `json:"designated" yaml:"designated"`
	CreatedAt    time.Time `json:"createdAt" yaml:"createdAt"`
	LastUpdated  time.Time `json:"lastUpdated" yaml:"lastUpdated"`
}
