package models

import (
	"time"
)

// Device represents a managed device in the fleet, as seen by the
// rollout engine. The registry itself lives outside the core; only the
// fields the engine reads are modeled here.
type Device struct {
	ID       DeviceID `json:"id"`
	TenantID TenantID `json:"tenant_id"`
	Name     string   `json:"name"`

	// Tags are normalized on ingress: trimmed, lower-cased. Both
	// "value" and "key=value" forms are stored as-is.
	Tags []string `json:"tags,omitempty"`

	GroupID          GroupID          `json:"group_id,omitempty"`
	AssignedBundleID BundleID         `json:"assigned_bundle_id,omitempty"`
	DeploymentStatus DeploymentStatus `json:"deployment_status"`

	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DeploymentStatus is the agent-reported state of a device's current
// reconciliation.
type DeploymentStatus string

const (
	DeploymentStatusPending     DeploymentStatus = "pending"
	DeploymentStatusReconciling DeploymentStatus = "reconciling"
	DeploymentStatusSucceeded   DeploymentStatus = "succeeded"
	DeploymentStatusFailed      DeploymentStatus = "failed"
)

// IsOnline returns true if the device is considered online
func (d *Device) IsOnline(threshold time.Duration) bool {
	return d.LastSeen != nil && time.Since(*d.LastSeen) < threshold
}
