package models

import (
	"time"
)

// GroupType distinguishes explicit-membership groups from query-derived
// ones.
type GroupType string

const (
	GroupTypeStatic  GroupType = "static"
	GroupTypeDynamic GroupType = "dynamic"
)

// Group is a named set of devices. Static groups carry membership rows;
// dynamic groups carry a tag query and derive membership by evaluation.
type Group struct {
	ID        GroupID   `json:"id"`
	TenantID  TenantID  `json:"tenant_id"`
	Name      string    `json:"name"`
	Type      GroupType `json:"type"`
	TagQuery  string    `json:"tag_query,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupMembership records one device's membership in a static group.
type GroupMembership struct {
	GroupID  GroupID   `json:"group_id"`
	DeviceID DeviceID  `json:"device_id"`
	AddedAt  time.Time `json:"added_at"`
	AddedBy  string    `json:"added_by"`
}
