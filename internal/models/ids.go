package models

import (
	"github.com/google/uuid"

	"signalbeam.sh/internal/sberrors"
)

// Distinct ID types for each entity. All are UUID strings underneath;
// the separate types keep a DeviceID from ever being passed where a
// RolloutID is expected.
type (
	TenantID     string
	DeviceID     string
	BundleID     string
	GroupID      string
	RolloutID    string
	PhaseID      string
	AssignmentID string
)

func NewDeviceID() DeviceID         { return DeviceID(uuid.NewString()) }
func NewBundleID() BundleID         { return BundleID(uuid.NewString()) }
func NewGroupID() GroupID           { return GroupID(uuid.NewString()) }
func NewRolloutID() RolloutID       { return RolloutID(uuid.NewString()) }
func NewPhaseID() PhaseID           { return PhaseID(uuid.NewString()) }
func NewAssignmentID() AssignmentID { return AssignmentID(uuid.NewString()) }

func (id TenantID) String() string     { return string(id) }
func (id DeviceID) String() string     { return string(id) }
func (id BundleID) String() string     { return string(id) }
func (id GroupID) String() string      { return string(id) }
func (id RolloutID) String() string    { return string(id) }
func (id PhaseID) String() string      { return string(id) }
func (id AssignmentID) String() string { return string(id) }

// ParseRolloutID validates an externally supplied rollout ID.
func ParseRolloutID(s string) (RolloutID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", sberrors.Wrapf(err, sberrors.ErrCodeValidation, "invalid rollout id %q", s)
	}
	return RolloutID(s), nil
}

// ParseDeviceID validates an externally supplied device ID.
func ParseDeviceID(s string) (DeviceID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", sberrors.Wrapf(err, sberrors.ErrCodeValidation, "invalid device id %q", s)
	}
	return DeviceID(s), nil
}

// ParseGroupID validates an externally supplied group ID.
func ParseGroupID(s string) (GroupID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", sberrors.Wrapf(err, sberrors.ErrCodeValidation, "invalid group id %q", s)
	}
	return GroupID(s), nil
}
