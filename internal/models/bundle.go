package models

import (
	"regexp"
	"time"

	"signalbeam.sh/internal/sberrors"
)

// Bundle is a named collection of container specs deployed as a unit.
type Bundle struct {
	ID            BundleID  `json:"id"`
	TenantID      TenantID  `json:"tenant_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	LatestVersion string    `json:"latest_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// BundleVersion is an immutable, semver-identified snapshot of a
// bundle's container specs. Only Status may change after creation.
type BundleVersion struct {
	BundleID   BundleID        `json:"bundle_id"`
	Version    string          `json:"version"`
	Containers []ContainerSpec `json:"containers"`
	Checksum   string          `json:"checksum"` // sha256:<64 hex>
	SizeBytes  int64           `json:"size_bytes"`
	BlobURI    string          `json:"blob_uri"`
	Status     VersionStatus   `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ContainerSpec describes one container within a bundle.
type ContainerSpec struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	Env           map[string]string `json:"env,omitempty"`
	Ports         []string          `json:"ports,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	RestartPolicy string            `json:"restart_policy,omitempty"`
}

// VersionStatus is the publication state of a bundle version.
type VersionStatus string

const (
	VersionStatusDraft      VersionStatus = "draft"
	VersionStatusPublished  VersionStatus = "published"
	VersionStatusDeprecated VersionStatus = "deprecated"
)

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?$`)

// ValidateSemver rejects version strings that are not plain semver with
// an optional pre-release suffix.
func ValidateSemver(version string) error {
	if !semverRe.MatchString(version) {
		return sberrors.Newf(sberrors.ErrCodeValidation, "invalid semantic version %q", version)
	}
	return nil
}
