package desiredstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/sberrors"
)

// Document is the read-only desired-state view the edge agent pulls.
// A nil Target serializes as {"deviceId": ..., "desiredState": null},
// telling the agent to stop all containers.
type Document struct {
	DeviceID models.DeviceID
	Target   *Target
}

// Target carries everything the agent needs to reconcile one bundle
// version.
type Target struct {
	BundleID    models.BundleID `json:"bundleId"`
	Version     string          `json:"version"`
	ManifestURL string          `json:"manifestUrl"`
	Checksum    string          `json:"checksum"`
	SizeBytes   int64           `json:"sizeBytes"`
	AssignedAt  time.Time       `json:"assignedAt"`
}

func (d Document) MarshalJSON() ([]byte, error) {
	if d.Target == nil {
		return json.Marshal(struct {
			DeviceID     models.DeviceID `json:"deviceId"`
			DesiredState *Target         `json:"desiredState"`
		}{DeviceID: d.DeviceID})
	}
	return json.Marshal(struct {
		DeviceID    models.DeviceID `json:"deviceId"`
		BundleID    models.BundleID `json:"bundleId"`
		Version     string          `json:"version"`
		ManifestURL string          `json:"manifestUrl"`
		Checksum    string          `json:"checksum"`
		SizeBytes   int64           `json:"sizeBytes"`
		AssignedAt  time.Time       `json:"assignedAt"`
	}{
		DeviceID:    d.DeviceID,
		BundleID:    d.Target.BundleID,
		Version:     d.Target.Version,
		ManifestURL: d.Target.ManifestURL,
		Checksum:    d.Target.Checksum,
		SizeBytes:   d.Target.SizeBytes,
		AssignedAt:  d.Target.AssignedAt,
	})
}

// Document builds the agent-facing view for one device, resolving the
// manifest location and checksum from the bundle-version record.
func (i *Index) Document(ctx context.Context, tenantID models.TenantID, deviceID models.DeviceID) (*Document, error) {
	var (
		bundleID   string
		version    string
		assignedAt time.Time
		blobURI    string
		checksum   string
		sizeBytes  int64
	)
	err := i.db.QueryRowContext(ctx, `
		SELECT ds.bundle_id, ds.bundle_version, ds.assigned_at,
		       bv.blob_uri, bv.checksum, bv.size_bytes
		FROM desired_states ds
		JOIN bundle_versions bv
		  ON bv.bundle_id = ds.bundle_id AND bv.version = ds.bundle_version
		WHERE ds.tenant_id = ? AND ds.device_id = ?
	`, tenantID, deviceID).Scan(&bundleID, &version, &assignedAt, &blobURI, &checksum, &sizeBytes)

	if err == sql.ErrNoRows {
		return &Document{DeviceID: deviceID}, nil
	}
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to build desired-state document")
	}

	return &Document{
		DeviceID: deviceID,
		Target: &Target{
			BundleID:    models.BundleID(bundleID),
			Version:     version,
			ManifestURL: blobURI,
			Checksum:    checksum,
			SizeBytes:   sizeBytes,
			AssignedAt:  assignedAt,
		},
	}, nil
}
