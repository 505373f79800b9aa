package strategy

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/pkg/errors"
)

// LabelMarkerFile names the marker_file strategy.
const LabelMarkerFile = "marker_file"

// MarkerFilePath is the administrator-managed finalization marker.
const MarkerFilePath = "/var/lib/updatehound/admin/strategy/marker_file/allowfinalize.json"

// markerRecheckPause is the retry hint while the marker is absent or
// expired; cheap local check, polled at a moderate pace.
const markerRecheckPause = time.Minute

// finalizationMarker is the marker file JSON content.
type finalizationMarker struct {
	// AllowUntil is a Unix timestamp bounding the marker validity.
	AllowUntil *int64 `json:"allowUntil"`
}

// MarkerFile allows finalization while a well-known local file exists and
// has not expired.
type MarkerFile struct {
	log  logging.Logger
	path string
}

func (s *MarkerFile) Label() string {
	return LabelMarkerFile
}

func (s *MarkerFile) ReportSteady(ctx context.Context) error {
	return nil
}

func (s *MarkerFile) CanFinalize(ctx context.Context) Decision {
	allowed, err := markerAllowsFinalization(s.path, time.Now())
	if err != nil {
		s.log.WithError(err).Warn("failed to evaluate finalization marker file")
		return Deny("marker_file_error", markerRecheckPause)
	}
	if !allowed {
		return Deny("marker_file", markerRecheckPause)
	}
	return Allow
}

func markerAllowsFinalization(path string, now time.Time) (bool, error) {
	attr, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to stat marker file")
	}

	if !attr.Mode().IsRegular() {
		return false, errors.New("marker file is not a regular file")
	}
	if attr.Mode().Perm()&0o002 != 0 {
		return false, errors.New("marker file should not be writable by other")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrap(err, "failed to read marker file")
	}
	var marker finalizationMarker
	if err := json.Unmarshal(content, &marker); err != nil {
		return false, errors.Wrap(err, "failed to parse marker file JSON")
	}

	if marker.AllowUntil != nil && now.Unix() >= *marker.AllowUntil {
		return false, nil
	}
	return true, nil
}
