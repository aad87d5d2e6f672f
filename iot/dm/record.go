package dm

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Namespace is the top-level key of all device management patterns in the reported properties
const Namespace = "iothubDM"

// The capabilities
const (
	CapabilityFirmwareUpdate = "firmwareUpdate"
	CapabilityReboot         = "reboot"
)

// Phase is one state of the firmware update
type Phase string

// The phases of a firmware update
const (
	PhaseWaiting          Phase = "waiting"
	PhaseDownloading      Phase = "downloading"
	PhaseDownloadComplete Phase = "downloadComplete"
	PhaseDownloadFailed   Phase = "downloadFailed"
	PhaseApplying         Phase = "applying"
	PhaseApplyComplete    Phase = "applyComplete"
	PhaseApplyFailed      Phase = "applyFailed"
)

// Valid returns true for known phases
func (p Phase) Valid() bool {
	switch p {
	case PhaseWaiting, PhaseDownloading, PhaseDownloadComplete, PhaseDownloadFailed,
		PhaseApplying, PhaseApplyComplete, PhaseApplyFailed:
		return true
	}
	return false
}

// Failed returns true for the failure terminals
func (p Phase) Failed() bool {
	return p == PhaseDownloadFailed || p == PhaseApplyFailed
}

// Terminal returns true if a run ends in this phase
func (p Phase) Terminal() bool {
	return p == PhaseApplyComplete || p.Failed()
}

// StatusError is the error of a failed phase
type StatusError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StatusRecord is the firmware update status of a device. The device reports one record
// per phase transition and the latest record wins.
type StatusRecord struct {
	Phase      Phase        `json:"status"`
	Timestamp  time.Time    `json:"timestamp"`
	Error      *StatusError `json:"error"`
	PackageURI string       `json:"fwPackageUri"`
}

// wireRecord spells out every field, absent ones as null. Merged into the twin, a record
// thereby replaces all fields of its predecessor.
type wireRecord struct {
	Status       Phase        `json:"status"`
	Timestamp    string       `json:"timestamp"`
	Error        *StatusError `json:"error"`
	FwPackageURI *string      `json:"fwPackageUri"`
}

// MarshalJSON implements json.Marshaler
func (r StatusRecord) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		Status:    r.Phase,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		Error:     r.Error,
	}
	if len(r.PackageURI) > 0 {
		uri := r.PackageURI
		w.FwPackageURI = &uri
	}
	return json.Marshal(w)
}

// Validate checks the shape of the record: an error on failed phases only, a package
// URI on waiting only
func (r StatusRecord) Validate() error {
	if !r.Phase.Valid() {
		return fmt.Errorf("unknown phase %q", r.Phase)
	}
	if r.Phase.Failed() && r.Error == nil {
		return fmt.Errorf("phase %s must have an error", r.Phase)
	}
	if !r.Phase.Failed() && r.Error != nil {
		return fmt.Errorf("phase %s must not have an error", r.Phase)
	}
	if len(r.PackageURI) > 0 && r.Phase != PhaseWaiting {
		return fmt.Errorf("phase %s must not carry a package uri", r.Phase)
	}
	return nil
}

func (r StatusRecord) String() string {
	if r.Error != nil {
		return fmt.Sprintf("%s at %s: %d %s", r.Phase, r.Timestamp.Format(time.RFC3339), r.Error.Code, r.Error.Message)
	}
	if len(r.PackageURI) > 0 {
		return fmt.Sprintf("%s at %s for %s", r.Phase, r.Timestamp.Format(time.RFC3339), r.PackageURI)
	}
	return fmt.Sprintf("%s at %s", r.Phase, r.Timestamp.Format(time.RFC3339))
}

// RebootRecord is the reboot status of a device
type RebootRecord struct {
	LastReboot time.Time `json:"lastReboot"`
}
