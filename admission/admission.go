// Package admission validates analysis requests before a task record is
// created. All checks here are synchronous and side-effect free: a request
// that passes admission is well-formed, typed, and routable; the uniqueness
// gate itself lives in the task store.
package admission

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/odontiq/odontiq/idgen"
	"github.com/odontiq/odontiq/task"
)

// DefaultAllowedExtensions is the upload extension allow-list.
var DefaultAllowedExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".dcm"}

// Request is the decoded analysis submission, either from a JSON body or
// assembled from multipart form fields.
type Request struct {
	TaskID      string            `json:"taskId"`
	TaskType    string            `json:"taskType"`
	ImageURL    string            `json:"imageUrl,omitempty"`
	CallbackURL string            `json:"callbackUrl"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
	PatientInfo *task.PatientInfo `json:"patientInfo,omitempty"`
}

// Validator holds the admission policy knobs.
type Validator struct {
	// AllowedExtensions for multipart uploads. Entries are lowercase with
	// a leading dot. Default: DefaultAllowedExtensions.
	AllowedExtensions []string
}

// New creates a Validator. Pass nil extensions to use the default allow-list.
func New(allowedExtensions []string) *Validator {
	if len(allowedExtensions) == 0 {
		allowedExtensions = DefaultAllowedExtensions
	}
	return &Validator{AllowedExtensions: allowedExtensions}
}

// ValidateJSON checks a JSON submission. Returns nil when admissible.
func (v *Validator) ValidateJSON(req *Request) *task.Error {
	if e := v.validateCommon(req); e != nil {
		return e
	}
	if req.ImageURL == "" {
		return task.Errorf(task.KindValidationFailure, "imageUrl is required")
	}
	if e := requireHTTPURL("imageUrl", req.ImageURL); e != nil {
		return e
	}
	return nil
}

// ValidateMultipart checks a multipart submission carrying an uploaded file
// named filename. Returns nil when admissible.
func (v *Validator) ValidateMultipart(req *Request, filename string) *task.Error {
	if e := v.validateCommon(req); e != nil {
		return e
	}
	if filename == "" {
		return task.Errorf(task.KindValidationFailure, "image file is required")
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range v.AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return task.Errorf(task.KindUnsupportedMedia,
		"file extension %q is not supported (allowed: %s)", ext, strings.Join(v.AllowedExtensions, ", "))
}

// validateCommon applies the checks shared by both submission forms, in
// the documented order: taskId shape, taskType, callbackUrl, patientInfo.
func (v *Validator) validateCommon(req *Request) *task.Error {
	if req.TaskID == "" {
		return task.Errorf(task.KindValidationFailure, "taskId is required")
	}
	if !idgen.IsUUIDv4(req.TaskID) {
		return task.Errorf(task.KindValidationFailure, "taskId %q is not a version-4 UUID", req.TaskID)
	}
	if !task.Type(req.TaskType).Valid() {
		return task.Errorf(task.KindValidationFailure,
			"taskType %q is not supported (allowed: panoramic, cephalometric, dental_age)", req.TaskType)
	}
	if req.CallbackURL == "" {
		return task.Errorf(task.KindValidationFailure, "callbackUrl is required")
	}
	if e := requireHTTPURL("callbackUrl", req.CallbackURL); e != nil {
		return e
	}
	if task.Type(req.TaskType) == task.TypeCephalometric {
		if e := validatePatientInfo(req.PatientInfo); e != nil {
			return e
		}
	}
	return nil
}

func validatePatientInfo(pi *task.PatientInfo) *task.Error {
	if pi == nil {
		return task.Errorf(task.KindValidationFailure, "patientInfo is required for cephalometric tasks")
	}
	switch pi.Gender {
	case "Male", "Female":
	default:
		return task.Errorf(task.KindValidationFailure,
			"patientInfo.gender %q is not supported (allowed: Male, Female)", pi.Gender)
	}
	switch pi.DentalAgeStage {
	case "Permanent", "Mixed":
	default:
		return task.Errorf(task.KindValidationFailure,
			"patientInfo.DentalAgeStage %q is not supported (allowed: Permanent, Mixed)", pi.DentalAgeStage)
	}
	if pi.PixelSpacing < 0 {
		return task.Errorf(task.KindValidationFailure, "patientInfo.pixelSpacing must be positive")
	}
	return nil
}

func requireHTTPURL(field, raw string) *task.Error {
	u, err := url.Parse(raw)
	if err != nil {
		return task.Errorf(task.KindValidationFailure, "%s is not a valid URL: %v", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return task.Errorf(task.KindValidationFailure, "%s scheme %q is not allowed (use http or https)", field, u.Scheme)
	}
	if u.Host == "" {
		return task.Errorf(task.KindValidationFailure, "%s must be an absolute URL", field)
	}
	return nil
}
