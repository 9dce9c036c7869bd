// Package task defines the shared data model of the analysis fabric: the
// durable task record, the terminal callback envelope, and the error kinds
// with their stable wire codes.
//
// A record exists in the task store exactly while the task is in flight.
// Its presence is the idempotence signal: workers that pop a redelivered
// taskId and find no record treat the task as already terminal.
package task

import (
	"encoding/json"
	"time"
)

// Type selects the inference pipeline for a task.
type Type string

const (
	TypePanoramic     Type = "panoramic"
	TypeCephalometric Type = "cephalometric"
	TypeDentalAge     Type = "dental_age"
)

// Types lists all supported task types.
var Types = []Type{TypePanoramic, TypeCephalometric, TypeDentalAge}

// Valid reports whether t is a supported task type.
func (t Type) Valid() bool {
	switch t {
	case TypePanoramic, TypeCephalometric, TypeDentalAge:
		return true
	}
	return false
}

// PatientInfo carries the auxiliary inputs required by the cephalometric
// pipeline. Field names follow the wire schema verbatim.
type PatientInfo struct {
	Gender         string  `json:"gender"`         // Male | Female
	DentalAgeStage string  `json:"DentalAgeStage"` // Permanent | Mixed
	PixelSpacing   float64 `json:"pixelSpacing,omitempty"`
}

// Record is the unit of work: created at admission, deleted at successful
// callback delivery, reaped at TTL expiry. The queue carries only the taskId;
// the record holds everything needed to re-run the downstream pipeline after
// a worker crash.
type Record struct {
	TaskID      string       `json:"taskId"`
	TaskType    Type         `json:"taskType"`
	ImageURL    string       `json:"imageUrl,omitempty"`  // remote image, fetched by the worker
	ImagePath   string       `json:"imagePath,omitempty"` // pre-uploaded multipart body
	CallbackURL string       `json:"callbackUrl"`
	Metadata    json.RawMessage `json:"metadata,omitempty"` // opaque, echoed verbatim
	PatientInfo *PatientInfo `json:"patientInfo,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
}

// Callback envelope status values.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// RequestParameters echoes the identifying request fields in the envelope.
type RequestParameters struct {
	TaskType Type   `json:"taskType"`
	ImageURL string `json:"imageUrl"`
}

// EnvelopeError is the error triple carried by FAILURE envelopes.
type EnvelopeError struct {
	Code           int    `json:"code"`
	Message        string `json:"message"`
	DisplayMessage string `json:"displayMessage"`
}

// Envelope is the JSON body of the terminal callback. Exactly one of Data
// and Error is non-null, and Status agrees with which.
type Envelope struct {
	TaskID            string            `json:"taskId"`
	Status            string            `json:"status"`
	Timestamp         string            `json:"timestamp"` // ISO-8601 UTC
	Metadata          json.RawMessage   `json:"metadata"`
	RequestParameters RequestParameters `json:"requestParameters"`
	Data              json.RawMessage   `json:"data"`
	Error             *EnvelopeError    `json:"error"`
}

// NewSuccessEnvelope builds a SUCCESS envelope for rec with the given payload.
func NewSuccessEnvelope(rec *Record, data json.RawMessage, now time.Time) *Envelope {
	return &Envelope{
		TaskID:    rec.TaskID,
		Status:    StatusSuccess,
		Timestamp: now.UTC().Format(time.RFC3339),
		Metadata:  rec.Metadata,
		RequestParameters: RequestParameters{
			TaskType: rec.TaskType,
			ImageURL: rec.ImageURL,
		},
		Data: data,
	}
}

// NewFailureEnvelope builds a FAILURE envelope for rec carrying the error triple.
func NewFailureEnvelope(rec *Record, e *Error, now time.Time) *Envelope {
	return &Envelope{
		TaskID:    rec.TaskID,
		Status:    StatusFailure,
		Timestamp: now.UTC().Format(time.RFC3339),
		Metadata:  rec.Metadata,
		RequestParameters: RequestParameters{
			TaskType: rec.TaskType,
			ImageURL: rec.ImageURL,
		},
		Error: e.Envelope(),
	}
}
