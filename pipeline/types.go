// Package pipeline routes admitted tasks to the inference pipeline matching
// their taskType and defines the seam between the dispatch fabric and the
// model-specific analysis code.
//
// Pipelines are external collaborators from the fabric's point of view:
// `(taskType, imagePath, patientInfo) -> resultJSON | errorKind`. The three
// built-ins here own weight resolution and a degenerate mock mode: when the
// configured weights are missing at construction they serve a deterministic
// example payload and say so in the operational log, never in the envelope.
package pipeline

import (
	"context"
	"encoding/json"
	"math"

	"github.com/odontiq/odontiq/task"
)

// Input is everything a pipeline receives for one task.
type Input struct {
	Record    *task.Record
	ImagePath string // image bytes, already on local disk
}

// Pipeline turns an image (plus auxiliary inputs) into a result payload or a
// classified error.
type Pipeline interface {
	// Type is the taskType this pipeline serves.
	Type() task.Type
	// Run executes inference. The returned payload is opaque to the fabric.
	Run(ctx context.Context, in Input) (json.RawMessage, *task.Error)
}

// InferenceFunc is the plug-in point for a real model backend. Registering
// one replaces the mock payload for a pipeline whose weights are present.
type InferenceFunc func(ctx context.Context, in Input) (json.RawMessage, error)

// Landmark is a named anatomical point. Coordinates use NaN for "missing";
// a missing landmark marshals as JSON null so receivers never see NaN.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// Missing is the Landmark value for a point the model could not place.
var Missing = Landmark{X: math.NaN(), Y: math.NaN()}

// IsMissing reports whether the landmark carries no position.
func (l Landmark) IsMissing() bool {
	return math.IsNaN(l.X) || math.IsNaN(l.Y)
}

// MarshalJSON emits null for missing landmarks.
func (l Landmark) MarshalJSON() ([]byte, error) {
	if l.IsMissing() {
		return []byte("null"), nil
	}
	type plain Landmark
	return json.Marshal(plain(l))
}

// UnmarshalJSON accepts null as the missing landmark.
func (l *Landmark) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = Missing
		return nil
	}
	type plain Landmark
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = Landmark(p)
	return nil
}

// ModuleConfig is the per-module pipeline configuration. The fabric forwards
// it opaquely; only weights_key is interpreted here (weight resolution).
type ModuleConfig struct {
	WeightsKey string         `yaml:"weights_key" json:"weights_key"`
	Device     string         `yaml:"device" json:"device"`
	Conf       float64        `yaml:"conf" json:"conf"`
	IOU        float64        `yaml:"iou" json:"iou"`
	Extra      map[string]any `yaml:",inline" json:"-"`
}
