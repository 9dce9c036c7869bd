package pipeline

import (
	"context"
	"encoding/json"

	"github.com/odontiq/odontiq/task"
)

// Cephalometric analyzes lateral cephalograms: landmark regression plus the
// standard angular/linear measurements. Requires patientInfo (gender and
// dental age stage); consumes pixelSpacing when the request carries one.
type Cephalometric struct {
	cfg  Config
	mock bool
}

// NewCephalometric creates the cephalometric pipeline, probing weights
// availability.
func NewCephalometric(cfg Config) *Cephalometric {
	cfg.defaults()
	p := &Cephalometric{cfg: cfg}
	p.mock = cfg.Infer == nil || !resolveWeights(cfg.Logger, "cephalometric", cfg.WeightsDir, cfg.Modules)
	if !p.mock {
		cfg.Logger.Info("pipeline: cephalometric ready", "modules", len(cfg.Modules))
	}
	return p
}

// Type implements Pipeline.
func (p *Cephalometric) Type() task.Type { return task.TypeCephalometric }

// Run implements Pipeline.
func (p *Cephalometric) Run(ctx context.Context, in Input) (json.RawMessage, *task.Error) {
	pi := in.Record.PatientInfo
	if pi == nil {
		return nil, task.Errorf(task.KindInferenceFailure,
			"cephalometric task %s has no patientInfo", in.Record.TaskID)
	}
	if p.mock {
		p.cfg.Logger.Info("pipeline: serving mock result", "pipeline", "cephalometric", "task_id", in.Record.TaskID, "mock", true)
		return cephalometricMockPayload(pi)
	}
	out, err := p.cfg.Infer(ctx, in)
	if err != nil {
		return nil, task.Errorf(task.KindInferenceFailure, "cephalometric inference: %v", err)
	}
	return out, nil
}

// cephalometricMockPayload is the deterministic degenerate-mode result.
// Landmarks follow the {name -> (x, y, confidence)} contract with null for
// points the model could not place.
func cephalometricMockPayload(pi *task.PatientInfo) (json.RawMessage, *task.Error) {
	landmarks := map[string]Landmark{
		"S":   {X: 612.0, Y: 498.5, Confidence: 0.99},
		"N":   {X: 918.2, Y: 461.0, Confidence: 0.99},
		"A":   {X: 941.7, Y: 792.3, Confidence: 0.97},
		"B":   {X: 914.4, Y: 1012.8, Confidence: 0.96},
		"ANS": {X: 962.1, Y: 748.0, Confidence: 0.95},
		"PNS": {X: 676.9, Y: 764.2, Confidence: 0.94},
		"Go":  {X: 561.3, Y: 1020.6, Confidence: 0.93},
		"Me":  {X: 880.5, Y: 1135.9, Confidence: 0.98},
		"Po":  Missing, // commonly obscured by the ear rod
	}

	// The pixel spacing scales linear measurements into millimetres; angular
	// measurements are scale-invariant.
	spacing := pi.PixelSpacing
	if spacing <= 0 {
		spacing = 0.1
	}

	payload := map[string]any{
		"patient": map[string]any{
			"gender":         pi.Gender,
			"dentalAgeStage": pi.DentalAgeStage,
		},
		"pixelSpacing": spacing,
		"landmarks":    landmarks,
		"measurements": map[string]any{
			"SNA": map[string]any{"value": 82.1, "unit": "deg", "norm": "82±3.5"},
			"SNB": map[string]any{"value": 79.8, "unit": "deg", "norm": "80±3.0"},
			"ANB": map[string]any{"value": 2.3, "unit": "deg", "norm": "2±2.0"},
			"WITS": map[string]any{
				"value": 1.4 * spacing / 0.1, "unit": "mm", "norm": "0±2.0",
			},
		},
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, task.Errorf(task.KindInferenceFailure, "encode mock payload: %v", err)
	}
	return out, nil
}
