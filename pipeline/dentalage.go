package pipeline

import (
	"context"
	"encoding/json"

	"github.com/odontiq/odontiq/task"
)

// DentalAge estimates dental age from a panoramic radiograph. Consumes only
// the image.
type DentalAge struct {
	cfg  Config
	mock bool
}

// NewDentalAge creates the dental-age pipeline, probing weights availability.
func NewDentalAge(cfg Config) *DentalAge {
	cfg.defaults()
	p := &DentalAge{cfg: cfg}
	p.mock = cfg.Infer == nil || !resolveWeights(cfg.Logger, "dental_age", cfg.WeightsDir, cfg.Modules)
	if !p.mock {
		cfg.Logger.Info("pipeline: dental_age ready", "modules", len(cfg.Modules))
	}
	return p
}

// Type implements Pipeline.
func (p *DentalAge) Type() task.Type { return task.TypeDentalAge }

// Run implements Pipeline.
func (p *DentalAge) Run(ctx context.Context, in Input) (json.RawMessage, *task.Error) {
	if p.mock {
		p.cfg.Logger.Info("pipeline: serving mock result", "pipeline", "dental_age", "task_id", in.Record.TaskID, "mock", true)
		return dentalAgeMockPayload()
	}
	out, err := p.cfg.Infer(ctx, in)
	if err != nil {
		return nil, task.Errorf(task.KindInferenceFailure, "dental_age inference: %v", err)
	}
	return out, nil
}

// dentalAgeMockPayload is the deterministic degenerate-mode result.
func dentalAgeMockPayload() (json.RawMessage, *task.Error) {
	payload := map[string]any{
		"estimatedAge": 12.4,
		"range":        map[string]float64{"low": 11.1, "high": 13.7},
		"method":       "demirjian",
		"stages": []map[string]any{
			{"fdi": "31", "stage": "H"},
			{"fdi": "32", "stage": "H"},
			{"fdi": "33", "stage": "G"},
			{"fdi": "34", "stage": "G"},
			{"fdi": "35", "stage": "F"},
			{"fdi": "36", "stage": "H"},
			{"fdi": "37", "stage": "E"},
		},
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, task.Errorf(task.KindInferenceFailure, "encode mock payload: %v", err)
	}
	return out, nil
}
