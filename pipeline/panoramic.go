package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/odontiq/odontiq/task"
)

// Config configures a built-in pipeline.
type Config struct {
	// WeightsDir is the local weight cache root (mirrors the object-store
	// key hierarchy).
	WeightsDir string
	// Modules are the per-module settings, keyed by module name. Forwarded
	// opaquely to the backend; weights_key is resolved against WeightsDir.
	Modules map[string]ModuleConfig
	// Infer is the real model backend. Nil means mock mode.
	Infer InferenceFunc
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Panoramic analyzes panoramic radiographs: tooth detection, numbering and
// per-tooth findings. No auxiliary inputs required.
type Panoramic struct {
	cfg  Config
	mock bool
}

// NewPanoramic creates the panoramic pipeline, probing weights availability.
func NewPanoramic(cfg Config) *Panoramic {
	cfg.defaults()
	p := &Panoramic{cfg: cfg}
	p.mock = cfg.Infer == nil || !resolveWeights(cfg.Logger, "panoramic", cfg.WeightsDir, cfg.Modules)
	if !p.mock {
		cfg.Logger.Info("pipeline: panoramic ready", "modules", len(cfg.Modules))
	}
	return p
}

// Type implements Pipeline.
func (p *Panoramic) Type() task.Type { return task.TypePanoramic }

// Run implements Pipeline.
func (p *Panoramic) Run(ctx context.Context, in Input) (json.RawMessage, *task.Error) {
	if p.mock {
		p.cfg.Logger.Info("pipeline: serving mock result", "pipeline", "panoramic", "task_id", in.Record.TaskID, "mock", true)
		return panoramicMockPayload()
	}
	out, err := p.cfg.Infer(ctx, in)
	if err != nil {
		return nil, task.Errorf(task.KindInferenceFailure, "panoramic inference: %v", err)
	}
	return out, nil
}

// panoramicMockPayload is the deterministic degenerate-mode result. Shape
// matches the real backend: FDI-numbered teeth with boxes and findings.
func panoramicMockPayload() (json.RawMessage, *task.Error) {
	payload := map[string]any{
		"teeth": []map[string]any{
			{
				"fdi":        "16",
				"box":        map[string]float64{"x": 412, "y": 318, "w": 96, "h": 142},
				"confidence": 0.97,
				"findings":   []string{"caries_occlusal"},
			},
			{
				"fdi":        "26",
				"box":        map[string]float64{"x": 1493, "y": 322, "w": 94, "h": 139},
				"confidence": 0.96,
				"findings":   []string{},
			},
			{
				"fdi":        "36",
				"box":        map[string]float64{"x": 1481, "y": 704, "w": 101, "h": 151},
				"confidence": 0.95,
				"findings":   []string{"restoration"},
			},
			{
				"fdi":        "46",
				"box":        map[string]float64{"x": 424, "y": 699, "w": 99, "h": 148},
				"confidence": 0.95,
				"findings":   []string{},
			},
		},
		"summary": map[string]any{
			"teethDetected":    28,
			"cariesCount":      1,
			"restorationCount": 1,
			"missingTeeth":     []string{"18", "28", "38", "48"},
		},
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, task.Errorf(task.KindInferenceFailure, "encode mock payload: %v", err)
	}
	return out, nil
}
