package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/odontiq/odontiq/task"
)

// Registry maps task types to their pipelines. The table is built once at
// startup and read-only afterwards.
type Registry map[task.Type]Pipeline

// NewRegistry builds a registry from pipelines. Duplicate types are an error:
// routing must be unambiguous.
func NewRegistry(pipelines ...Pipeline) (Registry, error) {
	reg := make(Registry, len(pipelines))
	for _, p := range pipelines {
		if _, dup := reg[p.Type()]; dup {
			return nil, fmt.Errorf("pipeline: duplicate registration for type %q", p.Type())
		}
		reg[p.Type()] = p
	}
	return reg, nil
}

// Dispatcher selects the pipeline for a record and enforces the auxiliary
// input contracts the pipelines rely on.
type Dispatcher struct {
	reg    Registry
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher over reg.
func NewDispatcher(reg Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{reg: reg, logger: logger}
}

// Dispatch routes rec to its pipeline and runs it against imagePath.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *task.Record, imagePath string) (json.RawMessage, *task.Error) {
	p, ok := d.reg[rec.TaskType]
	if !ok {
		return nil, task.Errorf(task.KindInferenceFailure,
			"no pipeline registered for task type %q", rec.TaskType)
	}

	// Admission guarantees this for well-behaved ingresses; redelivered
	// records from older deployments may still miss it.
	if rec.TaskType == task.TypeCephalometric && rec.PatientInfo == nil {
		return nil, task.Errorf(task.KindInferenceFailure,
			"cephalometric task %s has no patientInfo", rec.TaskID)
	}

	start := time.Now()
	data, terr := p.Run(ctx, Input{Record: rec, ImagePath: imagePath})
	if terr != nil {
		d.logger.Warn("pipeline: run failed",
			"task_id", rec.TaskID, "task_type", rec.TaskType,
			"error", terr, "duration_ms", time.Since(start).Milliseconds())
		return nil, terr
	}
	d.logger.Info("pipeline: run complete",
		"task_id", rec.TaskID, "task_type", rec.TaskType,
		"duration_ms", time.Since(start).Milliseconds())
	return data, nil
}
