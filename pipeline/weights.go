package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
)

// resolveWeights checks that every module's weights file is present under
// weightsDir. It returns true when the pipeline can run its real backend,
// false when it must fall back to mock mode. Missing files are logged with
// their expected paths so an operator can see at a glance what to provision.
//
// The weights cache mirrors the object-store key hierarchy: weights_key
// "panoramic/teeth_det.onnx" lives at <weightsDir>/panoramic/teeth_det.onnx.
func resolveWeights(logger *slog.Logger, pipelineName, weightsDir string, modules map[string]ModuleConfig) bool {
	if weightsDir == "" {
		logger.Warn("pipeline: no weights dir configured, running in mock mode", "pipeline", pipelineName)
		return false
	}

	ok := true
	for name, mod := range modules {
		if mod.WeightsKey == "" {
			continue
		}
		path := filepath.Join(weightsDir, filepath.FromSlash(mod.WeightsKey))
		if _, err := os.Stat(path); err != nil {
			logger.Warn("pipeline: weights unavailable, running in mock mode",
				"pipeline", pipelineName, "module", name, "path", path)
			ok = false
		}
	}
	if len(modules) == 0 {
		logger.Warn("pipeline: no modules configured, running in mock mode", "pipeline", pipelineName)
		return false
	}
	return ok
}
