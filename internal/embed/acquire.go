package embed

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/madzarm/ccsearch/internal/model"
)

// requiredModelFiles are the files New expects under a model directory.
var requiredModelFiles = []string{"model.onnx", "tokenizer.json"}

// ModelDir returns the directory a model with the given id would live in
// under dataDir (<home>/.ccsearch/models/<modelID>/).
func ModelDir(dataDir, modelID string) string {
	return filepath.Join(dataDir, "models", modelID)
}

// Acquirer resolves a usable local model directory. Acquiring a model over
// the network is out of scope for this package; the only acquirer provided
// checks for files already present on disk and reports
// model.KindEmbedderUnavailable when they are not.
type Acquirer interface {
	Acquire(dataDir, modelID string) (string, error)
}

// LocalAcquirer verifies a previously-placed model directory without
// attempting any download.
type LocalAcquirer struct{}

// Acquire returns the model directory if it contains the required files, or
// a model.KindEmbedderUnavailable error naming the first missing file.
func (LocalAcquirer) Acquire(dataDir, modelID string) (string, error) {
	dir := ModelDir(dataDir, modelID)
	for _, name := range requiredModelFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			return "", model.NewError(model.KindEmbedderUnavailable,
				fmt.Errorf("model %q not acquired: %s missing (place it under %s)", modelID, name, dir))
		}
	}
	return dir, nil
}
