package pipeline

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/deepnoodle-ai/stateflow"
)

// Definition ids of the embedded workflows.
const (
	DefinitionIngest      = "vod-ingest"
	DefinitionIngestAsync = "vod-ingest-async"
	DefinitionPublish     = "vod-publish"
)

//go:embed definitions/*.yaml
var definitionFS embed.FS

// Definitions loads the embedded workflow definitions.
func Definitions() ([]*stateflow.Definition, error) {
	paths, err := fs.Glob(definitionFS, "definitions/*.yaml")
	if err != nil {
		return nil, err
	}
	defs := make([]*stateflow.Definition, 0, len(paths))
	for _, path := range paths {
		data, err := definitionFS.ReadFile(path)
		if err != nil {
			return nil, err
		}
		def, err := stateflow.Load(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}
