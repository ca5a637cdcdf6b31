package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/cutover/pkg/types"
)

// ImageDefinitionsFile is the build manifest file name
const ImageDefinitionsFile = "imagedefinitions.json"

// ParseImageDefinitions decodes a build manifest: a JSON list of
// {"name", "imageUri"} entries, one per container
func ParseImageDefinitions(data []byte) ([]types.ImageDefinition, error) {
	var defs []types.ImageDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", ErrInvalidArtifact, ImageDefinitionsFile, err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: %s lists no images", ErrInvalidArtifact, ImageDefinitionsFile)
	}

	seen := make(map[string]bool, len(defs))
	for i, d := range defs {
		if d.Name == "" || d.ImageURI == "" {
			return nil, fmt.Errorf("%w: %s entry %d needs name and imageUri", ErrInvalidArtifact, ImageDefinitionsFile, i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%w: %s lists container %s twice", ErrInvalidArtifact, ImageDefinitionsFile, d.Name)
		}
		seen[d.Name] = true
	}
	return defs, nil
}

// imageFor picks the image of the named container. A single-entry manifest
// also serves a spec that names no container.
func imageFor(defs []types.ImageDefinition, container string) (string, error) {
	for _, d := range defs {
		if d.Name == container {
			return d.ImageURI, nil
		}
	}
	if len(defs) == 1 && container == "" {
		return defs[0].ImageURI, nil
	}
	return "", fmt.Errorf("%w: no image for container %q in %s", ErrInvalidArtifact, container, ImageDefinitionsFile)
}
