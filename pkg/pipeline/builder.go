package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/cutover/pkg/types"
)

// SourceArtifact is the output of the Source stage
type SourceArtifact struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
}

// ImageTag is the tag builds use for a commit: its first seven characters
func (s *SourceArtifact) ImageTag() string {
	if len(s.Commit) > 7 {
		return s.Commit[:7]
	}
	return s.Commit
}

// BuildArtifact is the output of the Build stage
type BuildArtifact struct {
	Images []types.ImageDefinition
	// Manifest is the raw imagedefinitions.json
	Manifest []byte
	Log      string
}

// Builder turns a source revision into container images
type Builder interface {
	Build(ctx context.Context, src *SourceArtifact) (*BuildArtifact, error)
}

// CommandBuilder runs a shell command that builds and pushes images and
// writes imagedefinitions.json into WorkDir
type CommandBuilder struct {
	Command       string
	WorkDir       string
	RepositoryURI string
	Env           []string
	Timeout       time.Duration
}

// Build implements Builder
func (b *CommandBuilder) Build(ctx context.Context, src *SourceArtifact) (*BuildArtifact, error) {
	if b.Command == "" {
		return nil, fmt.Errorf("no build command configured")
	}

	timeout := b.Timeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	manifestPath := filepath.Join(b.WorkDir, ImageDefinitionsFile)
	// A manifest left by a previous build must not be mistaken for this one
	if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to clear previous manifest: %w", err)
	}

	cmd := exec.CommandContext(buildCtx, "sh", "-c", b.Command)
	cmd.Dir = b.WorkDir
	cmd.Env = append(os.Environ(), b.Env...)
	cmd.Env = append(cmd.Env,
		"REPOSITORY_URI="+b.RepositoryURI,
		"COMMIT_ID="+src.Commit,
		"IMAGE_TAG="+src.ImageTag(),
		"SOURCE_BRANCH="+src.Branch,
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("build command failed: %w: %s", err, tail(output.String(), 2048))
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("build did not produce %s: %w", ImageDefinitionsFile, err)
	}
	images, err := ParseImageDefinitions(data)
	if err != nil {
		return nil, err
	}

	return &BuildArtifact{Images: images, Manifest: data, Log: output.String()}, nil
}

// TagBuilder builds nothing. It resolves the image a separate build system
// pushed as <RepositoryURI>:<commit[:7]>.
type TagBuilder struct {
	RepositoryURI string
	ContainerName string
}

// Build implements Builder
func (b *TagBuilder) Build(ctx context.Context, src *SourceArtifact) (*BuildArtifact, error) {
	if b.RepositoryURI == "" || b.ContainerName == "" {
		return nil, fmt.Errorf("tag builder needs a repository URI and container name")
	}
	images := []types.ImageDefinition{{
		Name:     b.ContainerName,
		ImageURI: b.RepositoryURI + ":" + src.ImageTag(),
	}}
	data, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return &BuildArtifact{Images: images, Manifest: data}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
