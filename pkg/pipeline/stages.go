package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/cutover/pkg/deploy"
	"github.com/cuemby/cutover/pkg/events"
	"github.com/cuemby/cutover/pkg/metrics"
	"github.com/cuemby/cutover/pkg/types"
)

// runner executes the stages of one run
type runner struct {
	c      *Coordinator
	def    Definition
	run    *types.PipelineRun
	logger zerolog.Logger

	source *SourceArtifact
	build  *BuildArtifact
}

func (r *runner) execute(ctx context.Context) error {
	stages := []struct {
		stage types.Stage
		fn    func(context.Context) (string, error)
	}{
		{types.StageSource, r.sourceStage},
		{types.StageBuild, r.buildStage},
		{types.StageDeploy, r.deployStage},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return r.stageFailed(s.stage, err, time.Now(), metrics.NewTimer())
		}

		started := time.Now()
		timer := metrics.NewTimer()
		r.logger.Info().Str("stage", string(s.stage)).Msg("Stage started")

		output, err := s.fn(ctx)
		if err != nil {
			return r.stageFailed(s.stage, err, started, timer)
		}

		timer.ObserveDurationVec(metrics.StageDuration, r.def.Name, string(s.stage))
		r.run.Stages = append(r.run.Stages, types.StageRecord{
			Stage:      s.stage,
			Status:     types.RunSucceeded,
			StartedAt:  started,
			FinishedAt: time.Now(),
			Output:     output,
		})
		r.c.save(r.run, r.logger)

		r.logger.Info().
			Str("stage", string(s.stage)).
			Dur("duration", timer.Duration()).
			Msg("Stage completed")
		r.c.cfg.Events.Publish(events.New(events.EventStageCompleted,
			fmt.Sprintf("stage %s of %s completed", s.stage, r.def.Name),
			map[string]string{"run_id": r.run.ID, "pipeline": r.def.Name, "stage": string(s.stage)}))
	}
	return nil
}

func (r *runner) stageFailed(stage types.Stage, cause error, started time.Time, timer *metrics.Timer) error {
	timer.ObserveDurationVec(metrics.StageDuration, r.def.Name, string(stage))

	status := types.RunFailed
	if r.run.Status == types.RunRolledBack {
		status = types.RunRolledBack
	}
	r.run.Status = status
	r.run.FailedStage = stage
	r.run.Stages = append(r.run.Stages, types.StageRecord{
		Stage:      stage,
		Status:     status,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Error:      cause.Error(),
	})

	r.c.cfg.Events.Publish(events.New(events.EventStageFailed,
		fmt.Sprintf("stage %s of %s failed: %v", stage, r.def.Name, cause),
		map[string]string{"run_id": r.run.ID, "pipeline": r.def.Name, "stage": string(stage)}))
	return &StageFailedError{Stage: stage, Cause: cause}
}

func (r *runner) sourceStage(ctx context.Context) (string, error) {
	ev := r.run.Event
	if !sameRepository(r.def.Repository, ev.Repository) {
		return "", fmt.Errorf("event repository %s does not match %s", ev.Repository, r.def.Repository)
	}
	if ev.Branch != r.def.Branch {
		return "", fmt.Errorf("event branch %s does not match %s", ev.Branch, r.def.Branch)
	}
	if ev.Commit == "" {
		return "", fmt.Errorf("event has no commit")
	}

	r.source = &SourceArtifact{Repository: ev.Repository, Branch: ev.Branch, Commit: ev.Commit}
	data, err := json.Marshal(r.source)
	if err != nil {
		return "", fmt.Errorf("failed to encode source artifact: %w", err)
	}
	r.run.Artifacts[SourceArtifactName] = &types.ArtifactRef{
		Name:  SourceArtifactName,
		Stage: types.StageSource,
		Files: map[string][]byte{"source.json": data},
	}
	return SourceArtifactName, nil
}

func (r *runner) buildStage(ctx context.Context) (string, error) {
	artifact, err := r.def.Builder.Build(ctx, r.source)
	if err != nil {
		return "", err
	}
	r.build = artifact
	r.run.Artifacts[BuildArtifactName] = &types.ArtifactRef{
		Name:  BuildArtifactName,
		Stage: types.StageBuild,
		Files: map[string][]byte{ImageDefinitionsFile: artifact.Manifest},
	}
	for _, img := range artifact.Images {
		r.logger.Info().Str("container", img.Name).Str("image", img.ImageURI).Msg("Image built")
	}
	return BuildArtifactName, nil
}

func (r *runner) deployStage(ctx context.Context) (string, error) {
	svc, err := r.c.cfg.Store.GetService(r.def.Service)
	if err != nil {
		return "", fmt.Errorf("failed to load service %s: %w", r.def.Service, err)
	}

	spec, err := r.taskSpec(svc)
	if err != nil {
		return "", err
	}

	outcome, err := r.c.cfg.Releaser.Release(ctx, deploy.Request{
		Service:  svc.Name,
		TaskSpec: spec,
		Config:   r.def.Release,
	})
	if err != nil {
		return "", err
	}

	r.run.DeploymentID = outcome.DeploymentID
	if outcome.Status == types.DeploymentRolledBack {
		r.run.Status = types.RunRolledBack
	}
	if outcome.Err != nil {
		return "", fmt.Errorf("deployment %s %s: %w", outcome.DeploymentID, outcome.Status, outcome.Err)
	}
	if outcome.Status != types.DeploymentSucceeded {
		return "", fmt.Errorf("deployment %s ended %s", outcome.DeploymentID, outcome.Status)
	}
	return outcome.DeploymentID, nil
}

// taskSpec builds the spec to release from the build output
func (r *runner) taskSpec(svc *types.Service) (*types.TaskSpec, error) {
	if svc.Strategy == types.StrategyBlueGreen && len(r.def.TaskDefinition) > 0 {
		var container string
		var port int
		if svc.TaskSpec != nil {
			container = svc.TaskSpec.ContainerName
		}
		if len(r.def.AppSpec) > 0 {
			var err error
			if container, port, err = ParseAppSpec(r.def.AppSpec); err != nil {
				return nil, err
			}
		}
		image, err := imageFor(r.build.Images, container)
		if err != nil {
			return nil, err
		}
		return RenderTaskDefinition(r.def.TaskDefinition, image, container, port)
	}

	// Replace the image of the manifest's container in the live spec
	if svc.TaskSpec == nil {
		return nil, fmt.Errorf("service %s has no task spec to update", svc.Name)
	}
	image, err := imageFor(r.build.Images, svc.TaskSpec.ContainerName)
	if err != nil {
		return nil, err
	}
	spec := svc.TaskSpec.Clone()
	spec.Image = image
	return spec, nil
}
