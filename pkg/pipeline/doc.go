/*
Package pipeline is the Pipeline Coordinator. A source change runs three
stages strictly in order, each consuming the artifact of the one before:

	Source ──SourceArtifact──▶ Build ──imagedefinitions.json──▶ Deploy ──▶ deploy.Engine

A failing stage ends the run with a *StageFailedError naming the stage, and
later stages never run. Nothing done by earlier stages is undone: a pushed
image stays pushed.

# Stages

Source accepts the event if its repository and branch match the pipeline
and records the commit.

Build hands the source revision to a Builder. CommandBuilder runs a shell
command with REPOSITORY_URI, COMMIT_ID and IMAGE_TAG set and reads the
imagedefinitions.json it writes. TagBuilder resolves an image another
system already pushed as <repository>:<commit[:7]>.

Deploy turns the manifest into a task spec and calls the release engine.
Rolling services get the new image in their current spec. Blue/green
pipelines may carry a task definition template whose <IMAGE1_NAME>
placeholder is replaced by the built image and validated against a JSON
schema, plus an appspec naming the container and port behind the load
balancer. The deployment's outcome becomes the run's outcome.

# Webhooks

HandleWebhook verifies X-Hub-Signature-256 when the pipeline has a secret.
Secret references are literals, env:NAME or secretsmanager:<secret-id>.

Runs of one pipeline never overlap. Runs of different pipelines do.
*/
package pipeline
