package transcode

import (
	"context"
	"log/slog"
	"time"
)

// Transcoder converts one original into segmented output.
type Transcoder interface {
	Transcode(ctx context.Context, input, outputDir string) (Result, error)
}

type Result struct {
	ManifestPath    string
	Representations []string
	Duration        time.Duration
}

// Orchestrator plans, runs and verifies encoder invocations for a fixed ladder.
type Orchestrator struct {
	ladder  Ladder
	options PlanOptions
	runner  *Runner
	logger  *slog.Logger
}

// NewOrchestrator validates ladder up front so misconfiguration surfaces at
// startup rather than on the first upload.
func NewOrchestrator(ladder Ladder, runner *Runner, options PlanOptions, logger *slog.Logger) (*Orchestrator, error) {
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		runner = &Runner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runner.Logger == nil {
		runner.Logger = logger
	}
	return &Orchestrator{ladder: ladder.clone(), options: options, runner: runner, logger: logger}, nil
}

func (o *Orchestrator) Ladder() Ladder {
	return o.ladder.clone()
}

func (o *Orchestrator) Transcode(ctx context.Context, input, outputDir string) (Result, error) {
	start := time.Now()
	plan, err := BuildPlan(input, outputDir, o.ladder, o.options)
	if err != nil {
		return Result{}, &Failure{Reason: "transcode could not be planned", Err: err}
	}
	if err := o.runner.Run(ctx, plan); err != nil {
		return Result{}, err
	}
	if err := Verify(plan); err != nil {
		return Result{}, err
	}
	return Result{
		ManifestPath:    plan.ManifestPath,
		Representations: plan.Ladder.Names(),
		Duration:        time.Since(start),
	}, nil
}
