package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opslattice/dirigent/comms"
	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/target"
)

// Runner drives one branch: it executes the job's actions in order against
// one target over that target's primary communication method. It is the
// sole writer of its branch row after creation.
type Runner struct {
	branches      *BranchStore
	logs          *LogStore
	targets       *target.Store
	factory       comms.Factory
	publisher     *Publisher
	aggregator    *Aggregator
	actionTimeout time.Duration
	logger        *zap.SugaredLogger
}

// NewRunner creates a branch runner. actionTimeout is the fallback deadline
// for actions that do not carry their own.
func NewRunner(
	branches *BranchStore,
	logs *LogStore,
	targets *target.Store,
	factory comms.Factory,
	publisher *Publisher,
	aggregator *Aggregator,
	actionTimeout time.Duration,
	logger *zap.SugaredLogger,
) *Runner {
	return &Runner{
		branches:      branches,
		logs:          logs,
		targets:       targets,
		factory:       factory,
		publisher:     publisher,
		aggregator:    aggregator,
		actionTimeout: actionTimeout,
		logger:        logger.Named("runner"),
	}
}

// Run executes every action of the job against the branch's target, fails
// fast on the first unrecoverable error, and observes ctx cancellation at
// action boundaries. It always leaves the branch in a terminal state, writes
// that state, publishes the branch event and notifies the aggregator.
func (r *Runner) Run(ctx context.Context, execution *Execution, branch *Branch, tgt *target.Target, actions []job.Action) {
	log := r.logger.With("branch", branch.Serial, "target", tgt.Serial)

	branch.Start()
	r.update(branch)
	r.publisher.Publish(Event{
		Type:            EventBranchStarted,
		ExecutionSerial: execution.Serial,
		BranchSerial:    branch.Serial,
		Status:          string(branch.Status),
	})

	r.execute(ctx, branch, tgt, actions)

	r.update(branch)
	log.Infow("branch finished",
		"status", branch.Status,
		"error_kind", branch.ErrorKind)
	r.publisher.Publish(Event{
		Type:            EventBranchFinished,
		ExecutionSerial: execution.Serial,
		BranchSerial:    branch.Serial,
		Status:          string(branch.Status),
		ErrorKind:       branch.ErrorKind,
	})
	if err := r.aggregator.OnBranchTerminal(branch.ExecutionID); err != nil {
		log.Errorw("failed to aggregate execution", "error", err)
	}
}

// execute walks the action list and drives branch into a terminal state.
func (r *Runner) execute(ctx context.Context, branch *Branch, tgt *target.Target, actions []job.Action) {
	method := tgt.PrimaryMethod()
	if method == nil {
		r.fail(branch, errors.Markf(errors.KindValidation, "target %s has no active communication method", tgt.Serial), nil)
		return
	}
	cred := method.Credential()
	if cred == nil {
		r.log(branch, PhaseAuthentication, LevelError,
			fmt.Sprintf("no credential configured for %s method", method.Kind))
		r.fail(branch, errors.Markf(errors.KindAuthentication, "no credential for target %s", tgt.Serial), nil)
		return
	}

	executor, err := r.factory.Executor(method)
	if err != nil {
		r.log(branch, PhaseCommunication, LevelError,
			fmt.Sprintf("cannot build %s executor: %v", method.Kind, err))
		r.fail(branch, err, nil)
		return
	}

	r.log(branch, PhaseCommunication, LevelInfo,
		fmt.Sprintf("dispatching %d actions via %s", len(actions), method.Kind))

	var lastOutput string
	var lastExit int
	for _, action := range actions {
		if ctx.Err() != nil {
			r.log(branch, PhaseSystem, LevelWarn,
				fmt.Sprintf("cancelled before action %d", action.Order))
			branch.Cancel()
			return
		}

		r.log(branch, PhaseActionExecution, LevelInfo,
			fmt.Sprintf("action %d (%s) starting", action.Order, action.Type))

		actx, cancel := context.WithTimeout(ctx, action.Timeout(r.actionTimeout))
		result, err := executor.Execute(actx, action, cred)
		cancel()

		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				r.log(branch, PhaseSystem, LevelWarn,
					fmt.Sprintf("cancelled during action %d", action.Order))
				branch.Cancel()
				return
			}
			kind := errors.KindOf(err)
			r.log(branch, phaseForKind(kind), LevelError,
				fmt.Sprintf("action %d (%s) failed: %v", action.Order, action.Type, err))
			if kind == errors.KindCommunication {
				r.markUnreachable(branch, tgt)
			}
			r.fail(branch, err, &result)
			return
		}

		lastOutput, lastExit = result.Output, result.ExitCode
		r.log(branch, PhaseResultCollection, LevelInfo,
			fmt.Sprintf("action %d (%s) completed with exit code %d", action.Order, action.Type, result.ExitCode))
	}

	branch.Complete(lastOutput, lastExit)
}

// fail writes the branch's failed state from a classified error.
func (r *Runner) fail(branch *Branch, err error, result *comms.Result) {
	var output string
	var exitCode *int
	if result != nil {
		output = result.Output
		if result.ExitCode != 0 {
			code := result.ExitCode
			exitCode = &code
		}
	}
	branch.Fail(errors.KindOf(err), err.Error(), output, exitCode)
}

// markUnreachable records that the target could not be reached. Health flips
// back to active on the next successful registration update, not here.
func (r *Runner) markUnreachable(branch *Branch, tgt *target.Target) {
	if tgt.Health == target.HealthDeactivated {
		return
	}
	if err := r.targets.SetHealth(tgt.ID, target.HealthUnreachable); err != nil {
		r.logger.Warnw("failed to mark target unreachable",
			"target", tgt.Serial, "branch", branch.Serial, "error", err)
	}
}

func (r *Runner) update(branch *Branch) {
	if err := r.branches.Update(branch); err != nil {
		r.logger.Errorw("failed to persist branch", "branch", branch.Serial, "error", err)
	}
}

func (r *Runner) log(branch *Branch, phase Phase, level, message string) {
	err := r.logs.Append(LogEntry{
		ExecutionID: branch.ExecutionID,
		BranchID:    branch.ID,
		Phase:       phase,
		Level:       level,
		Message:     message,
	})
	if err != nil {
		r.logger.Warnw("failed to append execution log", "branch", branch.Serial, "error", err)
	}
}

// phaseForKind attributes a classified failure to the execution phase it
// belongs to in the audit trail.
func phaseForKind(kind errors.Kind) Phase {
	switch kind {
	case errors.KindAuthentication:
		return PhaseAuthentication
	case errors.KindCommunication:
		return PhaseCommunication
	case errors.KindCommandExecution, errors.KindTimeout, errors.KindValidation:
		return PhaseActionExecution
	default:
		return PhaseSystem
	}
}
