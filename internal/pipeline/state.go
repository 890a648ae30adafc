package pipeline

import (
	"errors"
	"fmt"
)

// State is a step of a pipeline run.
type State string

const (
	StateSyncingSource  State = "SYNCING_SOURCE"
	StateLoadingRules   State = "LOADING_RULES"
	StateResolvingBatch State = "RESOLVING_BATCH"
	StateValidating     State = "VALIDATING"
	StateStaging        State = "STAGING"
	StatePruning        State = "PRUNING"
	StateSyncingDest    State = "SYNCING_DEST"
	StateReplicating    State = "REPLICATING"
	StatePublishing     State = "PUBLISHING"
	StateArchiving      State = "ARCHIVING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// Mode is the kind of run.
type Mode string

const (
	ModeCheck  Mode = "check"
	ModeDeploy Mode = "deploy"
)

// Kind classifies a stage failure.
type Kind string

const (
	// KindConfig covers rules, settings and request problems.
	KindConfig Kind = "config"
	// KindSync covers reading from the source or destination repository.
	KindSync Kind = "sync"
	// KindPublish covers staging, replication and commit/push.
	KindPublish Kind = "publish"
)

var (
	// ErrNoBatch is returned by Deploy when today has no batch folder.
	ErrNoBatch = errors.New("no folder for today")
	// ErrInvalidRequest is returned when a deploy request is rejected
	// before any work starts.
	ErrInvalidRequest = errors.New("invalid deploy request")
	// ErrUnknownRegion is returned when a region filter is not in the rules.
	ErrUnknownRegion = errors.New("unknown region code")
)

// StageError reports the stage at which a run stopped.
type StageError struct {
	Stage State
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func kindOf(stage State) Kind {
	switch stage {
	case StateLoadingRules:
		return KindConfig
	case StateSyncingSource, StateResolvingBatch, StateValidating, StateSyncingDest:
		return KindSync
	default:
		return KindPublish
	}
}

func stageError(stage State, err error) *StageError {
	return &StageError{Stage: stage, Kind: kindOf(stage), Err: err}
}
