package strategy

import "context"

// StageName identifies a build stage reported through progress callbacks.
type StageName string

// Canonical stages in execution order.
const (
	StageInitializing StageName = "initializing"
	StagePreparing    StageName = "preparing"
	StageBuilding     StageName = "building"
	StageOptimizing   StageName = "optimizing"
	StagePackaging    StageName = "packaging"
	StageCleaning     StageName = "cleaning"
	StageCompleted    StageName = "completed"
	StageFailed       StageName = "failed"
)

// Percent returns the progress percentage reported when the stage starts.
func (s StageName) Percent() int {
	switch s {
	case StageInitializing:
		return 0
	case StagePreparing:
		return 20
	case StageBuilding:
		return 40
	case StageOptimizing:
		return 60
	case StagePackaging:
		return 80
	case StageCleaning:
		return 90
	case StageCompleted:
		return 100
	default:
		return 0
	}
}

// Progress is one progress notification.
type Progress struct {
	Stage   StageName `json:"stage"`
	Percent int       `json:"percent"`
}

// ProgressFunc receives progress for one build. Calls are ordered within a build.
type ProgressFunc func(Progress)

// stageDef pairs a stage with the function executing it.
type stageDef struct {
	Name StageName
	Fn   func(ctx context.Context, r *run) error
}
