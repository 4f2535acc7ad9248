package engine

import "time"

// JobType names a job variant
type JobType string

const (
	JobStats  JobType = "stats"
	JobMatrix JobType = "matrix"
	JobScript JobType = "script"
)

// Job is a closed union of the job variants an engine can run. Only types in
// this package implement it.
type Job interface {
	Type() JobType
	isJob()
}

// StatsJob computes descriptive statistics over a sample
type StatsJob struct {
	Values    []float64 `json:"values"`
	Weights   []float64 `json:"weights,omitempty"`
	Quantiles []float64 `json:"quantiles,omitempty"`
}

// MatrixOp selects a dense linear algebra operation
type MatrixOp string

const (
	MatrixMultiply    MatrixOp = "multiply"
	MatrixSolve       MatrixOp = "solve"
	MatrixInverse     MatrixOp = "inverse"
	MatrixDeterminant MatrixOp = "determinant"
)

// MatrixJob runs a dense matrix operation on A (and B where the op needs it)
type MatrixJob struct {
	Op MatrixOp    `json:"op"`
	A  [][]float64 `json:"a"`
	B  [][]float64 `json:"b,omitempty"`
}

// ScriptJob evaluates JavaScript inside a sandboxed VM
type ScriptJob struct {
	Source  string        `json:"source"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

func (StatsJob) Type() JobType  { return JobStats }
func (MatrixJob) Type() JobType { return JobMatrix }
func (ScriptJob) Type() JobType { return JobScript }

func (StatsJob) isJob()  {}
func (MatrixJob) isJob() {}
func (ScriptJob) isJob() {}
