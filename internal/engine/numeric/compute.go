package numeric

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/GriffinCanCode/computeguard/internal/engine"
)

// Limits bound input sizes; exceeding them is reported as out of memory
type Limits struct {
	MaxSampleSize     int
	MaxMatrixElements int
}

// DefaultLimits returns the default input limits
func DefaultLimits() Limits {
	return Limits{
		MaxSampleSize:     1 << 24,
		MaxMatrixElements: 1 << 22,
	}
}

// runStats computes descriptive statistics
func runStats(job engine.StatsJob, limits Limits) (*engine.Output, error) {
	const op = "stats"

	n := len(job.Values)
	if n == 0 {
		return nil, engine.Errorf(engine.CodeInvalidInput, op, "values are required")
	}
	if n > limits.MaxSampleSize {
		return nil, engine.Errorf(engine.CodeOutOfMemory, op, "sample of %d values exceeds allocation limit %d", n, limits.MaxSampleSize)
	}
	if err := validateFinite(op, "values", job.Values); err != nil {
		return nil, err
	}

	weights := job.Weights
	if len(weights) > 0 {
		if len(weights) != n {
			return nil, engine.Errorf(engine.CodeInvalidInput, op, "weights length %d does not match values length %d", len(weights), n)
		}
		if err := validateFinite(op, "weights", weights); err != nil {
			return nil, err
		}
		for i, w := range weights {
			if w < 0 {
				return nil, engine.Errorf(engine.CodeInvalidInput, op, "weights[%d] is negative", i)
			}
		}
		if floats.Sum(weights) == 0 {
			return nil, engine.Errorf(engine.CodeInvalidInput, op, "weights sum to zero")
		}
	}

	for i, q := range job.Quantiles {
		if q < 0 || q > 1 || math.IsNaN(q) {
			return nil, engine.Errorf(engine.CodeInvalidInput, op, "quantiles[%d] must be within [0, 1]", i)
		}
	}

	mean, variance := stat.MeanVariance(job.Values, weights)
	if n < 2 {
		variance = 0
	}

	sorted, sortedWeights := sortWeighted(job.Values, weights)

	scalars := map[string]float64{
		"count":    float64(n),
		"sum":      floats.Sum(job.Values),
		"mean":     mean,
		"variance": variance,
		"stddev":   math.Sqrt(variance),
		"min":      floats.Min(job.Values),
		"max":      floats.Max(job.Values),
		"median":   stat.Quantile(0.5, stat.Empirical, sorted, sortedWeights),
	}
	for _, q := range job.Quantiles {
		scalars["q"+strconv.FormatFloat(q, 'g', -1, 64)] = stat.Quantile(q, stat.Empirical, sorted, sortedWeights)
	}

	return &engine.Output{JobType: engine.JobStats, Scalars: scalars}, nil
}

// runMatrix performs a dense linear algebra operation
func runMatrix(job engine.MatrixJob, limits Limits) (*engine.Output, error) {
	op := "matrix " + string(job.Op)

	a, err := toDense(op, "a", job.A, limits)
	if err != nil {
		return nil, err
	}
	ar, ac := a.Dims()

	switch job.Op {
	case engine.MatrixMultiply:
		b, err := toDense(op, "b", job.B, limits)
		if err != nil {
			return nil, err
		}
		br, bc := b.Dims()
		if ac != br {
			return nil, engine.Errorf(engine.CodeInvalidInput, op, "dimension mismatch: %dx%d times %dx%d", ar, ac, br, bc)
		}
		if ar*bc > limits.MaxMatrixElements {
			return nil, engine.Errorf(engine.CodeOutOfMemory, op, "result of %dx%d exceeds allocation limit", ar, bc)
		}
		var c mat.Dense
		c.Mul(a, b)
		return matrixOutput(&c), nil

	case engine.MatrixSolve:
		if ar != ac {
			return nil, engine.Errorf(engine.CodeInvalidInput, op, "coefficient matrix must be square, got %dx%d", ar, ac)
		}
		b, err := toDense(op, "b", job.B, limits)
		if err != nil {
			return nil, err
		}
		if br, _ := b.Dims(); br != ar {
			return nil, engine.Errorf(engine.CodeInvalidInput, op, "right-hand side has %d rows, want %d", br, ar)
		}
		var x mat.Dense
		if err := x.Solve(a, b); err != nil {
			return nil, singular(op, err)
		}
		return matrixOutput(&x), nil

	case engine.MatrixInverse:
		if ar != ac {
			return nil, engine.Errorf(engine.CodeInvalidInput, op, "matrix must be square, got %dx%d", ar, ac)
		}
		var inv mat.Dense
		if err := inv.Inverse(a); err != nil {
			return nil, singular(op, err)
		}
		return matrixOutput(&inv), nil

	case engine.MatrixDeterminant:
		if ar != ac {
			return nil, engine.Errorf(engine.CodeInvalidInput, op, "matrix must be square, got %dx%d", ar, ac)
		}
		return &engine.Output{
			JobType: engine.JobMatrix,
			Scalars: map[string]float64{"determinant": mat.Det(a)},
		}, nil

	default:
		return nil, engine.Errorf(engine.CodeUnsupported, "matrix", "unknown operation %q", job.Op)
	}
}

func toDense(op, name string, rows [][]float64, limits Limits) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, engine.Errorf(engine.CodeInvalidInput, op, "matrix %s is empty", name)
	}

	r, c := len(rows), len(rows[0])
	if r*c > limits.MaxMatrixElements {
		return nil, engine.Errorf(engine.CodeOutOfMemory, op, "matrix %s of %dx%d exceeds allocation limit", name, r, c)
	}

	data := make([]float64, 0, r*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, engine.Errorf(engine.CodeInvalidInput, op, "matrix %s is ragged: row %d has %d columns, want %d", name, i, len(row), c)
		}
		if err := validateFinite(op, fmt.Sprintf("%s[%d]", name, i), row); err != nil {
			return nil, err
		}
		data = append(data, row...)
	}
	return mat.NewDense(r, c, data), nil
}

func matrixOutput(m *mat.Dense) *engine.Output {
	r, _ := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = mat.Row(nil, i, m)
	}
	return &engine.Output{JobType: engine.JobMatrix, Matrix: rows}
}

func singular(op string, err error) error {
	return &engine.Error{
		Code:    engine.CodeProcessing,
		Op:      op,
		Message: "matrix is singular or ill-conditioned",
		Details: err.Error(),
		Err:     err,
	}
}

func validateFinite(op, name string, values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return engine.Errorf(engine.CodeInvalidInput, op, "%s[%d] is not a finite number", name, i)
		}
	}
	return nil
}

// sortWeighted returns sorted copies of values and their weights
func sortWeighted(values, weights []float64) ([]float64, []float64) {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return values[idx[i]] < values[idx[j]] })

	sorted := make([]float64, len(values))
	for i, k := range idx {
		sorted[i] = values[k]
	}
	if len(weights) == 0 {
		return sorted, nil
	}

	sortedWeights := make([]float64, len(weights))
	for i, k := range idx {
		sortedWeights[i] = weights[k]
	}
	return sorted, sortedWeights
}
