package weights

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/tensor"
)

// TrainOptions configures Train.
type TrainOptions struct {
	Epochs    int
	BatchSize int
	Optimizer Optimizer
	// OnEpoch is called after every epoch with its mean loss.
	OnEpoch func(epoch int, loss float64)
}

// Train fits a relation's weights to rank-2 features and returns the mean
// loss of every epoch.
func Train(ctx context.Context, m *Model, relation string, rows [][]float64, opts TrainOptions) ([]float64, error) {
	if len(rows) == 0 {
		return nil, errors.ValidationError("no training rows")
	}
	if opts.Optimizer == nil {
		return nil, errors.ValidationError("optimizer is required")
	}
	if opts.Epochs < 1 {
		opts.Epochs = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = len(rows)
	}

	h, err := m.Acquire(relation)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	losses := make([]float64, 0, opts.Epochs)
	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return losses, err
		}
		var batchLosses []float64
		for start := 0; start < len(rows); start += opts.BatchSize {
			end := min(start+opts.BatchSize, len(rows))
			x, err := tensor.FromRows(rows[start:end])
			if err != nil {
				return losses, err
			}
			loss, err := h.TrainStep(opts.Optimizer, x, nil)
			if err != nil {
				return losses, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			batchLosses = append(batchLosses, loss)
		}
		mean := stat.Mean(batchLosses, nil)
		losses = append(losses, mean)
		if opts.OnEpoch != nil {
			opts.OnEpoch(epoch, mean)
		}
	}
	return losses, nil
}
