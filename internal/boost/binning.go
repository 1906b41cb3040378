package boost

import (
	"errors"
	"fmt"
	"sort"
)

// MaxBinLimit is the largest max_bin a uint8 bin index can hold.
const MaxBinLimit = 256

// Binner maps feature values to quantile bins. Bin(x) is the number of cut points <= x, so
// feature f has len(Cuts[f])+1 bins.
type Binner struct {
	Cuts [][]float64 `json:"cuts"`
}

// NewBinner computes at most maxBin-1 cut points per feature from the full feature matrix.
func NewBinner(features [][]float64, maxBin int) (*Binner, error) {
	if maxBin < 2 || maxBin > MaxBinLimit {
		return nil, fmt.Errorf("max_bin must be in [2, %d], got %d", MaxBinLimit, maxBin)
	}
	if len(features) == 0 || len(features[0]) == 0 {
		return nil, errors.New("cannot bin an empty feature matrix")
	}

	numFeatures := len(features[0])
	b := &Binner{Cuts: make([][]float64, numFeatures)}
	col := make([]float64, len(features))
	for f := 0; f < numFeatures; f++ {
		for r, row := range features {
			if len(row) != numFeatures {
				return nil, fmt.Errorf("row %d has %d features, expected %d", r, len(row), numFeatures)
			}
			col[r] = row[f]
		}
		sort.Float64s(col)
		b.Cuts[f] = cutPoints(col, maxBin)
	}
	return b, nil
}

// cutPoints picks cuts from sorted values. The minimum is never a cut, so bin 0 is never empty.
func cutPoints(sorted []float64, maxBin int) []float64 {
	unique := make([]float64, 0, maxBin)
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			unique = append(unique, v)
			if len(unique) > maxBin {
				break
			}
		}
	}
	if len(unique) <= maxBin {
		return append([]float64(nil), unique[1:]...)
	}

	cuts := make([]float64, 0, maxBin-1)
	for q := 1; q < maxBin; q++ {
		v := sorted[q*len(sorted)/maxBin]
		if v <= sorted[0] {
			continue
		}
		if len(cuts) > 0 && v <= cuts[len(cuts)-1] {
			continue
		}
		cuts = append(cuts, v)
	}
	return cuts
}

// NumFeatures is the number of binned features.
func (b *Binner) NumFeatures() int {
	return len(b.Cuts)
}

// NumBins returns the bin count of every feature.
func (b *Binner) NumBins() []int {
	n := make([]int, len(b.Cuts))
	for f, cuts := range b.Cuts {
		n[f] = len(cuts) + 1
	}
	return n
}

// Bin returns the bin index of x for feature f.
func (b *Binner) Bin(f int, x float64) uint8 {
	cuts := b.Cuts[f]
	return uint8(sort.Search(len(cuts), func(i int) bool { return cuts[i] > x }))
}

// Threshold converts a bin split into a value split: bin(x) <= bin exactly when x < Threshold.
func (b *Binner) Threshold(f, bin int) float64 {
	return b.Cuts[f][bin]
}

// Transform bins every row.
func (b *Binner) Transform(rows [][]float64) [][]uint8 {
	out := make([][]uint8, len(rows))
	for r, row := range rows {
		binned := make([]uint8, len(row))
		for f, x := range row {
			binned[f] = b.Bin(f, x)
		}
		out[r] = binned
	}
	return out
}
