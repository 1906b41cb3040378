// Package dataset holds tabular training data and loads it from storage, falling back to a
// synthetic table when the source cannot be used.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrLabelMissing is returned when the label column is not in the table.
var ErrLabelMissing = errors.New("label column missing")

// Dataset is a row-major table of float values.
type Dataset struct {
	Columns     []string
	Rows        [][]float64
	LabelColumn string
}

// NumRows returns the number of rows.
func (d *Dataset) NumRows() int {
	return len(d.Rows)
}

// LabelIndex returns the position of the label column.
func (d *Dataset) LabelIndex() (int, error) {
	for i, c := range d.Columns {
		if c == d.LabelColumn {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrLabelMissing, d.LabelColumn)
}

// FeatureNames returns every column except the label, in table order.
func (d *Dataset) FeatureNames() []string {
	names := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		if c != d.LabelColumn {
			names = append(names, c)
		}
	}
	return names
}

// Split separates the feature matrix from the label vector.
func (d *Dataset) Split() ([][]float64, []float64, error) {
	li, err := d.LabelIndex()
	if err != nil {
		return nil, nil, err
	}
	features := make([][]float64, len(d.Rows))
	labels := make([]float64, len(d.Rows))
	for i, row := range d.Rows {
		f := make([]float64, 0, len(row)-1)
		f = append(f, row[:li]...)
		f = append(f, row[li+1:]...)
		features[i] = f
		labels[i] = row[li]
	}
	return features, labels, nil
}

// ParseCSV reads a CSV table with a header row. Every cell must be numeric.
func ParseCSV(data []byte, labelColumn string) (*Dataset, error) {
	r := csv.NewReader(bytes.NewReader(data))

	header, err := r.Read()
	if err == io.EOF {
		return nil, errors.New("csv is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}

	d := &Dataset{Columns: columns, LabelColumn: labelColumn}
	if _, err := d.LabelIndex(); err != nil {
		return nil, err
	}

	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		row := make([]float64, len(record))
		for i, cell := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, columns[i], err)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("line %d column %q: value %q is not finite", line, columns[i], cell)
			}
			row[i] = v
		}
		d.Rows = append(d.Rows, row)
	}

	if len(d.Rows) == 0 {
		return nil, errors.New("csv has no data rows")
	}
	return d, nil
}
