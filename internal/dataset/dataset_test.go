package dataset

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeOpener struct {
	data []byte
	err  error
}

func (f fakeOpener) Read(context.Context, string) ([]byte, error) {
	return f.data, f.err
}

const sampleCSV = `mean radius,mean texture,target
17.99,10.38,0
20.57,17.77,0
13.08,15.71,1
`

func TestParseCSV(t *testing.T) {
	ds, err := ParseCSV([]byte(sampleCSV), "target")
	require.NoError(t, err)

	assert.Equal(t, 3, ds.NumRows())
	assert.Equal(t, []string{"mean radius", "mean texture"}, ds.FeatureNames())

	features, labels, err := ds.Split()
	require.NoError(t, err)
	assert.Equal(t, []float64{17.99, 10.38}, features[0])
	assert.Equal(t, []float64{0, 0, 1}, labels)
}

func TestParseCSVErrors(t *testing.T) {
	_, err := ParseCSV([]byte(sampleCSV), "diagnosis")
	assert.ErrorIs(t, err, ErrLabelMissing)

	_, err = ParseCSV([]byte("a,target\nx,1\n"), "target")
	assert.Error(t, err)

	_, err = ParseCSV([]byte("a,target\n"), "target")
	assert.Error(t, err)

	_, err = ParseCSV(nil, "target")
	assert.Error(t, err)
}

func TestLoadPrimaryBranch(t *testing.T) {
	res := Load(context.Background(), fakeOpener{data: []byte(sampleCSV)}, LoadConfig{
		URI: "s3://anonymous@air-example-data/breast_cancer.csv", LabelColumn: "target",
	}, zaptest.NewLogger(t))

	assert.Equal(t, SourceLoaded, res.Source)
	assert.NoError(t, res.Cause)
	assert.Equal(t, 3, res.Dataset.NumRows())
}

func TestLoadFallbackBranch(t *testing.T) {
	cause := errors.New("connection refused")
	res := Load(context.Background(), fakeOpener{err: cause}, LoadConfig{
		URI: "s3://anonymous@air-example-data/breast_cancer.csv", LabelColumn: "target",
		SyntheticRows: 1000, SyntheticFeatures: 30, Seed: 7,
	}, zaptest.NewLogger(t))

	assert.Equal(t, SourceSynthesized, res.Source)
	assert.ErrorIs(t, res.Cause, cause)

	ds := res.Dataset
	require.Equal(t, 1000, ds.NumRows())
	require.Len(t, ds.Columns, 31)
	assert.Len(t, ds.FeatureNames(), 30)
	assert.Equal(t, "feat_0", ds.Columns[0])
	assert.Equal(t, "feat_29", ds.Columns[29])
	assert.Equal(t, "target", ds.Columns[30])

	features, labels, err := ds.Split()
	require.NoError(t, err)
	for i := range features {
		for _, v := range features[i] {
			assert.True(t, v >= 0 && v < 100 && v == float64(int(v)), "feature out of range: %v", v)
		}
		assert.Contains(t, []float64{0, 1}, labels[i])
	}
}

func TestLoadFallbackOnParseError(t *testing.T) {
	res := Load(context.Background(), fakeOpener{data: []byte("a,b\n1,2\n")}, LoadConfig{LabelColumn: "target"}, zaptest.NewLogger(t))
	assert.Equal(t, SourceSynthesized, res.Source)
	assert.ErrorIs(t, res.Cause, ErrLabelMissing)
	assert.Equal(t, 1000, res.Dataset.NumRows())
}

func TestSynthesizeDeterministic(t *testing.T) {
	a := Synthesize(10, 3, "target", rand.New(rand.NewSource(1)))
	b := Synthesize(10, 3, "target", rand.New(rand.NewSource(1)))
	assert.Equal(t, a.Rows, b.Rows)
}
