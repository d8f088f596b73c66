package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3.75, 0}
	decoded, err := Decode(Encode(v))
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}

func TestDecodeEmpty(t *testing.T) {
	decoded, err := Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestDecodeBadLength(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-9)

	c := []float32{0, 1, 0}
	assert.InDelta(t, 0.0, CosineSimilarity(a, c), 1e-9)

	// Opposite vectors clamp to 0, not -1.
	d := []float32{-1, 0, 0}
	assert.Equal(t, 0.0, CosineSimilarity(a, d))
}

func TestCosineSimilarityDegenerate(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestCosineDistance(t *testing.T) {
	a := []float32{1, 1}
	b := []float32{1, 0}
	assert.InDelta(t, 1-CosineSimilarity(a, b), CosineDistance(a, b), 1e-9)
}
