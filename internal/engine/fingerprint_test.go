package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	seed := []float32{0.1, 0.2, 0.3}
	require.Equal(t, Fingerprint(seed, 7), Fingerprint(seed, 7))
	require.Len(t, Fingerprint(seed, 7), 64)
}

func TestFingerprintVariesWithInputs(t *testing.T) {
	seed := []float32{0.1, 0.2, 0.3}
	other := []float32{0.1, 0.2, 0.30001}

	require.NotEqual(t, Fingerprint(seed, 7), Fingerprint(other, 7))
	require.NotEqual(t, Fingerprint(seed, 7), Fingerprint(seed, 8))
}
