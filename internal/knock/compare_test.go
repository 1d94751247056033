package knock

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_Scenarios(t *testing.T) {
	ref := NormalizedSequence{0, 0.5, 1}

	assert.True(t, Compare(ref, NormalizedSequence{0, 0.52, 1}, Policy{Threshold: 0.04}))
	assert.False(t, Compare(ref, NormalizedSequence{0, 0.6, 1}, Policy{Threshold: 0.04}))
}

func TestCompare_LengthMismatchNeverMatches(t *testing.T) {
	a := NormalizedSequence{0, 0.5, 1}
	b := NormalizedSequence{0, 1}

	for _, p := range []Policy{
		{Threshold: 0.01},
		{Threshold: 1, AllowedErrors: 100},
		{Threshold: 1000, AllowedErrors: 1000},
	} {
		res := Evaluate(a, b, p)
		assert.False(t, res.Match, p.String())
		assert.True(t, res.LengthMismatch)
	}
}

func TestCompare_SelfMatch(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		seq := randomSequence(rng, 2+rng.Intn(10))
		for _, threshold := range []float64{0, 0.01, 0.04, 0.5} {
			assert.True(t, Compare(seq, seq, Policy{Threshold: threshold}))
		}
	}
}

func TestCompare_Monotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		n := 2 + rng.Intn(8)
		a := randomSequence(rng, n)
		b := randomSequence(rng, n)
		base := Policy{Threshold: rng.Float64() * 0.2, AllowedErrors: rng.Intn(3)}

		if !Compare(a, b, base) {
			continue
		}
		looser := base.Apply(WithThreshold(base.Threshold + rng.Float64()))
		more := base.Apply(WithAllowedErrors(base.AllowedErrors + 1 + rng.Intn(3)))
		assert.True(t, Compare(a, b, looser))
		assert.True(t, Compare(a, b, more))
	}
}

func TestEvaluate_Detail(t *testing.T) {
	a := NormalizedSequence{0, 0.25, 0.5, 1}
	b := NormalizedSequence{0, 0.35, 0.52, 1}

	res := Evaluate(a, b, Policy{Threshold: 0.04, AllowedErrors: 1})
	assert.True(t, res.Match)
	assert.Equal(t, 1, res.Errors)
	assert.InDelta(t, 0.1, res.MaxDeviation, 1e-9)
	require.Len(t, res.Deviations, 4)
	assert.InDelta(t, 0.02, res.Deviations[2], 1e-9)

	res = Evaluate(a, b, Policy{Threshold: 0.04})
	assert.False(t, res.Match)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.ErrorIs(t, Policy{Threshold: 0}.Validate(), ErrInvalidThreshold)
	assert.ErrorIs(t, Policy{Threshold: -0.1}.Validate(), ErrInvalidThreshold)
	assert.ErrorIs(t, Policy{Threshold: 0.04, AllowedErrors: -1}.Validate(), ErrInvalidAllowedErrors)
}

func TestPolicy_ApplyZeroOverride(t *testing.T) {
	p := Policy{Threshold: 0.09, AllowedErrors: 3}
	got := p.Apply(WithAllowedErrors(0), WithThreshold(0.01))
	assert.Equal(t, Policy{Threshold: 0.01, AllowedErrors: 0}, got)
}

func TestPresetThreshold(t *testing.T) {
	tests := []struct {
		name string
		want float64
	}{
		{"rigorous", RigorousThreshold},
		{"Strict", RigorousThreshold},
		{"", DefaultThreshold},
		{"default", DefaultThreshold},
		{"lenient", LenientThreshold},
	}
	for _, tt := range tests {
		got, err := PresetThreshold(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got)
	}

	_, err := PresetThreshold("sloppy")
	assert.ErrorIs(t, err, ErrUnknownPreset)
}

func TestFingerprint(t *testing.T) {
	a := NormalizedSequence{0, 0.5, 1}
	assert.Len(t, Fingerprint(a), 64)
	assert.Equal(t, Fingerprint(a), Fingerprint(NormalizedSequence{0, 0.500000001, 1}))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(NormalizedSequence{0, 0.6, 1}))
	assert.NotEqual(t, Fingerprint(NormalizedSequence{0}), Fingerprint(NormalizedSequence{0, 0}))
}

func randomSequence(rng *rand.Rand, n int) NormalizedSequence {
	raw := make([]int64, n)
	var t int64
	for i := range raw {
		t += 1 + rng.Int63n(800)
		raw[i] = t
	}
	seq, _ := Normalize(raw)
	return seq
}
