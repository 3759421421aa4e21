package api

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/flightcover/pkg/policy"
)

func TestSeconds_Bounds(t *testing.T) {
	d, err := seconds("tolerance_seconds", maxSeconds)
	require.NoError(t, err)
	assert.Equal(t, 365*24*time.Hour, d)

	for _, n := range []int64{-1, maxSeconds + 1, 18446744074} {
		_, err := seconds("tolerance_seconds", n)
		var valErr *policy.ValidationError
		require.True(t, errors.As(err, &valErr), "n=%d", n)
		assert.Equal(t, "tolerance_seconds", valErr.Field)
	}
}

func TestCreatePolicyRequest_RejectsWrappingTolerance(t *testing.T) {
	req := CreatePolicyRequest{
		InternalID:       1,
		Flight:           "AR 1234",
		ToleranceSeconds: 18446744074,
		Payout:           "1000",
		Premium:          "10",
		LossProbability:  "0.01",
		Beneficiary:      "0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
	}
	_, err := req.toEngine()
	var valErr *policy.ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Equal(t, "tolerance_seconds", valErr.Field)
}
