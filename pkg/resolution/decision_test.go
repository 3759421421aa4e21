package resolution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"
)

func decisionPolicy() *policy.Policy {
	return &policy.Policy{
		ExpectedArrival: start.Add(5 * time.Hour),
		Tolerance:       30 * time.Minute,
		Payout:          finance.MustParse("1000", finance.CurrencyScale),
	}
}

func TestDecide_Table(t *testing.T) {
	p := decisionPolicy()
	limit := p.Limit()
	before := limit.Add(-time.Minute)
	after := limit.Add(time.Minute)

	cases := []struct {
		name   string
		status policy.Status
		now    time.Time
		want   Decision
	}{
		{"cancelled before limit", policy.StatusCancelled, before, DecisionPayout},
		{"cancelled after limit", policy.StatusCancelled, after, DecisionPayout},
		{"late arrival", policy.Status(limit.Unix() + 1), before, DecisionPayout},
		{"arrival at limit", policy.Status(limit.Unix()), after, DecisionNoPayout},
		{"early arrival", policy.Status(p.ExpectedArrival.Unix() - 600), after, DecisionNoPayout},
		{"no data within tolerance", policy.StatusNoData, before, DecisionDefer},
		{"no data at limit", policy.StatusNoData, limit, DecisionDefer},
		{"no data past tolerance", policy.StatusNoData, after, DecisionPayout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(p, tc.status, tc.now))
		})
	}
}

func TestPayout(t *testing.T) {
	p := decisionPolicy()

	amt, resolved := Payout(p, policy.StatusCancelled, start)
	assert.True(t, resolved)
	assert.True(t, amt.Equal(p.Payout))

	amt, resolved = Payout(p, policy.Status(p.ExpectedArrival.Unix()), start)
	assert.True(t, resolved)
	assert.True(t, amt.Equal(finance.Zero(finance.CurrencyScale)))

	amt, resolved = Payout(p, policy.StatusNoData, start)
	assert.False(t, resolved)
	assert.True(t, amt.IsZero())
}
