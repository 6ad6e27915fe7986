package revsplit

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/feeschedule"
	"github.com/aigentsy/dealcore/pkg/money"
)

// Conservation: for any valid job value, royalty and JV configuration the
// distribution sums back to the job value within one cent.
func TestCompute_ConservationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	sched := feeschedule.Default()

	properties.Property("sum(distribution) == jobValue within 1 cent", prop.ForAll(
		func(valueMinor int64, royaltyBps int64, jvBpsA int64, jvBpsB int64) bool {
			// Keep combined JV shares below 100% of the pool.
			if jvBpsA+jvBpsB >= 10000 {
				return true
			}
			split, err := Compute(
				sched,
				money.New(valueMinor, "USD"),
				"lead",
				[]deal.JVPartner{
					{Party: "p1", ShareBps: jvBpsA},
					{Party: "p2", ShareBps: jvBpsB},
				},
				[]deal.IPAsset{{ID: "a1", Owner: "o1", RoyaltyBps: royaltyBps}},
			)
			if err != nil {
				// Overallocation is a legal rejection, not a conservation
				// failure.
				return false
			}
			var total int64
			for _, e := range split.Entries {
				total += e.Amount.AmountMinor
			}
			diff := total - valueMinor
			return diff <= 1 && diff >= -1
		},
		gen.Int64Range(100, 100_000_000), // $1 .. $1M
		gen.Int64Range(1, 5000),          // royalty up to 50%
		gen.Int64Range(0, 4999),
		gen.Int64Range(0, 4999),
	))

	properties.TestingRun(t)
}
