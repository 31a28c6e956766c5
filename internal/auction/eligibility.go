package auction

import (
	"sort"

	"github.com/google/uuid"

	"github.com/10log10/tinylvt-sub001/internal/store"
)

// ThresholdForRound returns the activity-rule threshold fraction for a
// round: the fraction of the greatest breakpoint at or below roundNum.
// An empty progression yields 0. A round below the smallest breakpoint
// also yields 0, which makes all eligibility unattainable for those
// rounds; see TestThresholdForRound_BelowSmallestBreakpoint.
func ThresholdForRound(roundNum int64, progression store.EligibilityProgression) float64 {
	if len(progression) == 0 {
		return 0
	}
	// Index of the first breakpoint past roundNum.
	i := sort.Search(len(progression), func(i int) bool {
		return progression[i].RoundNum > roundNum
	})
	if i == 0 {
		return 0
	}
	return progression[i-1].Threshold
}

// NextEligibility computes a user's eligibility points ceiling for the next
// round from the points of their active spaces and the next round's
// threshold. A threshold of zero (or less) means no eligibility is
// achievable. When a previous ceiling exists the result is capped by it:
// past round 0, eligibility only ever shrinks or stays flat.
func NextEligibility(activePoints, threshold float64, prev *float64) float64 {
	var raw float64
	if threshold > 0 {
		raw = activePoints / threshold
	}
	if prev != nil && *prev < raw {
		return *prev
	}
	return raw
}

// ActiveSpaceIDs returns the spaces counting toward a user's activity for
// the next round: the spaces they bid on in the round just closed, union
// the spaces they were the recorded winner of in the round before that.
// The look-back keeps standing bidders active without rebidding.
func ActiveSpaceIDs(bidSpaces, wonPrevRound []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(bidSpaces)+len(wonPrevRound))
	var out []uuid.UUID
	for _, id := range bidSpaces {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range wonPrevRound {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
