package dispute

// Outcome of counting ballots.
type Outcome int

const (
	// OutcomePending means the quorum threshold is not yet reached.
	OutcomePending Outcome = iota
	// OutcomeFavorBuyer and OutcomeFavorSeller carry the majority side.
	OutcomeFavorBuyer
	OutcomeFavorSeller
	// OutcomeTie means the counted ballots split evenly.
	OutcomeTie
)

// countVotes returns the per-side tallies.
func countVotes(votes []Vote) (forBuyer, forSeller int) {
	for _, v := range votes {
		if v.FavorBuyer {
			forBuyer++
		} else {
			forSeller++
		}
	}
	return forBuyer, forSeller
}

// decide applies the race-to-quorum rule: the decision locks in the moment
// the total vote count reaches quorum, on whichever majority exists at that
// instant. Arrival order does not matter, only the counts.
func decide(votes []Vote, quorum int) Outcome {
	if len(votes) < quorum {
		return OutcomePending
	}
	return decideOnVotesCast(votes)
}

// decideOnVotesCast counts whatever ballots exist, quorum or not. Used by
// forceResolve after the deadline.
func decideOnVotesCast(votes []Vote) Outcome {
	forBuyer, forSeller := countVotes(votes)
	switch {
	case forBuyer > forSeller:
		return OutcomeFavorBuyer
	case forSeller > forBuyer:
		return OutcomeFavorSeller
	default:
		return OutcomeTie
	}
}
