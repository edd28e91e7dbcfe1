package dispute

import (
	"testing"
)

func candidate(address string, stakeAmount int64, correct, total int) Arbitrator {
	return Arbitrator{
		Address:      address,
		Stake:        stakeAmount,
		Active:       true,
		CorrectVotes: correct,
		TotalVotes:   total,
	}
}

func TestEligible(t *testing.T) {
	const minStake, floor = 10_000, 5_000

	cases := []struct {
		name string
		a    Arbitrator
		want bool
	}{
		{name: "qualified", a: candidate("arb-1", 10_000, 8, 10), want: true},
		{name: "no history counts as eligible", a: candidate("arb-2", 10_000, 0, 0), want: true},
		{name: "under min stake", a: candidate("arb-3", 9_999, 8, 10), want: false},
		{name: "below accuracy floor", a: candidate("arb-4", 10_000, 4, 10), want: false},
		{name: "at accuracy floor", a: candidate("arb-5", 10_000, 5, 10), want: true},
		{name: "buyer excluded", a: candidate("buyer", 10_000, 8, 10), want: false},
		{name: "seller excluded", a: candidate("seller", 10_000, 8, 10), want: false},
		{
			name: "inactive excluded",
			a:    Arbitrator{Address: "arb-6", Stake: 10_000, Active: false},
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := eligible(tc.a, "buyer", "seller", minStake, floor); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSamplePanel_NoDuplicates(t *testing.T) {
	pool := []Arbitrator{
		candidate("arb-1", 10_000, 0, 0),
		candidate("arb-2", 10_000, 0, 0),
		candidate("arb-3", 10_000, 0, 0),
		candidate("arb-4", 10_000, 0, 0),
		candidate("arb-5", 10_000, 0, 0),
	}

	for seed := int64(0); seed < 50; seed++ {
		panel := samplePanel(pool, 3, NewSeededSource(seed))
		if len(panel) != 3 {
			t.Fatalf("seed %d: expected 3 members, got %d", seed, len(panel))
		}
		seen := make(map[string]bool, len(panel))
		for _, m := range panel {
			if seen[m] {
				t.Fatalf("seed %d: duplicate member %s", seed, m)
			}
			seen[m] = true
		}
	}
}

func TestSamplePanel_Deterministic(t *testing.T) {
	pool := []Arbitrator{
		candidate("arb-1", 10_000, 0, 0),
		candidate("arb-2", 10_000, 0, 0),
		candidate("arb-3", 10_000, 0, 0),
		candidate("arb-4", 10_000, 0, 0),
	}

	first := samplePanel(pool, 3, NewSeededSource(42))
	second := samplePanel(pool, 3, NewSeededSource(42))
	if len(first) != len(second) {
		t.Fatalf("panel sizes diverge: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("same seed produced different panels: %v vs %v", first, second)
		}
	}
}

func TestSamplePanel_PoolSmallerThanSize(t *testing.T) {
	pool := []Arbitrator{
		candidate("arb-1", 10_000, 0, 0),
		candidate("arb-2", 10_000, 0, 0),
	}

	panel := samplePanel(pool, 3, NewSeededSource(7))
	if len(panel) != 2 {
		t.Fatalf("expected panel capped at pool size 2, got %d", len(panel))
	}
}

func TestSamplePanel_InputNotMutated(t *testing.T) {
	pool := []Arbitrator{
		candidate("arb-1", 10_000, 0, 0),
		candidate("arb-2", 10_000, 0, 0),
		candidate("arb-3", 10_000, 0, 0),
	}
	samplePanel(pool, 2, NewSeededSource(1))

	for i, want := range []string{"arb-1", "arb-2", "arb-3"} {
		if pool[i].Address != want {
			t.Fatalf("pool order mutated at %d: %s", i, pool[i].Address)
		}
	}
}
