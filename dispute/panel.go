package dispute

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
)

// RandomnessSource supplies the entropy for panel sampling. The default reads
// the operating system's CSPRNG. Panel selection is only as unpredictable as
// this source; deployments needing verifiable sampling should substitute a
// randomness-beacon-backed implementation.
type RandomnessSource interface {
	Intn(n int) int
}

type cryptoSource struct{}

// NewCryptoSource returns a RandomnessSource backed by crypto/rand.
func NewCryptoSource() RandomnessSource {
	return cryptoSource{}
}

func (cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("dispute: Intn(%d)", n))
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("dispute: entropy read: %v", err))
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}

// NewSeededSource returns a deterministic source for tests and replay.
func NewSeededSource(seed int64) RandomnessSource {
	return mathrand.New(mathrand.NewSource(seed))
}

// eligible reports whether an arbitrator may sit on a panel between the two
// named parties.
func eligible(a Arbitrator, buyer, seller string, minStake, accuracyFloorBps int64) bool {
	if !a.Active || a.Stake < minStake {
		return false
	}
	if a.Address == buyer || a.Address == seller {
		return false
	}
	if acc, ok := a.AccuracyBps(); ok && acc < accuracyFloorBps {
		return false
	}
	return true
}

// samplePanel draws size members from the pool without replacement: each
// selected member is removed before the next draw.
func samplePanel(pool []Arbitrator, size int, src RandomnessSource) []string {
	remaining := make([]Arbitrator, len(pool))
	copy(remaining, pool)

	panel := make([]string, 0, size)
	for len(panel) < size && len(remaining) > 0 {
		i := src.Intn(len(remaining))
		panel = append(panel, remaining[i].Address)
		remaining[i] = remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]
	}
	return panel
}
