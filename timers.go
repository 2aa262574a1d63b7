package slotty

import (
	"math/rand/v2"
	"time"
)

// randomElectionTimeout returns a timeout between one and two election timeouts
// so that members of a group do not start elections at the same time
func (m *RaftMember) randomElectionTimeout() time.Duration {
	return randomTimeout(m.config.ElectionTimeout)
}

// randomTimeout will return a random timeout base on the
// duration provided
func randomTimeout(duration time.Duration) time.Duration {
	if duration <= 0 {
		return 0
	}
	return duration + rand.N(duration)
}

// backoff doubles wait for every failure above two, up to maxFailures
func backoff(wait time.Duration, failures, maxFailures uint64) time.Duration {
	power := min(failures, maxFailures)
	for power > 2 {
		wait *= 2
		power--
	}
	return wait
}
