// Package webauthn implements the subset of WebAuthn ceremony
// verification used for passkey and security-key factors: challenge
// issuance and exactly-once consumption, attestation object parsing
// with format "none", COSE public key decoding for ES256 and RS256,
// and assertion signature verification.
package webauthn

import (
	"sync"
	"time"

	"github.com/jmcleod/keygate/internal/util"
)

// ChallengeTTL bounds how long an issued challenge stays valid.
// Ceremonies complete within seconds; ten minutes is generous.
const ChallengeTTL = 10 * time.Minute

const challengeSize = 20

// ChallengeSet holds issued ceremony challenges until they are consumed.
// Consumption is an atomic test-and-delete, so a challenge can never
// verify twice even under concurrent attempts.
type ChallengeSet struct {
	mu         sync.Mutex
	challenges map[string]time.Time

	now func() time.Time
}

// NewChallengeSet creates an empty challenge set.
func NewChallengeSet() *ChallengeSet {
	return &ChallengeSet{
		challenges: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Issue generates a 20-byte random challenge and registers it for a
// single future consumption.
func (s *ChallengeSet) Issue() ([]byte, error) {
	challenge, err := util.RandomBytes(challengeSize)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.challenges[util.HexEncode(challenge)] = s.now().Add(ChallengeTTL)
	s.mu.Unlock()
	return challenge, nil
}

// Consume removes the challenge from the set and reports whether it was
// present and unexpired. A second call with the same challenge returns
// false.
func (s *ChallengeSet) Consume(challenge []byte) bool {
	key := util.HexEncode(challenge)

	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.challenges[key]
	if !ok {
		return false
	}
	delete(s.challenges, key)
	return s.now().Before(expiresAt)
}

// Sweep removes expired challenges and returns how many were dropped.
func (s *ChallengeSet) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	dropped := 0
	for key, expiresAt := range s.challenges {
		if !now.Before(expiresAt) {
			delete(s.challenges, key)
			dropped++
		}
	}
	return dropped
}

// StartSweeper sweeps expired challenges at the given interval until
// stop is closed.
func (s *ChallengeSet) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-stop:
				return
			}
		}
	}()
}
