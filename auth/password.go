package auth

import (
	"bufio"
	"context"
	"crypto/sha1"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmcleod/keygate/internal/util"
)

// BreachChecker reports whether a password appears in a known breach
// corpus. Implementations must return an error on lookup failure rather
// than defaulting to "not breached".
type BreachChecker interface {
	IsBreached(ctx context.Context, password string) (bool, error)
}

// VerifyPasswordStrength rejects passwords outside [8,255] characters
// or present in the breach corpus. A failed corpus lookup is surfaced
// as an error, never treated as a pass.
func (s *Service) VerifyPasswordStrength(ctx context.Context, password string) error {
	if len(password) < 8 || len(password) > 255 {
		return fmt.Errorf("%w: password must be between 8 and 255 characters", ErrInvalidInput)
	}
	breached, err := s.breach.IsBreached(ctx, password)
	if err != nil {
		return internalf("breach corpus lookup: %v", err)
	}
	if breached {
		return fmt.Errorf("%w: password found in a known data breach", ErrInvalidInput)
	}
	return nil
}

// HIBPChecker queries the haveibeenpwned range API using k-anonymity:
// only the first five hex characters of the SHA-1 hash leave the
// process.
type HIBPChecker struct {
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// BaseURL defaults to the public pwnedpasswords endpoint.
	BaseURL string
}

const hibpDefaultBaseURL = "https://api.pwnedpasswords.com/range/"

func (c *HIBPChecker) IsBreached(ctx context.Context, password string) (bool, error) {
	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(util.HexEncode(sum[:]))
	prefix, suffix := digest[:5], digest[5:]

	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = hibpDefaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+prefix, nil)
	if err != nil {
		return false, err
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("breach corpus returned status %d", resp.StatusCode)
	}

	// Response lines are "SUFFIX:COUNT".
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line, _, _ := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if strings.EqualFold(line, suffix) {
			return true, nil
		}
	}
	return false, scanner.Err()
}
