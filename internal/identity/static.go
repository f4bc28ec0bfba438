package identity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StaticVerifier is a deterministic Verifier used in tests and local/dev
// deployments. A proof has the form "principal|issuedAtUnix"; it is valid
// if principal is allowed and issuedAtUnix is within maxAge of now.
type StaticVerifier struct {
	allowlist *Allowlist
	maxAge    time.Duration
	now       func() time.Time
	cache     *proofCache
}

// NewStaticVerifier builds a StaticVerifier. maxAge is T_proof_age (spec
// §4.2 default 60s).
func NewStaticVerifier(allowlist *Allowlist, maxAge time.Duration) *StaticVerifier {
	return &StaticVerifier{
		allowlist: allowlist,
		maxAge:    maxAge,
		now:       time.Now,
		cache:     newProofCache(5 * time.Second),
	}
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(ctx context.Context, proof string) (Principal, error) {
	if p, err, ok := v.cache.get(proof); ok {
		return p, err
	}

	p, err := v.verify(proof)
	v.cache.put(proof, p, err)
	return p, err
}

func (v *StaticVerifier) verify(proof string) (Principal, error) {
	parts := strings.SplitN(proof, "|", 2)
	if len(parts) != 2 {
		return Principal{}, &VerifyError{Kind: ErrInvalidProof, Reason: "proof must be \"principal|issuedAtUnix\""}
	}
	principal, tsStr := parts[0], parts[1]

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Principal{}, &VerifyError{Kind: ErrInvalidProof, Reason: fmt.Sprintf("bad timestamp: %s", err)}
	}
	issuedAt := time.Unix(ts, 0)
	if v.now().Sub(issuedAt) > v.maxAge {
		return Principal{}, &VerifyError{Kind: ErrExpired, Reason: "proof is older than the configured max age"}
	}

	if !v.allowlist.Allows(principal) {
		return Principal{}, &VerifyError{Kind: ErrNotAllowed, Reason: "principal not in allowlist"}
	}

	return Principal{ID: principal, ValidatedAt: v.now()}, nil
}
