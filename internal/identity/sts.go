package identity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// STSVerifier validates a proof that is a presigned AWS STS
// GetCallerIdentity URL: it performs the GET, parses the XML response for
// Arn/Account/UserId, and checks the resulting ARN against an Allowlist.
// Grounded on _examples/original_source/mesh/src/server/auth.rs's
// validate_with_sts/extract_xml_field.
type STSVerifier struct {
	client    *http.Client
	allowlist *Allowlist
	maxAge    time.Duration
	cache     *proofCache
}

// NewSTSVerifier builds an STSVerifier. verifyTimeout bounds each upstream
// STS call (spec §4.2's T_verify, default 5s); maxAge is T_proof_age.
func NewSTSVerifier(allowlist *Allowlist, verifyTimeout, maxAge time.Duration) *STSVerifier {
	return &STSVerifier{
		client:    &http.Client{Timeout: verifyTimeout},
		allowlist: allowlist,
		maxAge:    maxAge,
		cache:     newProofCache(5 * time.Second),
	}
}

// Verify implements Verifier. The proof is the presigned URL itself.
func (v *STSVerifier) Verify(ctx context.Context, proof string) (Principal, error) {
	if p, err, ok := v.cache.get(proof); ok {
		return p, err
	}

	p, err := v.verify(ctx, proof)
	v.cache.put(proof, p, err)
	return p, err
}

func (v *STSVerifier) verify(ctx context.Context, presignedURL string) (Principal, error) {
	if _, err := url.ParseRequestURI(presignedURL); err != nil {
		return Principal{}, &VerifyError{Kind: ErrInvalidProof, Reason: "malformed presigned URL"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, presignedURL, nil)
	if err != nil {
		return Principal{}, &VerifyError{Kind: ErrInvalidProof, Reason: err.Error()}
	}

	resp, err := v.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Principal{}, &VerifyError{Kind: ErrTimeout, Reason: "STS call did not complete in time"}
		}
		return Principal{}, &VerifyError{Kind: ErrInvalidProof, Reason: fmt.Sprintf("STS call failed: %s", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Principal{}, &VerifyError{Kind: ErrInvalidProof, Reason: fmt.Sprintf("reading STS response: %s", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Principal{}, &VerifyError{Kind: ErrInvalidProof, Reason: fmt.Sprintf("STS call returned status %d", resp.StatusCode)}
	}

	bodyStr := string(body)
	arn, hasArn := extractXMLField(bodyStr, "Arn")
	_, hasAccount := extractXMLField(bodyStr, "Account")
	_, hasUserID := extractXMLField(bodyStr, "UserId")
	if !hasArn || !hasAccount || !hasUserID {
		return Principal{}, &VerifyError{Kind: ErrInvalidProof, Reason: "failed to parse STS identity from response"}
	}

	if !v.allowlist.Allows(arn) {
		return Principal{}, &VerifyError{Kind: ErrNotAllowed, Reason: fmt.Sprintf("role not allowed: %s", arn)}
	}

	return Principal{ID: arn, ValidatedAt: time.Now()}, nil
}

// extractXMLField extracts the text content of the first <tag>...</tag>
// occurrence in xml, mirroring auth.rs's extract_xml_field.
func extractXMLField(xml, tag string) (string, bool) {
	start := "<" + tag + ">"
	end := "</" + tag + ">"
	si := strings.Index(xml, start)
	if si < 0 {
		return "", false
	}
	si += len(start)
	ei := strings.Index(xml[si:], end)
	if ei < 0 {
		return "", false
	}
	return xml[si : si+ei], true
}
