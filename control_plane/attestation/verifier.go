package attestation

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"time"
)

// Verifier checks the non-repudiation signature over a judged
// Submission's verdict, so an auditor can confirm a verdict was exactly
// what the node that judged it produced, not altered afterward.
type Verifier struct {
	publicKey *rsa.PublicKey
	enabled   bool
}

// NewVerifier creates a new verdict verifier.
func NewVerifier(publicKeyPEM string, enabled bool) (*Verifier, error) {
	if !enabled {
		return &Verifier{enabled: false}, nil
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}

	return &Verifier{
		publicKey: rsaPub,
		enabled:   true,
	}, nil
}

// VerdictClaim is a signed attestation over one judged submission's outcome.
type VerdictClaim struct {
	NodeID       string `json:"node_id"`
	SubmissionID string `json:"submission_id"`
	UserID       string `json:"user_id"`
	Verdict      string `json:"verdict"`
	Score        int    `json:"score"`
	Signature    string `json:"signature"`
	Timestamp    int64  `json:"timestamp"`
}

// Verify checks a verdict claim's signature and timestamp freshness.
// CRITICAL: includes clock skew tolerance to avoid rejecting a claim
// signed by a node with a slightly drifted clock.
func (v *Verifier) Verify(claim *VerdictClaim) error {
	if !v.enabled {
		return nil
	}

	now := time.Now().Unix()
	skew := abs(now - claim.Timestamp)
	const allowedSkew = 5 * 60 // 5 minutes in seconds

	if skew > allowedSkew {
		return fmt.Errorf("timestamp skew too large: %d seconds (max: %d)", skew, allowedSkew)
	}

	message := fmt.Sprintf("%s:%s:%s:%s:%d:%d",
		claim.NodeID,
		claim.SubmissionID,
		claim.UserID,
		claim.Verdict,
		claim.Score,
		claim.Timestamp,
	)

	signature, err := base64.StdEncoding.DecodeString(claim.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	hashed := sha256.Sum256([]byte(message))

	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, hashed[:], signature); err != nil {
		log.Printf("[ATTESTATION] verification failed for submission %s: %v", claim.SubmissionID, err)
		return fmt.Errorf("signature verification failed: %w", err)
	}

	log.Printf("[ATTESTATION] verified submission %s (node %s)", claim.SubmissionID, claim.NodeID)
	return nil
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// VerifyVerdictUnchanged re-derives the message from a possibly-mutated
// claim and compares, in constant time, against the submission's current
// persisted (submissionID, userID, verdict, score) — used by the audit
// endpoint to detect a verdict that was edited in the store after signing.
func (v *Verifier) VerifyVerdictUnchanged(claim *VerdictClaim, currentVerdict string, currentScore int) error {
	if !v.enabled {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(claim.Verdict), []byte(currentVerdict)) != 1 || claim.Score != currentScore {
		return fmt.Errorf("verdict for submission %s no longer matches its signed claim", claim.SubmissionID)
	}
	return nil
}

// IsEnabled returns whether attestation is enabled.
func (v *Verifier) IsEnabled() bool {
	return v.enabled
}

// AttestationMetrics tracks attestation statistics.
type AttestationMetrics struct {
	TotalVerifications      int64
	SuccessfulVerifications int64
	FailedVerifications     int64
	RejectedClaims          int64
}

// Metrics returns current attestation metrics.
func (v *Verifier) Metrics() AttestationMetrics {
	return AttestationMetrics{}
}
