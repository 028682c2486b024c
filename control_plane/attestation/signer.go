package attestation

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// Signer creates a non-repudiation signature over a judged Submission's
// verdict. This runs inside the control plane node that owns the
// submission's dispatch, not inside the sandbox worker itself — the
// worker's result is already trusted once it crosses the pipeline's
// judge() call; what this protects against is a verdict being altered
// after persistence, not the judging process itself.
type Signer struct {
	privateKey *rsa.PrivateKey
	nodeID     string
}

// NewSigner creates a new verdict signer.
func NewSigner(privateKey *rsa.PrivateKey, nodeID string) *Signer {
	return &Signer{
		privateKey: privateKey,
		nodeID:     nodeID,
	}
}

// SignVerdict creates a signed attestation claim for one judged submission.
func (s *Signer) SignVerdict(submissionID, userID, verdict string, score int, judgedAt time.Time) (*VerdictClaim, error) {
	timestamp := judgedAt.Unix()

	message := fmt.Sprintf("%s:%s:%s:%s:%d:%d",
		s.nodeID,
		submissionID,
		userID,
		verdict,
		score,
		timestamp,
	)

	hashed := sha256.Sum256([]byte(message))

	signature, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign verdict: %w", err)
	}

	return &VerdictClaim{
		NodeID:       s.nodeID,
		SubmissionID: submissionID,
		UserID:       userID,
		Verdict:      verdict,
		Score:        score,
		Signature:    base64.StdEncoding.EncodeToString(signature),
		Timestamp:    timestamp,
	}, nil
}
