package attestation

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal public key: %v", err)
	}
	pubKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubKeyBytes})
	return privateKey, string(pubKeyPEM)
}

func TestVerdictVerification(t *testing.T) {
	privateKey, pubKeyPEM := testKeyPair(t)

	verifier, err := NewVerifier(pubKeyPEM, true)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	signer := NewSigner(privateKey, "node-1")
	claim, err := signer.SignVerdict("sub-1", "user-1", "ACCEPTED", 10, time.Now())
	if err != nil {
		t.Fatalf("failed to sign verdict: %v", err)
	}

	if err := verifier.Verify(claim); err != nil {
		t.Errorf("verification failed: %v", err)
	}
}

func TestVerdictTampering(t *testing.T) {
	privateKey, pubKeyPEM := testKeyPair(t)

	verifier, err := NewVerifier(pubKeyPEM, true)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	signer := NewSigner(privateKey, "node-1")
	claim, err := signer.SignVerdict("sub-1", "user-1", "ACCEPTED", 10, time.Now())
	if err != nil {
		t.Fatalf("failed to sign verdict: %v", err)
	}

	claim.Verdict = "WRONG_ANSWER"

	if err := verifier.Verify(claim); err == nil {
		t.Error("expected verification to fail for tampered claim")
	}
}

func TestVerdictAttestationDisabled(t *testing.T) {
	verifier, err := NewVerifier("", false)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	claim := &VerdictClaim{
		SubmissionID: "sub-1",
		UserID:       "user-1",
		Verdict:      "ACCEPTED",
		Signature:    "invalid",
		Timestamp:    time.Now().Unix(),
	}

	if err := verifier.Verify(claim); err != nil {
		t.Errorf("verification should pass when disabled: %v", err)
	}
}

func TestVerifyVerdictUnchanged(t *testing.T) {
	privateKey, pubKeyPEM := testKeyPair(t)

	verifier, err := NewVerifier(pubKeyPEM, true)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	signer := NewSigner(privateKey, "node-1")
	claim, err := signer.SignVerdict("sub-1", "user-1", "ACCEPTED", 10, time.Now())
	if err != nil {
		t.Fatalf("failed to sign verdict: %v", err)
	}

	if err := verifier.VerifyVerdictUnchanged(claim, "ACCEPTED", 10); err != nil {
		t.Errorf("expected unchanged verdict to verify: %v", err)
	}

	if err := verifier.VerifyVerdictUnchanged(claim, "WRONG_ANSWER", 0); err == nil {
		t.Error("expected mutated verdict to be detected")
	}
}
