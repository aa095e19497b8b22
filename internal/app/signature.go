/**
 * @description
 * This file implements nonce-bound signature verification for mint requests. The claimant
 * signs the received message object with their wallet, and the signed nonce is rotated with a
 * compare-and-swap so it can authorize only one mint.
 *
 * @dependencies
 * - github.com/google/uuid: Fresh nonce values.
 * - pkg/ethauth: Personal-sign signature recovery.
 */

package app

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/pointsmint/mint-service/internal/domain"
	"github.com/pointsmint/mint-service/internal/store"
	"github.com/pointsmint/mint-service/pkg/ethauth"
)

// GenerateNonce returns a fresh unpredictable challenge value.
func GenerateNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SignatureVerifier authenticates a mint request against the claimant's live nonce and
// consumes that nonce.
type SignatureVerifier struct {
	repo     store.Repository
	newNonce func() string
}

// NewSignatureVerifier creates a verifier that rotates nonces with newNonce, or GenerateNonce
// when newNonce is nil.
func NewSignatureVerifier(repo store.Repository, newNonce func() string) *SignatureVerifier {
	if newNonce == nil {
		newNonce = GenerateNonce
	}
	return &SignatureVerifier{repo: repo, newNonce: newNonce}
}

// verification is the outcome of the nonce and signature checks before rotation.
type verification struct {
	found       bool
	storedNonce string
	err         error
}

// Verify looks up the live nonce, compares it with the signed one and recovers the signer.
// It never writes.
func (v *SignatureVerifier) Verify(ctx context.Context, req *domain.MintRequest) verification {
	record, err := v.repo.FindNonceByAddress(ctx, req.Message.Address)
	if err != nil {
		if errors.Is(err, store.ErrNonceNotFound) {
			return verification{err: domain.NewMintError(domain.KindNonceNotFound, "Nonce does not exist", nil)}
		}
		return verification{err: domain.NewMintError(domain.KindInternal, "Failed to load nonce", err)}
	}

	result := verification{found: true, storedNonce: record.Nonce}
	if record.Nonce != req.Message.Nonce {
		result.err = domain.NewMintError(domain.KindInvalidNonce, "Invalid nonce", nil)
		return result
	}

	payload, err := req.SigningPayload()
	if err != nil {
		result.err = domain.NewMintError(domain.KindInvalidSignature, "Invalid signature", err)
		return result
	}
	if err := ethauth.VerifyPersonalSignature(payload, req.Signature, req.Message.Address); err != nil {
		result.err = domain.NewMintError(domain.KindInvalidSignature, "Invalid signature", err)
	}
	return result
}

// Consume rotates the stored nonce after a verification attempt, whatever its outcome, and
// returns the error the pipeline should report. Only the caller whose compare-and-swap wins
// may proceed past a successful verification.
func (v *SignatureVerifier) Consume(ctx context.Context, address string, result verification) error {
	if !result.found {
		return result.err
	}

	swapped, err := v.repo.RotateNonce(ctx, address, result.storedNonce, v.newNonce())
	if result.err != nil {
		if err != nil {
			log.Printf("level=warn component=signature_verifier msg=\"nonce rotation failed after rejected attempt\" address=%s err=%v", address, err)
		}
		return result.err
	}
	if err != nil {
		return domain.NewMintError(domain.KindInternal, "Failed to rotate nonce", err)
	}
	if !swapped {
		log.Printf("level=warn component=signature_verifier msg=\"nonce consumed by a concurrent request\" address=%s", address)
		return domain.NewMintError(domain.KindInvalidNonce, "Invalid nonce", nil)
	}
	return nil
}
