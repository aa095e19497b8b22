package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestMintErrorMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("stage failed: %w", &MintError{Kind: KindInvalidNonce, Message: "Invalid nonce"})

	if !errors.Is(err, ErrInvalidNonce) {
		t.Fatal("expected wrapped error to match ErrInvalidNonce")
	}
	if errors.Is(err, ErrInvalidSignature) {
		t.Fatal("did not expect wrapped error to match ErrInvalidSignature")
	}
	if KindOf(err) != KindInvalidNonce {
		t.Fatalf("expected KindInvalidNonce, got %s", KindOf(err))
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("expected KindInternal, got %s", got)
	}
}

func TestMintErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewMintError(KindReconciliation, "Points minted; ledger update pending reconciliation", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected MintError to unwrap its cause")
	}
	if IsPreMint(err.Kind) {
		t.Fatal("reconciliation failures happen after the mint")
	}
	if !IsPreMint(KindDeviceNotBound) {
		t.Fatal("eligibility failures happen before the mint")
	}
}
