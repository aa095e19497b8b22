// Package ethauth validates Ethereum addresses and recovers the signer of personal_sign
// (EIP-191) messages.
package ethauth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const signatureLength = 65

var (
	ErrInvalidSignatureEncoding = errors.New("signature is not valid hex")
	ErrInvalidSignatureLength   = errors.New("signature must be 65 bytes")
	ErrInvalidRecoveryID        = errors.New("signature recovery id must be 0, 1, 27 or 28")
	ErrSignerMismatch           = errors.New("recovered signer does not match claimed address")
)

// IsAddress reports whether value is a 0x-prefixed 20 byte hex address. Mixed-case
// values must carry a valid EIP-55 checksum.
func IsAddress(value string) bool {
	if !strings.HasPrefix(value, "0x") && !strings.HasPrefix(value, "0X") {
		return false
	}
	if !common.IsHexAddress(value) {
		return false
	}
	body := value[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return common.HexToAddress(value).Hex() == value
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// DecodeSignature decodes a hex signature and normalizes its recovery id to 0/1.
func DecodeSignature(signature string) ([]byte, error) {
	cleaned := strings.TrimSpace(signature)
	if !strings.HasPrefix(cleaned, "0x") && !strings.HasPrefix(cleaned, "0X") {
		cleaned = "0x" + cleaned
	}
	sig, err := hexutil.Decode(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignatureEncoding, err)
	}
	if len(sig) != signatureLength {
		return nil, ErrInvalidSignatureLength
	}
	switch sig[64] {
	case 0, 1:
	case 27, 28:
		sig[64] -= 27
	default:
		return nil, ErrInvalidRecoveryID
	}
	return sig, nil
}

// RecoverPersonalSigner recovers the address that signed message with personal_sign.
func RecoverPersonalSigner(message []byte, signature string) (common.Address, error) {
	sig, err := DecodeSignature(signature)
	if err != nil {
		return common.Address{}, err
	}
	digest := accounts.TextHash(message)
	pubKey, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pubKey), nil
}

// VerifyPersonalSignature checks that signature over message was produced by claimed.
func VerifyPersonalSignature(message []byte, signature string, claimed string) error {
	recovered, err := RecoverPersonalSigner(message, signature)
	if err != nil {
		return err
	}
	if !SameAddress(recovered.Hex(), claimed) {
		return fmt.Errorf("%w: recovered %s", ErrSignerMismatch, recovered.Hex())
	}
	return nil
}
