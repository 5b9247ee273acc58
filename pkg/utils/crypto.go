package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Message type discriminators mixed into the signed payloads so a signature
// over one payload kind can never be replayed as another.
const (
	MessageTypeBalanceProof       uint64 = 1
	MessageTypeBalanceProofUpdate uint64 = 2
	MessageTypeReward             uint64 = 6
)

// IsValidAddress checks if a string is a valid Ethereum address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress normalizes an address to lowercase with 0x prefix
func NormalizeAddress(address string) string {
	if !strings.HasPrefix(address, "0x") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// GetEventSignature returns the keccak256 hash of an event signature
func GetEventSignature(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}

// Hex256 formats an unsigned 256-bit value as 0x-prefixed, zero-padded hex.
// Padded values sort correctly as strings, which the storage layer relies on.
func Hex256(v *big.Int) string {
	return fmt.Sprintf("0x%064x", v)
}

// ParseHex256 parses a value formatted by Hex256.
func ParseHex256(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, NewAppError(ErrCodeValidation, "Invalid hex256 value", s)
	}
	return v, nil
}

// BigUint256 lifts a uint64 into the big.Int domain ABI packing expects.
func BigUint256(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

func uint256Word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func uint64Word(v uint64) []byte {
	return uint256Word(new(big.Int).SetUint64(v))
}

// PackBalanceProof serializes a blinded balance proof the way the channel
// contract hashes it before signature verification.
func PackBalanceProof(
	tokenNetwork common.Address,
	chainID uint64,
	msgType uint64,
	channelID *big.Int,
	balanceHash common.Hash,
	nonce uint64,
	additionalHash common.Hash,
) []byte {
	packed := make([]byte, 0, 20+6*32)
	packed = append(packed, tokenNetwork.Bytes()...)
	packed = append(packed, uint64Word(chainID)...)
	packed = append(packed, uint64Word(msgType)...)
	packed = append(packed, uint256Word(channelID)...)
	packed = append(packed, balanceHash.Bytes()...)
	packed = append(packed, uint64Word(nonce)...)
	packed = append(packed, additionalHash.Bytes()...)
	return packed
}

// PackRewardProof serializes the reward authorization signed by the
// non-closing participant.
func PackRewardProof(
	monitoringContract common.Address,
	chainID uint64,
	tokenNetwork common.Address,
	nonClosingParticipant common.Address,
	nonClosingSignature []byte,
	rewardAmount *big.Int,
) []byte {
	packed := make([]byte, 0, 3*20+3*32+len(nonClosingSignature))
	packed = append(packed, monitoringContract.Bytes()...)
	packed = append(packed, uint64Word(chainID)...)
	packed = append(packed, uint64Word(MessageTypeReward)...)
	packed = append(packed, tokenNetwork.Bytes()...)
	packed = append(packed, nonClosingParticipant.Bytes()...)
	packed = append(packed, nonClosingSignature...)
	packed = append(packed, uint256Word(rewardAmount)...)
	return packed
}

// RecoverSigner returns the address that produced an EIP-191 personal
// signature over data. The 65th byte may use either the 0/1 or 27/28
// recovery id convention.
func RecoverSigner(data, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, NewAppError(ErrCodeSignature, "Signature has wrong length",
			fmt.Sprintf("%d bytes", len(signature)))
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	digest := crypto.Keccak256([]byte(prefixed))

	pubkey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, NewAppError(ErrCodeSignature, "Signature recovery failed", err.Error())
	}

	return crypto.PubkeyToAddress(*pubkey), nil
}

// SignData produces an EIP-191 personal signature over data with the 27/28
// recovery id convention used by the channel contracts.
func SignData(privKeyHex string, data []byte) ([]byte, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		return nil, NewAppError(ErrCodeValidation, "Invalid private key", err.Error())
	}

	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	digest := crypto.Keccak256([]byte(prefixed))

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
