// File: pkg/utils/crypto_test.go
package utils

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestSignAndRecoverRoundTrip(t *testing.T) {
	data := []byte("payload under test")

	sig, err := SignData(testKeyHex, data)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.GreaterOrEqual(t, sig[64], byte(27), "expected 27/28 recovery id convention")

	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	got, err := RecoverSigner(data, sig)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRecoverSignerAcceptsBothRecoveryIDConventions(t *testing.T) {
	data := []byte("either convention")
	sig, err := SignData(testKeyHex, data)
	require.NoError(t, err)

	fromHigh, err := RecoverSigner(data, sig)
	require.NoError(t, err)

	low := make([]byte, len(sig))
	copy(low, sig)
	low[64] -= 27
	fromLow, err := RecoverSigner(data, low)
	require.NoError(t, err)

	assert.Equal(t, fromHigh, fromLow)
}

func TestRecoverSignerRejectsWrongLength(t *testing.T) {
	_, err := RecoverSigner([]byte("data"), make([]byte, 64))
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeSignature))
}

func TestPackBalanceProofLayout(t *testing.T) {
	tokenNetwork := common.HexToAddress("0x1111111111111111111111111111111111111111")
	channelID := big.NewInt(42)
	balanceHash := common.HexToHash("0xaa")
	additionalHash := common.HexToHash("0xbb")

	packed := PackBalanceProof(tokenNetwork, 1, MessageTypeBalanceProof, channelID, balanceHash, 7, additionalHash)

	require.Len(t, packed, 20+32*6)
	assert.Equal(t, tokenNetwork.Bytes(), packed[:20])
	assert.Equal(t, byte(MessageTypeBalanceProof), packed[20+31+32])
	assert.Equal(t, byte(42), packed[20+32*2+31])
	assert.Equal(t, balanceHash.Bytes(), packed[20+32*3:20+32*4])
}

func TestPackBalanceProofMessageTypeChangesPayload(t *testing.T) {
	tokenNetwork := common.HexToAddress("0x1111111111111111111111111111111111111111")
	a := PackBalanceProof(tokenNetwork, 1, MessageTypeBalanceProof, big.NewInt(1), common.Hash{}, 1, common.Hash{})
	b := PackBalanceProof(tokenNetwork, 1, MessageTypeBalanceProofUpdate, big.NewInt(1), common.Hash{}, 1, common.Hash{})
	assert.NotEqual(t, a, b)
}

func TestPackRewardProof(t *testing.T) {
	msc := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tokenNetwork := common.HexToAddress("0x3333333333333333333333333333333333333333")
	participant := common.HexToAddress("0x4444444444444444444444444444444444444444")
	nonClosingSig := make([]byte, 65)

	packed := PackRewardProof(msc, 1, tokenNetwork, participant, nonClosingSig, big.NewInt(100))

	require.Len(t, packed, 20+32+32+20+20+65+32)
	assert.Equal(t, msc.Bytes(), packed[:20])
	assert.Equal(t, byte(MessageTypeReward), packed[20+32+31])
}

func TestHex256RoundTrip(t *testing.T) {
	for _, v := range []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		new(big.Int).Lsh(big.NewInt(1), 255),
	} {
		s := Hex256(v)
		require.Len(t, s, 2+64)

		parsed, err := ParseHex256(s)
		require.NoError(t, err)
		assert.Zero(t, v.Cmp(parsed))
	}
}

func TestHex256SortsNumerically(t *testing.T) {
	// Zero padding makes the lexicographic order match the numeric one.
	assert.Less(t, Hex256(big.NewInt(9)), Hex256(big.NewInt(10)))
	assert.Less(t, Hex256(big.NewInt(255)), Hex256(big.NewInt(256)))
}

func TestParseHex256Invalid(t *testing.T) {
	_, err := ParseHex256("0xzz")
	require.Error(t, err)
}

func TestIsValidAddress(t *testing.T) {
	assert.True(t, IsValidAddress("0x1111111111111111111111111111111111111111"))
	assert.False(t, IsValidAddress("0x1111"))
	assert.False(t, IsValidAddress(""))
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t,
		"0xabcdefabcdefabcdefabcdefabcdefabcdefabcd",
		NormalizeAddress("0xABCDEFabcdefABCDEFabcdefabcdefABCDEFabcd"))
}
