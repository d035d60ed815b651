package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAEADRoundtrip(t *testing.T) {
	p := NewProvider()
	key, err := p.KDF([]byte("some input key material"), []byte("test"), 32)
	require.NoError(t, err)
	nonce, err := p.NewNonce()
	require.NoError(t, err)

	ct, err := p.AEADEncrypt(key, nonce, []byte("header"), []byte("a plaintext"))
	require.NoError(t, err)
	pt, err := p.AEADDecrypt(key, nonce, []byte("header"), ct)
	require.NoError(t, err)
	require.Equal(t, []byte("a plaintext"), pt)

	_, err = p.AEADDecrypt(key, nonce, []byte("altered"), ct)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestDHIsSymmetric(t *testing.T) {
	p := NewProvider()
	a, err := p.GenerateKeyPair()
	require.NoError(t, err)
	b, err := p.GenerateKeyPair()
	require.NoError(t, err)

	ab, err := p.DH(a.Private[:], b.Public[:])
	require.NoError(t, err)
	ba, err := p.DH(b.Private[:], a.Public[:])
	require.NoError(t, err)
	require.Equal(t, ab, ba)
}

func TestSignVerify(t *testing.T) {
	p := NewProvider()
	kp, err := p.GenerateSigningKeyPair()
	require.NoError(t, err)
	msg := Concat([]byte("one"), []byte("two"))
	sig := p.Sign(kp.Private, msg)
	require.True(t, p.Verify(kp.Public, msg, sig))
	require.False(t, p.Verify(kp.Public, Concat([]byte("one"), []byte("tw0")), sig))
}

func TestFingerprintStable(t *testing.T) {
	p := NewProvider()
	sk, err := p.GenerateSigningKeyPair()
	require.NoError(t, err)
	ak, err := p.GenerateKeyPair()
	require.NoError(t, err)

	f1 := Fingerprint(sk.Public, ak.Public[:])
	f2 := Fingerprint(sk.Public, ak.Public[:])
	require.Equal(t, f1, f2)
	require.NotEqual(t, f1, Fingerprint(ak.Public[:], sk.Public))
}

func TestConcatUnambiguous(t *testing.T) {
	require.NotEqual(t, Concat([]byte("ab"), []byte("c")), Concat([]byte("a"), []byte("bc")))
}
