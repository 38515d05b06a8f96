package wire

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"

	"github.com/yanun0323/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"tradegate/pkg/exception"
)

// Encryption modes.
const (
	EncryptionNone  = "none"
	EncryptionCurve = "curve"
)

const (
	KeySize   = 32
	nonceSize = 24
)

// EncryptionSettings configures the encryption stage of one endpoint. In
// curve mode the endpoint holds its own key pair and the public key of the
// peer it expects to talk to.
type EncryptionSettings struct {
	Mode          string
	PublicKey     [KeySize]byte
	SecretKey     [KeySize]byte
	PeerPublicKey [KeySize]byte
}

// Encryptor is the encryption stage.
type Encryptor interface {
	Name() string
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// GenerateCurveKeyPair returns a fresh Curve25519 key pair.
func GenerateCurveKeyPair() (public, secret [KeySize]byte, err error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return public, secret, errors.Wrap(err, "generate curve key")
	}
	return *pub, *sec, nil
}

// DecodeKey parses a base64 encoded 32 byte key.
func DecodeKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, errors.Wrap(err, "decode key")
	}
	if len(raw) != KeySize {
		return key, exception.NewValidationError("key", "must be 32 bytes")
	}
	copy(key[:], raw)
	return key, nil
}

// EncodeKey renders key as base64.
func EncodeKey(key [KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// NewEncryptor validates s and returns the matching stage.
func NewEncryptor(s EncryptionSettings) (Encryptor, error) {
	switch strings.ToLower(strings.TrimSpace(s.Mode)) {
	case "", EncryptionNone:
		return noEncryption{}, nil
	case EncryptionCurve:
		return newCurveEncryption(s)
	default:
		return nil, errors.Wrapf(exception.ErrArgumentUnsupported, "encryption mode %q", s.Mode)
	}
}

type noEncryption struct{}

func (noEncryption) Name() string                       { return EncryptionNone }
func (noEncryption) Seal(plain []byte) ([]byte, error)  { return plain, nil }
func (noEncryption) Open(sealed []byte) ([]byte, error) { return sealed, nil }

type curveEncryption struct {
	shared [KeySize]byte
}

func newCurveEncryption(s EncryptionSettings) (Encryptor, error) {
	var zero [KeySize]byte
	if s.SecretKey == zero {
		return nil, exception.NewValidationError("encryption.secret_key", "is required for curve")
	}
	if s.PeerPublicKey == zero {
		return nil, exception.NewValidationError("encryption.peer_public_key", "is required for curve")
	}
	pub, err := curve25519.X25519(s.SecretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "derive public key")
	}
	if s.PublicKey != zero && !bytes.Equal(pub, s.PublicKey[:]) {
		return nil, exception.NewValidationError("encryption.public_key", "does not match secret key")
	}

	c := &curveEncryption{}
	box.Precompute(&c.shared, &s.PeerPublicKey, &s.SecretKey)
	return c, nil
}

func (c *curveEncryption) Name() string { return EncryptionCurve }

// Seal prefixes the random nonce to the box.
func (c *curveEncryption) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, errors.Wrap(err, "read nonce")
	}
	out := make([]byte, nonceSize, nonceSize+len(plain)+box.Overhead)
	copy(out, nonce[:])
	return box.SealAfterPrecomputation(out, plain, &nonce, &c.shared), nil
}

func (c *curveEncryption) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+box.Overhead {
		return nil, errors.Errorf("sealed frame too short: %d bytes", len(sealed))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := box.OpenAfterPrecomputation(nil, sealed[nonceSize:], &nonce, &c.shared)
	if !ok {
		return nil, errors.New("authentication failed")
	}
	return plain, nil
}
