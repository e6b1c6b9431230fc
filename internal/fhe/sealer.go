package fhe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
)

const envelopeVersion = 1

// envelope is the CBOR wire form of an input ciphertext.
type envelope struct {
	Version uint8  `cbor:"1,keyasint"`
	Nonce   []byte `cbor:"2,keyasint"`
	Sealed  []byte `cbor:"3,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

type inputKeys struct {
	aead   cipher.AEAD
	macKey []byte
}

func deriveInputKeys(master []byte) (inputKeys, error) {
	r := hkdf.New(sha256.New, master, nil, []byte("sealbid input keys v1"))
	sealKey := make([]byte, 32)
	macKey := make([]byte, 32)
	if _, err := io.ReadFull(r, sealKey); err != nil {
		return inputKeys{}, fmt.Errorf("derive seal key: %w", err)
	}
	if _, err := io.ReadFull(r, macKey); err != nil {
		return inputKeys{}, fmt.Errorf("derive mac key: %w", err)
	}
	block, err := aes.NewCipher(sealKey)
	if err != nil {
		return inputKeys{}, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return inputKeys{}, err
	}
	return inputKeys{aead: aead, macKey: macKey}, nil
}

func (k inputKeys) proof(ciphertext []byte, sender string) []byte {
	mac := hmac.New(sha256.New, k.macKey)
	mac.Write(ciphertext)
	mac.Write([]byte{0})
	mac.Write([]byte(sender))
	return mac.Sum(nil)
}

func (k inputKeys) open(in Input, sender string) (uint64, error) {
	if !hmac.Equal(k.proof(in.Ciphertext, sender), in.Proof) {
		return 0, ErrInvalidProof
	}
	var env envelope
	if err := cbor.Unmarshal(in.Ciphertext, &env); err != nil {
		return 0, fmt.Errorf("%w: decode envelope: %v", ErrInvalidProof, err)
	}
	if env.Version != envelopeVersion {
		return 0, fmt.Errorf("%w: envelope version %d", ErrInvalidProof, env.Version)
	}
	plain, err := k.aead.Open(nil, env.Nonce, env.Sealed, []byte(sender))
	if err != nil || len(plain) != 8 {
		return 0, fmt.Errorf("%w: open envelope", ErrInvalidProof)
	}
	return binary.BigEndian.Uint64(plain), nil
}

// Sealer encrypts plaintext values into inputs bound to a sender.
type Sealer struct {
	keys inputKeys
}

// Seal encrypts v for submission by sender.
func (s *Sealer) Seal(v uint64, sender string) (Input, error) {
	nonce := make([]byte, s.keys.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Input{}, fmt.Errorf("seal: %w", err)
	}
	var plain [8]byte
	binary.BigEndian.PutUint64(plain[:], v)
	env := envelope{
		Version: envelopeVersion,
		Nonce:   nonce,
		Sealed:  s.keys.aead.Seal(nil, nonce, plain[:], []byte(sender)),
	}
	ct, err := encMode.Marshal(env)
	if err != nil {
		return Input{}, fmt.Errorf("seal: encode envelope: %w", err)
	}
	return Input{Ciphertext: ct, Proof: s.keys.proof(ct, sender)}, nil
}
