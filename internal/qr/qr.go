// Package qr implements the versioned loyalty token format
//
//	loyalty:v1:{type}:{base64 payload}:{hex signature}
//
// The payload is AES-256-GCM encrypted (key derived from the shared secret
// with scrypt) and the whole head of the token is HMAC-signed. Validation is
// strictly authenticate-before-trust: the signature is checked in constant
// time before any base64 or cipher work touches the payload.
package qr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"
)

const (
	Prefix  = "loyalty"
	Version = "v1"

	nonceSize = 16
	tagSize   = 16

	// Above this a QR code stops scanning reliably, so oversized payloads
	// are rejected at generation time rather than at the register.
	maxTokenLen = 2953
)

// Fixed KDF salt. The derived key is bound to this token format; rotating the
// secret rotates the key.
var kdfSalt = []byte("loyalty-qr-v1")

var (
	ErrMalformedFormat    = errors.New("qr: malformed token format")
	ErrInvalidPrefix      = errors.New("qr: invalid prefix")
	ErrUnsupportedVersion = errors.New("qr: unsupported version")
	ErrSignatureMismatch  = errors.New("qr: signature mismatch")
	ErrTamperedPayload    = errors.New("qr: payload failed authenticated decryption")
	ErrSchemaMismatch     = errors.New("qr: payload schema mismatch")
	ErrExpired            = errors.New("qr: token expired")
	ErrTooLarge           = errors.New("qr: token exceeds scannable size")
)

// Codec signs and encrypts loyalty tokens. One instance per secret key;
// construction pays the scrypt cost once.
type Codec struct {
	secret []byte
	aead   cipher.AEAD
}

func NewCodec(secretKey string) (*Codec, error) {
	key, err := scrypt.Key([]byte(secretKey), kdfSalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("qr: key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("qr: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("qr: aead init failed: %w", err)
	}
	return &Codec{secret: []byte(secretKey), aead: aead}, nil
}

// Encode emits a signed token for the payload. One-time-use bookkeeping is
// the caller's job: the ledger entry for p.UseToken must exist before the
// token leaves the process.
func (c *Codec) Encode(t Type, p Payload) (string, error) {
	return c.EncodeAt(t, p, time.Now())
}

func (c *Codec) EncodeAt(t Type, p Payload, now time.Time) (string, error) {
	if !t.valid() {
		return "", ErrSchemaMismatch
	}
	if err := p.requireFields(t); err != nil {
		return "", err
	}
	p.IssuedAt = now.Unix()

	plain, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("qr: payload marshal failed: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("qr: nonce generation failed: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plain, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	// Wire layout: nonce | tag | ciphertext.
	wire := make([]byte, 0, nonceSize+tagSize+len(ct))
	wire = append(wire, nonce...)
	wire = append(wire, tag...)
	wire = append(wire, ct...)
	encoded := base64.StdEncoding.EncodeToString(wire)

	head := Prefix + ":" + Version + ":" + string(t) + ":" + encoded
	token := head + ":" + c.sign(head)
	if len(token) > maxTokenLen {
		return "", ErrTooLarge
	}
	return token, nil
}

// Decode verifies and opens a token. It performs every check except the
// one-time-use ledger mark, which needs the store and lives in the service
// layer.
func (c *Codec) Decode(token string, now time.Time) (*Decoded, error) {
	segments := strings.Split(token, ":")
	if len(segments) != 5 {
		return nil, ErrMalformedFormat
	}
	if segments[0] != Prefix {
		return nil, ErrInvalidPrefix
	}
	// Unknown versions fail closed; this is the format's extension point.
	if segments[1] != Version {
		return nil, ErrUnsupportedVersion
	}

	head := strings.Join(segments[:4], ":")
	if !hmac.Equal([]byte(c.sign(head)), []byte(segments[4])) {
		return nil, ErrSignatureMismatch
	}

	t := Type(segments[2])
	if !t.valid() {
		return nil, ErrSchemaMismatch
	}

	// Signature verified; only now does the ciphertext get touched.
	wire, err := base64.StdEncoding.DecodeString(segments[3])
	if err != nil || len(wire) < nonceSize+tagSize {
		return nil, ErrTamperedPayload
	}
	nonce := wire[:nonceSize]
	tag := wire[nonceSize : nonceSize+tagSize]
	ct := wire[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrTamperedPayload
	}

	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, ErrSchemaMismatch
	}
	if err := p.requireFields(t); err != nil {
		return nil, err
	}
	if p.expired(now) {
		return nil, ErrExpired
	}

	return &Decoded{Type: t, Payload: p}, nil
}

// DecodeWithMaxAge additionally caps the token's age from its issue
// timestamp, regardless of the embedded expiry. Used by cashier flows that
// want a tighter window than the issuer declared.
func (c *Codec) DecodeWithMaxAge(token string, now time.Time, maxAge time.Duration) (*Decoded, error) {
	d, err := c.Decode(token, now)
	if err != nil {
		return nil, err
	}
	if maxAge > 0 && now.Sub(time.Unix(d.Payload.IssuedAt, 0)) > maxAge {
		return nil, ErrExpired
	}
	return d, nil
}

func (c *Codec) sign(head string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(head))
	return hex.EncodeToString(mac.Sum(nil))
}
