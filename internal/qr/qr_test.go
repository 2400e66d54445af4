package qr

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret-key"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testSecret)
	require.NoError(t, err)
	return c
}

func TestCardTokenRepeatedValidation(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()

	token, err := c.EncodeAt(TypeCard, Payload{CardNumber: "LC-123456", CustomerID: 42}, now)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "loyalty:v1:card:"))

	// Cards are not one-time-use; every scan must return identical fields.
	for i := 0; i < 5; i++ {
		d, err := c.Decode(token, now)
		require.NoError(t, err)
		assert.Equal(t, TypeCard, d.Type)
		assert.Equal(t, "LC-123456", d.Payload.CardNumber)
		assert.Equal(t, int64(42), d.Payload.CustomerID)
	}
}

func TestTamperedPayloadFailsAtSignature(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()

	token, err := c.EncodeAt(TypeCard, Payload{CardNumber: "LC-1"}, now)
	require.NoError(t, err)

	segments := strings.Split(token, ":")
	other, err := c.EncodeAt(TypeCard, Payload{CardNumber: "LC-2"}, now)
	require.NoError(t, err)
	segments[3] = strings.Split(other, ":")[3]

	_, err = c.Decode(strings.Join(segments, ":"), now)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestSwappedPayloadWithResignedHeadFailsAtDecrypt(t *testing.T) {
	// An attacker who somehow resigns a garbage payload must still be
	// stopped by the auth tag; the outer signature alone never vouches for
	// plaintext integrity.
	c := newTestCodec(t)
	now := time.Now()

	token, err := c.EncodeAt(TypeCard, Payload{CardNumber: "LC-1"}, now)
	require.NoError(t, err)

	segments := strings.Split(token, ":")
	flip := "Z"
	if segments[3][0] == 'Z' {
		flip = "A"
	}
	segments[3] = flip + segments[3][1:]
	head := strings.Join(segments[:4], ":")
	segments[4] = c.sign(head)

	_, err = c.Decode(strings.Join(segments, ":"), now)
	assert.ErrorIs(t, err, ErrTamperedPayload)
}

func TestDecodeFormatFailures(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()

	token, err := c.EncodeAt(TypeCard, Payload{CardNumber: "LC-1"}, now)
	require.NoError(t, err)
	segments := strings.Split(token, ":")

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"too few segments", strings.Join(segments[:4], ":"), ErrMalformedFormat},
		{"empty", "", ErrMalformedFormat},
		{"wrong prefix", "voucher:" + strings.Join(segments[1:], ":"), ErrInvalidPrefix},
		{"future version", segments[0] + ":v2:" + strings.Join(segments[2:], ":"), ErrUnsupportedVersion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decode(tc.token, now)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUnknownTypeFailsClosed(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()

	token, err := c.EncodeAt(TypeCard, Payload{CardNumber: "LC-1"}, now)
	require.NoError(t, err)

	segments := strings.Split(token, ":")
	segments[2] = "giftcard"
	segments[4] = c.sign(strings.Join(segments[:4], ":"))

	_, err = c.Decode(strings.Join(segments, ":"), now)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestTransactionExpiryBoundary(t *testing.T) {
	c := newTestCodec(t)
	now := time.Unix(1_700_000_000, 0)

	token, err := c.EncodeAt(TypeTransaction, Payload{
		Amount:    24900,
		Points:    100,
		StoreID:   "msk-01",
		ExpiresAt: now.Add(5 * time.Minute).Unix(),
	}, now)
	require.NoError(t, err)

	d, err := c.Decode(token, now.Add(4*time.Minute+59*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(24900), d.Payload.Amount)

	_, err = c.Decode(token, now.Add(5*time.Minute+time.Second))
	assert.ErrorIs(t, err, ErrExpired)
}

func TestDecodeWithMaxAgeOverride(t *testing.T) {
	c := newTestCodec(t)
	now := time.Unix(1_700_000_000, 0)

	token, err := c.EncodeAt(TypeCard, Payload{CardNumber: "LC-1"}, now)
	require.NoError(t, err)

	_, err = c.DecodeWithMaxAge(token, now.Add(time.Minute), 10*time.Minute)
	assert.NoError(t, err)

	_, err = c.DecodeWithMaxAge(token, now.Add(11*time.Minute), 10*time.Minute)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestSchemaRequiredFields(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()

	_, err := c.EncodeAt(TypeTransaction, Payload{Points: 5}, now)
	assert.ErrorIs(t, err, ErrSchemaMismatch, "transaction without amount/store")

	_, err = c.EncodeAt(TypeCoupon, Payload{DiscountPercent: 10}, now)
	assert.ErrorIs(t, err, ErrSchemaMismatch, "coupon without code")

	_, err = c.EncodeAt(TypeCoupon, Payload{CouponCode: "SPRING", OneTimeUse: true}, now)
	assert.ErrorIs(t, err, ErrSchemaMismatch, "one-time-use without use token")
}

func TestWrongKeyCannotValidate(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()

	token, err := c.EncodeAt(TypeReferral, Payload{ReferrerID: 7}, now)
	require.NoError(t, err)

	other, err := NewCodec("some-other-secret")
	require.NoError(t, err)
	_, err = other.Decode(token, now)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}
