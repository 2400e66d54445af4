// Package initdata validates the signed context blob a Telegram Mini App
// passes to its backend on launch. The signature must be proven before any
// field is trusted; validation is a pure function over the raw string, the
// bot token and a freshness window.
package initdata

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformedInput    = errors.New("initdata: malformed input")
	ErrMissingField      = errors.New("initdata: missing required field")
	ErrSignatureMismatch = errors.New("initdata: signature mismatch")
	ErrExpired           = errors.New("initdata: auth_date too old")
	ErrMalformedUser     = errors.New("initdata: user field is not valid JSON")
)

// User is the subset of the Telegram user object the platform cares about.
type User struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
	PhotoURL     string `json:"photo_url,omitempty"`
}

// Identity is the validated result. Hash is retained for audit logging only;
// it must never feed a downstream trust decision.
type Identity struct {
	User         *User
	AuthDate     time.Time
	QueryID      string
	ChatInstance string
	ChatType     string
	StartParam   string
	Hash         string
}

// Validate checks raw initData against the bot token and returns the identity
// it proves. Any failure aborts with a specific error; no field of a failed
// validation is ever returned.
func Validate(raw, botToken string, maxAge time.Duration) (*Identity, error) {
	return ValidateAt(raw, botToken, maxAge, time.Now())
}

// ValidateAt is Validate with an explicit clock.
func ValidateAt(raw, botToken string, maxAge time.Duration, now time.Time) (*Identity, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, ErrMalformedInput
	}

	gotHash := values.Get("hash")
	if gotHash == "" {
		return nil, ErrMalformedInput
	}
	values.Del("hash")

	if !hmac.Equal([]byte(checkDigest(values, botToken)), []byte(gotHash)) {
		return nil, ErrSignatureMismatch
	}

	authDateRaw := values.Get("auth_date")
	if authDateRaw == "" {
		return nil, ErrMissingField
	}
	authSecs, err := strconv.ParseInt(authDateRaw, 10, 64)
	if err != nil {
		return nil, ErrMalformedInput
	}
	authDate := time.Unix(authSecs, 0)
	if now.Sub(authDate) > maxAge {
		return nil, ErrExpired
	}

	id := &Identity{
		AuthDate:     authDate,
		QueryID:      values.Get("query_id"),
		ChatInstance: values.Get("chat_instance"),
		ChatType:     values.Get("chat_type"),
		StartParam:   values.Get("start_param"),
		Hash:         gotHash,
	}

	if rawUser := values.Get("user"); rawUser != "" {
		var u User
		if err := json.Unmarshal([]byte(rawUser), &u); err != nil {
			return nil, ErrMalformedUser
		}
		id.User = &u
	}

	return id, nil
}

// checkDigest builds the canonical check-string (every pair except hash,
// sorted by key, joined as key=value with newlines) and signs it with the
// two-stage key the protocol fixes: HMAC("WebAppData", botToken) first,
// then HMAC over the check-string.
func checkDigest(values url.Values, botToken string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}
	checkString := strings.Join(pairs, "\n")

	kdf := hmac.New(sha256.New, []byte("WebAppData"))
	kdf.Write([]byte(botToken))
	secret := kdf.Sum(nil)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(checkString))
	return hex.EncodeToString(mac.Sum(nil))
}
