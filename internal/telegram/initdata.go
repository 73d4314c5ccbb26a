package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingHash     = errors.New("init data: hash is missing")
	ErrHashMismatch    = errors.New("init data: hash mismatch")
	ErrInvalidAuthDate = errors.New("init data: auth_date is missing or invalid")
	ErrInitDataExpired = errors.New("init data: expired")
	ErrMalformedUser   = errors.New("init data: user is malformed")
	ErrMalformed       = errors.New("init data: not a valid query string")
)

// WebAppUser is the user object embedded in WebApp init data.
type WebAppUser struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
}

type InitData struct {
	User     *WebAppUser
	AuthDate time.Time
	Hash     string
	QueryID  string
}

// ValidateInitData checks the signature of a Telegram WebApp init data string
// and its freshness relative to now.
func ValidateInitData(raw, botToken string, now time.Time, maxAge time.Duration) (InitData, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return InitData{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	hash := values.Get("hash")
	if hash == "" {
		return InitData{}, ErrMissingHash
	}
	values.Del("hash")

	expected := Sign(values, botToken)
	if !hmac.Equal([]byte(expected), []byte(hash)) {
		return InitData{}, ErrHashMismatch
	}

	authUnix, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil || authUnix <= 0 {
		return InitData{}, ErrInvalidAuthDate
	}
	authDate := time.Unix(authUnix, 0).UTC()
	if now.Sub(authDate) > maxAge {
		return InitData{}, ErrInitDataExpired
	}

	out := InitData{
		AuthDate: authDate,
		Hash:     hash,
		QueryID:  values.Get("query_id"),
	}
	if rawUser := values.Get("user"); rawUser != "" {
		var u WebAppUser
		if err := json.Unmarshal([]byte(rawUser), &u); err != nil {
			return InitData{}, fmt.Errorf("%w: %v", ErrMalformedUser, err)
		}
		out.User = &u
	}
	return out, nil
}

// Sign returns the hex hash Telegram computes for values. values must not
// contain the hash field.
func Sign(values url.Values, botToken string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
