package telegram

import (
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBotToken = "123456:TEST-token"

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signedInitData(t *testing.T, fields url.Values) string {
	t.Helper()
	fields.Set("hash", Sign(fields, testBotToken))
	return fields.Encode()
}

func baseFields(authDate time.Time) url.Values {
	v := url.Values{}
	v.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	v.Set("query_id", "AAH-query")
	v.Set("user", `{"id":42,"first_name":"Ann","username":"ann","language_code":"en","is_premium":true}`)
	return v
}

func TestValidateInitDataAccepts(t *testing.T) {
	raw := signedInitData(t, baseFields(now.Add(-time.Minute)))

	got, err := ValidateInitData(raw, testBotToken, now, 300*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got.User)
	assert.Equal(t, int64(42), got.User.ID)
	assert.Equal(t, "ann", got.User.Username)
	assert.True(t, got.User.IsPremium)
	assert.Equal(t, "AAH-query", got.QueryID)
	assert.Equal(t, now.Add(-time.Minute), got.AuthDate)
}

func TestValidateInitDataRejectsTampering(t *testing.T) {
	fields := baseFields(now.Add(-time.Minute))
	raw := signedInitData(t, fields)
	hash := fields.Get("hash")

	t.Run("hash character", func(t *testing.T) {
		v, _ := url.ParseQuery(raw)
		flipped := []byte(hash)
		if flipped[0] == 'a' {
			flipped[0] = 'b'
		} else {
			flipped[0] = 'a'
		}
		v.Set("hash", string(flipped))
		_, err := ValidateInitData(v.Encode(), testBotToken, now, 300*time.Second)
		require.ErrorIs(t, err, ErrHashMismatch)
	})

	t.Run("field value", func(t *testing.T) {
		v, _ := url.ParseQuery(raw)
		v.Set("user", `{"id":43,"first_name":"Ann","username":"ann","language_code":"en","is_premium":true}`)
		_, err := ValidateInitData(v.Encode(), testBotToken, now, 300*time.Second)
		require.ErrorIs(t, err, ErrHashMismatch)
	})

	t.Run("added field", func(t *testing.T) {
		v, _ := url.ParseQuery(raw)
		v.Set("extra", "1")
		_, err := ValidateInitData(v.Encode(), testBotToken, now, 300*time.Second)
		require.ErrorIs(t, err, ErrHashMismatch)
	})

	t.Run("other bot", func(t *testing.T) {
		_, err := ValidateInitData(raw, "999:other", now, 300*time.Second)
		require.ErrorIs(t, err, ErrHashMismatch)
	})
}

func TestValidateInitDataRejects(t *testing.T) {
	maxAge := 300 * time.Second

	t.Run("missing hash", func(t *testing.T) {
		_, err := ValidateInitData(baseFields(now).Encode(), testBotToken, now, maxAge)
		require.ErrorIs(t, err, ErrMissingHash)
	})

	t.Run("expired", func(t *testing.T) {
		raw := signedInitData(t, baseFields(now.Add(-301*time.Second)))
		_, err := ValidateInitData(raw, testBotToken, now, maxAge)
		require.ErrorIs(t, err, ErrInitDataExpired)
	})

	t.Run("boundary", func(t *testing.T) {
		raw := signedInitData(t, baseFields(now.Add(-300*time.Second)))
		_, err := ValidateInitData(raw, testBotToken, now, maxAge)
		require.NoError(t, err)
	})

	t.Run("bad auth date", func(t *testing.T) {
		v := baseFields(now)
		v.Set("auth_date", "yesterday")
		_, err := ValidateInitData(signedInitData(t, v), testBotToken, now, maxAge)
		require.ErrorIs(t, err, ErrInvalidAuthDate)
	})

	t.Run("malformed user", func(t *testing.T) {
		v := baseFields(now)
		v.Set("user", `{"id":`)
		_, err := ValidateInitData(signedInitData(t, v), testBotToken, now, maxAge)
		require.True(t, errors.Is(err, ErrMalformedUser), "got %v", err)
	})

	t.Run("no user", func(t *testing.T) {
		v := baseFields(now)
		v.Del("user")
		got, err := ValidateInitData(signedInitData(t, v), testBotToken, now, maxAge)
		require.NoError(t, err)
		assert.Nil(t, got.User)
	})

	t.Run("bad query string", func(t *testing.T) {
		_, err := ValidateInitData("%zz", testBotToken, now, maxAge)
		require.ErrorIs(t, err, ErrMalformed)
	})
}
