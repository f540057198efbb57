package queue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
)

func sign(t *testing.T, key string, body []byte, sub string, exp time.Time) string {
	t.Helper()
	claims := SignatureClaims{
		Body: BodyHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "Upstash",
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func TestVerifier(t *testing.T) {
	body := []byte(`{"failure_id":"f1"}`)
	url := "https://claims.example.com/api/v1/queue/retry"
	v := NewVerifier("current", "next")

	assert.NoError(t, v.Verify(sign(t, "current", body, url, time.Now().Add(time.Minute)), body, url))
	assert.NoError(t, v.Verify(sign(t, "next", body, url, time.Now().Add(time.Minute)), body, url))

	assert.ErrorIs(t, v.Verify(sign(t, "other", body, url, time.Now().Add(time.Minute)), body, url), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(sign(t, "current", body, url, time.Now().Add(-time.Minute)), body, url), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(sign(t, "current", []byte(`{}`), url, time.Now().Add(time.Minute)), body, url), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(sign(t, "current", body, "https://evil", time.Now().Add(time.Minute)), body, url), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify("", body, url), ErrInvalidSignature)
}

func TestVerifierDisabled(t *testing.T) {
	assert.False(t, NewVerifier("", "").Enabled())
	assert.True(t, NewVerifier("a", "").Enabled())
}

func TestQStashSchedule(t *testing.T) {
	var got RetryMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/v2/publish/")
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "1200s", r.Header.Get("Upstash-Delay"))
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	d := NewQStashDispatcher(config.QueueConfig{
		BaseURL:     srv.URL,
		Token:       "tok",
		CallbackURL: "https://claims.example.com/api/v1/queue/retry",
	})
	require.NoError(t, d.Schedule(context.Background(), "f1", 20*time.Minute))
	assert.Equal(t, "f1", got.FailureID)
}

func TestQStashScheduleError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewQStashDispatcher(config.QueueConfig{BaseURL: srv.URL, CallbackURL: "cb"})
	assert.Error(t, d.Schedule(context.Background(), "f1", time.Minute))
}
