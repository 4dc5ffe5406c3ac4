package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"modelviewer/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslationClient_Check(t *testing.T) {
	cases := []struct {
		name string
		body string
		want models.JobState
	}{
		{"ready", `{"status":"success","progress":100}`, models.JobReady},
		{"success below 100", `{"status":"success","progress":90}`, models.JobNotReady},
		{"pending", `{"status":"pending","progress":40,"message":"Extracting","stage":"svf"}`, models.JobNotReady},
		{"failed", `{"status":"failed","progress":10}`, models.JobFailed},
		{"unrecognised", `{"status":"weird"}`, models.JobUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/forge/translate/dXJu", r.URL.Path)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewTranslationClient(srv.URL+"/forge/", time.Second)
			st, err := c.Check(context.Background(), "dXJu")
			require.NoError(t, err)
			assert.Equal(t, tc.want, st.State)
		})
	}
}

func TestTranslationClient_Check_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewTranslationClient(srv.URL, time.Second)
	st, err := c.Check(context.Background(), "dXJu")
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Equal(t, models.JobUnknown, st.State)
	assert.Contains(t, err.Error(), "502")
}

func TestTranslationClient_Trigger(t *testing.T) {
	var got triggerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/translate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	c := NewTranslationClient(srv.URL, time.Second)
	require.NoError(t, c.Trigger(context.Background(), "dXJu", "svf"))
	assert.Equal(t, triggerRequest{URN: "dXJu", TargetFormat: "svf"}, got)
}

func TestTranslationClient_Trigger_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"quota exceeded"}`))
	}))
	defer srv.Close()

	c := NewTranslationClient(srv.URL, time.Second)
	err := c.Trigger(context.Background(), "dXJu", "svf")
	assert.ErrorIs(t, err, models.ErrTrigger)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestTranslationClient_Token(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok-123","expires_in":3599}`))
	}))
	defer srv.Close()

	c := NewTranslationClient(srv.URL, time.Second)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", tok.Token)
	assert.Equal(t, fixed.Add(3599*time.Second), tok.ExpiresAt)
}

func TestTranslationClient_Token_Errors(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
		"empty":  func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"expires_in":10}`)) },
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			_, err := NewTranslationClient(srv.URL, time.Second).Token(context.Background())
			assert.ErrorIs(t, err, models.ErrAuth)
		})
	}
}

func TestTranslationClient_RateLimitHonoursContext(t *testing.T) {
	c := NewTranslationClient("http://example.invalid", time.Second, WithRateLimit(0.001, 1))
	c.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"status":"pending"}`), nil
	})

	_, err := c.Check(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Check(ctx, "a")
	assert.True(t, IsTransport(err))
}
