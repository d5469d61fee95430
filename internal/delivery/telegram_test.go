package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64ptr(v int64) *int64 { return &v }

func botAPIServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/bottoken1/sendMessage")
		var req sendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "-100123", req.ChatID)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendSuccess(t *testing.T) {
	srv := botAPIServer(t, http.StatusOK, `{"ok":true,"result":{"message_id":555}}`)
	ch := NewTelegramChannel(srv.URL, StaticTokens{"acc1": "token1"}, nil)

	res := ch.Send(context.Background(), "acc1", "-100123", "hello", int64ptr(4101))
	require.True(t, res.Sent())
	assert.Equal(t, int64(555), res.Receipt().MessageID)
	assert.False(t, res.Receipt().SentAt.IsZero())
}

func TestSendFailureClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   FailureKind
	}{
		{
			name:   "permission denied",
			status: http.StatusForbidden,
			body:   `{"ok":false,"description":"Forbidden: bot can't send messages"}`,
			want:   FailurePermissionDenied,
		},
		{
			name:   "kicked from chat",
			status: http.StatusForbidden,
			body:   `{"ok":false,"description":"Forbidden: bot was kicked from the group chat"}`,
			want:   FailureNotMember,
		},
		{
			name:   "not a member",
			status: http.StatusForbidden,
			body:   `{"ok":false,"description":"Forbidden: bot is not a member of the channel chat"}`,
			want:   FailureNotMember,
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"ok":false,"description":"Too Many Requests: retry after 33"}`,
			want:   FailureRateLimited,
		},
		{
			name:   "server error is transport trouble",
			status: http.StatusBadGateway,
			body:   `{"ok":false,"description":"Bad Gateway"}`,
			want:   FailureNetwork,
		},
		{
			name:   "anything else is unknown",
			status: http.StatusBadRequest,
			body:   `{"ok":false,"description":"Bad Request: message text is empty"}`,
			want:   FailureUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := botAPIServer(t, tt.status, tt.body)
			ch := NewTelegramChannel(srv.URL, StaticTokens{"acc1": "token1"}, nil)

			res := ch.Send(context.Background(), "acc1", "-100123", "hello", int64ptr(4101))
			require.False(t, res.Sent())
			assert.Equal(t, tt.want, res.Failure().Kind)
			assert.Equal(t, "send_failed:"+string(tt.want), res.Reason())
		})
	}
}

func TestSendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	t.Cleanup(srv.Close)
	ch := NewTelegramChannel(srv.URL, StaticTokens{"acc1": "token1"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := ch.Send(ctx, "acc1", "-100123", "hello", nil)
	require.False(t, res.Sent())
	assert.Equal(t, FailureTimeout, res.Failure().Kind)
}

func TestSendConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // port is now dead

	ch := NewTelegramChannel(srv.URL, StaticTokens{"acc1": "token1"}, nil)
	res := ch.Send(context.Background(), "acc1", "-100123", "hello", nil)
	require.False(t, res.Sent())
	assert.Equal(t, FailureNetwork, res.Failure().Kind)
}

func TestSendMissingToken(t *testing.T) {
	ch := NewTelegramChannel("http://localhost:1", StaticTokens{}, nil)
	res := ch.Send(context.Background(), "ghost", "-100123", "hello", nil)
	require.False(t, res.Sent())
	assert.Equal(t, FailureUnknown, res.Failure().Kind)
}

func TestParseStaticTokens(t *testing.T) {
	tokens, err := ParseStaticTokens(`{"acc1":"token1","empty":""}`)
	require.NoError(t, err)

	_, ok := tokens.Token("acc1")
	assert.True(t, ok)
	assert.True(t, tokens.Resolve("acc1"))

	_, ok = tokens.Token("empty")
	assert.False(t, ok, "empty token should not resolve")
	assert.False(t, tokens.Resolve("missing"))

	empty, err := ParseStaticTokens("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseStaticTokens("{broken")
	assert.Error(t, err)
}
