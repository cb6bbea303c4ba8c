package tavily

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bt-bridge/concierge/providers"
	"github.com/bt-bridge/concierge/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer tvly-key", r.Header.Get("Authorization"))
		var req map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "best ramen in Lisbon", req["query"])
		assert.EqualValues(t, 5, req["max_results"])
		assert.Equal(t, true, req["include_answer"])
		_, _ = w.Write([]byte(`{"query":"best ramen in Lisbon","answer":"Try Musashi.",
			"results":[{"title":"Ramen guide","url":"https://example.com/ramen","content":"...","score":0.91}]}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "tvly-key")
	require.NoError(t, err)

	resp, err := c.Search(context.Background(), "  best ramen in Lisbon ")
	require.NoError(t, err)
	assert.Equal(t, "Try Musashi.", resp.Answer)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "https://example.com/ramen", resp.Results[0].URL)
	assert.InDelta(t, 0.91, resp.Results[0].Score, 1e-9)
}

func TestSearchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "bad")
	require.NoError(t, err)

	_, err = c.Search(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = c.Search(context.Background(), "anything")
	var statusErr *providers.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)

	_, err = New("", "")
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
}
