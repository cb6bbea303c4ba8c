package foursquare

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bt-bridge/concierge/providers"
	"github.com/bt-bridge/concierge/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchBody = `{"results":[
	{"fsq_place_id":"4a1","name":"Hungry Ghost","distance":120,
	 "location":{"formatted_address":"781 Fulton St, Brooklyn, NY 11217"},
	 "categories":[{"fsq_category_id":"13035","name":"Coffee Shop"}]},
	{"fsq_place_id":"4a2","name":"Bittersweet","location":{"formatted_address":"180 Dekalb Ave"}}
]}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "fsq-token")
	require.NoError(t, err)
	return c
}

func TestSearch(t *testing.T) {
	tests := []struct {
		name   string
		params SearchParams
		query  map[string]string
	}{
		{
			name:   "near a named region",
			params: SearchParams{Query: "coffee", Near: "Fort Greene"},
			query:  map[string]string{"query": "coffee", "near": "Fort Greene", "limit": "5"},
		},
		{
			name:   "near a point",
			params: SearchParams{Query: "bar", LL: "40.74,-74.0", Radius: 1000, Limit: 3},
			query:  map[string]string{"query": "bar", "ll": "40.74,-74.0", "radius": "1000", "limit": "3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/places/search", r.URL.Path)
				assert.Equal(t, "Bearer fsq-token", r.Header.Get("Authorization"))
				assert.Equal(t, APIVersion, r.Header.Get("X-Places-Api-Version"))
				for k, v := range tt.query {
					assert.Equal(t, v, r.URL.Query().Get(k), k)
				}
				_, _ = w.Write([]byte(searchBody))
			})

			places, err := c.Search(context.Background(), tt.params)
			require.NoError(t, err)
			require.Len(t, places, 2)
			assert.Equal(t, "4a1", places[0].ID)

			summaries := Summaries(places)
			assert.Equal(t, Summary{
				ID:         "4a1",
				Name:       "Hungry Ghost",
				Address:    "781 Fulton St, Brooklyn, NY 11217",
				Categories: []string{"Coffee Shop"},
				Distance:   120,
			}, summaries[0])
			assert.Empty(t, summaries[1].Categories)
		})
	}
}

func TestSnapAndDetails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/geotagging/candidates":
			assert.Equal(t, "1", r.URL.Query().Get("limit"))
			assert.Equal(t, "40.69,-73.97", r.URL.Query().Get("ll"))
			_, _ = w.Write([]byte(`{"candidates":[{"fsq_place_id":"snap1","name":"Fort Greene Park"}]}`))
		case "/places/4a1":
			assert.Contains(t, r.URL.Query().Get("fields"), "hours_popular")
			_, _ = w.Write([]byte(`{"fsq_place_id":"4a1","rating":8.9}`))
		default:
			http.NotFound(w, r)
		}
	})

	places, err := c.Snap(context.Background(), "40.69,-73.97")
	require.NoError(t, err)
	require.Len(t, places, 1)
	assert.Equal(t, "Fort Greene Park", places[0].Name)

	raw, err := c.Details(context.Background(), "4a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"fsq_place_id":"4a1","rating":8.9}`, string(raw))

	_, err = c.Details(context.Background(), " ")
	assert.ErrorIs(t, err, ErrNoPlaceID)

	_, err = c.Details(context.Background(), "nope")
	var statusErr *providers.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestNew(t *testing.T) {
	_, err := New("", "")
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)

	c, err := New("", "tok")
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
}
