package polymarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/domain"
)

func newGammaServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events/slug/{slug}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("slug") {
		case "bitcoin-up-or-down-on-october-16":
			_, _ = w.Write([]byte(`{"id":"77","slug":"bitcoin-up-or-down-on-october-16","markets":[
				{"id":"1","slug":"btc-up","clobTokenIds":"[\"111\",\"222\"]"},
				{"id":"2","slug":"btc-flat","clobTokenIds":["333"]}]}`))
		case "empty-event":
			_, _ = w.Write([]byte(`{"id":"78","markets":[{"id":"3","clobTokenIds":null}]}`))
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /markets", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("slug") == "will-it-rain" {
			_, _ = w.Write([]byte(`[{"id":"9","slug":"will-it-rain","clobTokenIds":"[\"444\",\"555\"]"}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewGammaClientDefaults(t *testing.T) {
	g := NewGammaClient("", nil)
	assert.Equal(t, DefaultGammaURL, g.baseURL)
	assert.NotNil(t, g.httpClient)
}

func TestResolveEventTokens(t *testing.T) {
	g := NewGammaClient(newGammaServer(t).URL, nil)

	ids, err := g.ResolveEventTokens(context.Background(), "bitcoin-up-or-down-on-october-16")
	require.NoError(t, err)
	assert.Equal(t, []string{"111", "222", "333"}, ids)

	_, err = g.ResolveEventTokens(context.Background(), "empty-event")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = g.ResolveEventTokens(context.Background(), "no-such-event")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveMarketTokens(t *testing.T) {
	g := NewGammaClient(newGammaServer(t).URL, nil)

	ids, err := g.ResolveMarketTokens(context.Background(), "will-it-rain")
	require.NoError(t, err)
	assert.Equal(t, []string{"444", "555"}, ids)

	_, err = g.ResolveMarketTokens(context.Background(), "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGammaServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewGammaClient(srv.URL, nil).GetEventBySlug(context.Background(), "x")
	var fe *domain.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusBadGateway, fe.StatusCode)
}

func TestStringList(t *testing.T) {
	tests := []struct {
		in   string
		want StringList
	}{
		{`["1","2"]`, StringList{"1", "2"}},
		{`"[\"1\",\"2\"]"`, StringList{"1", "2"}},
		{`""`, nil},
		{`null`, nil},
	}
	for _, tt := range tests {
		var got StringList
		require.NoError(t, json.Unmarshal([]byte(tt.in), &got), tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	var bad StringList
	assert.Error(t, json.Unmarshal([]byte(`"not a list"`), &bad))
}
