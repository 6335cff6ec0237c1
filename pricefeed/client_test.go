package pricefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"arenasettle/games"
)

func TestValueParsesValuation(t *testing.T) {
	portfolio := games.Portfolio{ID: uuid.New()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, fmt.Sprintf("/v1/portfolios/%s/valuation", portfolio.ID), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"final_value":"123456789012345678901234567890","performance":4.25}`)
	}))
	defer srv.Close()

	client, err := New(srv.URL, time.Second)
	require.NoError(t, err)

	value, performance, err := client.Value(context.Background(), portfolio)
	require.NoError(t, err)
	require.Equal(t, "123456789012345678901234567890", value.String())
	require.Equal(t, 4.25, performance)
}

func TestValueRejectsBadResponses(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"server error":   {http.StatusInternalServerError, ""},
		"not found":      {http.StatusNotFound, ""},
		"garbage value":  {http.StatusOK, `{"final_value":"12.5","performance":1}`},
		"zero value":     {http.StatusOK, `{"final_value":"0","performance":1}`},
		"negative value": {http.StatusOK, `{"final_value":"-5","performance":1}`},
		"not json":       {http.StatusOK, `ok`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			client, err := New(srv.URL, time.Second)
			require.NoError(t, err)
			_, _, err = client.Value(context.Background(), games.Portfolio{ID: uuid.New()})
			require.Error(t, err)
		})
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New("   ", time.Second)
	require.Error(t, err)
}
