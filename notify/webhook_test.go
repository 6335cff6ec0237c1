package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"arenasettle/distribution"
	"arenasettle/games"
)

func testCompetition() *games.Competition {
	return &games.Competition{
		ID:        uuid.New(),
		Kind:      "weekly",
		Status:    games.StatusCompleted,
		PrizePool: "1000000",
	}
}

func TestAnnounceSettledDeliversSignedEvent(t *testing.T) {
	type received struct {
		body      []byte
		signature string
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		got <- received{body: body, signature: r.Header.Get(SignatureHeader)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	comp := testCompetition()
	hook := New(srv.URL, "topsecret", time.Second, nil)
	hook.AnnounceSettled(context.Background(), comp, distribution.Summary{Distributed: 7, Batches: 2, Completed: true})

	select {
	case r := <-got:
		require.Equal(t, Sign([]byte("topsecret"), r.body), r.signature)
		var event map[string]any
		require.NoError(t, json.Unmarshal(r.body, &event))
		require.Equal(t, "competition.settled", event["event"])
		require.Equal(t, comp.ID.String(), event["competition_id"])
		require.Equal(t, "COMPLETED", event["status"])
		require.EqualValues(t, 7, event["distributed"])
	case <-time.After(time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestAnnounceSettledSwallowsDeliveryFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hook := New(srv.URL, "", time.Second, nil)
	// Must not panic or error; delivery is best effort.
	hook.AnnounceSettled(context.Background(), testCompetition(), distribution.Summary{})
}

func TestDisabledWebhookIsNoop(t *testing.T) {
	hook := New("", "secret", time.Second, nil)
	require.False(t, hook.Enabled())
	hook.AnnounceSettled(context.Background(), testCompetition(), distribution.Summary{})
}
