package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"arenasettle/games"
	"arenasettle/ledger"
	"arenasettle/resolver"
	"arenasettle/settlement"
	"arenasettle/storage"
)

type fakeOrchestrator struct {
	settled     []uuid.UUID
	resolved    []uuid.UUID
	distributed []uuid.UUID
	err         error
}

func (f *fakeOrchestrator) Settle(ctx context.Context, id uuid.UUID) error {
	f.settled = append(f.settled, id)
	return f.err
}

func (f *fakeOrchestrator) ResolveWinners(ctx context.Context, id uuid.UUID) error {
	f.resolved = append(f.resolved, id)
	return f.err
}

func (f *fakeOrchestrator) DistributeRewards(ctx context.Context, id uuid.UUID) error {
	f.distributed = append(f.distributed, id)
	return f.err
}

type fakeTotals struct {
	err error
}

func (f *fakeTotals) CompetitionTotals(ctx context.Context, gameID uuid.UUID) (ledger.Totals, error) {
	if f.err != nil {
		return ledger.Totals{}, f.err
	}
	return ledger.Totals{
		PrizePool:   big.NewInt(1000000),
		Distributed: big.NewInt(400000),
		Entrants:    12,
	}, nil
}

const testToken = "operator-token"

func newTestServer(t *testing.T) (*Server, *storage.Store, *fakeOrchestrator) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store, err := storage.NewWithDB(db)
	require.NoError(t, err)

	orch := &fakeOrchestrator{}
	srv, err := New(Config{
		Store:        store,
		Orchestrator: orch,
		Totals:       &fakeTotals{},
		BearerToken:  testToken,
	})
	require.NoError(t, err)
	return srv, store, orch
}

func doRequest(t *testing.T, srv *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func seedResolvedCompetition(t *testing.T, store *storage.Store) *games.Competition {
	t.Helper()
	ctx := context.Background()
	comp := &games.Competition{
		ID:        uuid.New(),
		Kind:      "weekly",
		Status:    games.StatusResolving,
		EndsAt:    time.Now().UTC().Add(-time.Hour),
		Rule:      games.WinRule{Kind: games.RuleBeatTheHouse},
		PrizePool: "1000000",
	}
	require.NoError(t, store.CreateCompetition(ctx, comp))
	winner := &games.Portfolio{ID: uuid.New(), CompetitionID: comp.ID, OwnerID: uuid.New(), Performance: 4.0}
	require.NoError(t, store.CreatePortfolio(ctx, winner))
	res := &resolver.Resolution{
		Placements: []resolver.Placement{
			{Portfolio: *winner, Rank: 1, Winner: true, Reward: big.NewInt(1000000)},
		},
		WinnerCount: 1,
	}
	require.NoError(t, store.SaveResolution(ctx, comp.ID, res))
	return comp
}

func TestRoutesRequireBearerToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	id := uuid.New().String()

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/competitions/" + id},
		{http.MethodPost, "/api/v1/competitions/" + id + "/settle"},
		{http.MethodPost, "/api/v1/competitions/" + id + "/resolve"},
		{http.MethodPost, "/api/v1/competitions/" + id + "/distribute"},
	} {
		rec := doRequest(t, srv, tc.method, tc.path, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)

		rec = doRequest(t, srv, tc.method, tc.path, "wrong-token")
		require.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetCompetitionReturnsWinnersAndTotals(t *testing.T) {
	srv, store, _ := newTestServer(t)
	comp := seedResolvedCompetition(t, store)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/competitions/"+comp.ID.String(), testToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var view competitionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, comp.ID, view.ID)
	require.Equal(t, games.StatusDistributing, view.Status)
	require.True(t, view.WinnersResolved)
	require.Len(t, view.Winners, 1)
	require.Equal(t, "1000000", view.Winners[0].Reward)
	require.NotNil(t, view.Ledger)
	require.Equal(t, "1000000", view.Ledger.PrizePool)
	require.EqualValues(t, 12, view.Ledger.Entrants)
}

func TestGetCompetitionToleratesLedgerOutage(t *testing.T) {
	srv, store, _ := newTestServer(t)
	srv.totals = &fakeTotals{err: errors.New("dial tcp: connection refused")}
	comp := seedResolvedCompetition(t, store)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/competitions/"+comp.ID.String(), testToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var view competitionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Nil(t, view.Ledger)
}

func TestGetCompetitionNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/competitions/"+uuid.New().String(), testToken)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperationsDispatchToOrchestrator(t *testing.T) {
	srv, _, orch := newTestServer(t)
	id := uuid.New()

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/competitions/"+id.String()+"/settle", testToken)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/competitions/"+id.String()+"/resolve", testToken)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/competitions/"+id.String()+"/distribute", testToken)
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Equal(t, []uuid.UUID{id}, orch.settled)
	require.Equal(t, []uuid.UUID{id}, orch.resolved)
	require.Equal(t, []uuid.UUID{id}, orch.distributed)
}

func TestDistributeReportsBusy(t *testing.T) {
	srv, _, orch := newTestServer(t)
	orch.err = settlement.ErrBusy

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/competitions/"+uuid.New().String()+"/distribute", testToken)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetOwnerStats(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	comp := seedResolvedCompetition(t, store)

	records, err := store.Winners(ctx, comp.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	_, err = store.MarkDistributed(ctx, records, "0xabc")
	require.NoError(t, err)
	require.NoError(t, store.MarkFullyDistributed(ctx, comp.ID))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/owners/"+records[0].OwnerID.String()+"/stats", testToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var view ownerStatsView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, records[0].OwnerID, view.OwnerID)
	require.Equal(t, 1, view.CompetitionsWon)
	require.Equal(t, "1000000", view.TotalRewards)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/owners/"+uuid.New().String()+"/stats", testToken)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidCompetitionID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/competitions/not-a-uuid", testToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/competitions/not-a-uuid/settle", testToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
