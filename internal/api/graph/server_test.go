package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/littlegate/internal/model"
	"github.com/lvdashuaibi/littlegate/internal/repository"
	"github.com/lvdashuaibi/littlegate/internal/stats"
)

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func query(t *testing.T, srv *GraphQLServer, q string) gqlResponse {
	t.Helper()
	body, err := json.Marshal(map[string]string{"query": q})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp gqlResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func seeded(t *testing.T) *GraphQLServer {
	t.Helper()
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateTicket(ctx, &model.Ticket{TicketNumber: "T1", EventID: "E1", Status: model.TicketStatusUnused}))
	require.NoError(t, repo.CreateTicket(ctx, &model.Ticket{TicketNumber: "T2", EventID: "E1", Status: model.TicketStatusCancelled}))

	hour := time.Now().UTC().Truncate(time.Hour)
	require.NoError(t, repo.SaveOutcome(ctx, &model.OutcomeEvent{
		ID:   "v1",
		Kind: model.OutcomeVerification,
		Verification: &model.VerificationOutcome{
			TicketNumber: "T1", EventID: "E1", ScannerID: "g1",
			Status: model.VerdictSuccess, ScannedAt: hour.Add(5 * time.Minute),
		},
	}))
	require.NoError(t, repo.SaveOutcome(ctx, &model.OutcomeEvent{
		ID:       "c1",
		Kind:     model.OutcomeCallback,
		Callback: &model.CallbackOutcome{OrderID: "O1", Reason: model.RejectReplay, ReceivedAt: time.Now()},
	}))

	return NewGraphQLServer(stats.NewReporter(repo, repo, time.Second))
}

func TestTicketCountsQuery(t *testing.T) {
	resp := query(t, seeded(t), `{ ticketCounts(eventId: "E1") { status count } }`)
	require.Empty(t, resp.Errors)

	var data struct {
		TicketCounts []struct {
			Status string `json:"status"`
			Count  int    `json:"count"`
		} `json:"ticketCounts"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data.TicketCounts, 3)
	assert.Equal(t, "unused", data.TicketCounts[0].Status)
	assert.Equal(t, 1, data.TicketCounts[0].Count)
	assert.Equal(t, 0, data.TicketCounts[1].Count)
	assert.Equal(t, 1, data.TicketCounts[2].Count)
}

func TestScansAndCallbacksQuery(t *testing.T) {
	resp := query(t, seeded(t), `{
  scansPerHour(eventId: "E1") { hour count }
  callbackCounts { status count }
}`)
	require.Empty(t, resp.Errors)

	var data struct {
		ScansPerHour []struct {
			Hour  string `json:"hour"`
			Count int    `json:"count"`
		} `json:"scansPerHour"`
		CallbackCounts []struct {
			Status string `json:"status"`
			Count  int    `json:"count"`
		} `json:"callbackCounts"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data.ScansPerHour, 1)
	assert.Equal(t, 1, data.ScansPerHour[0].Count)
	_, err := time.Parse(time.RFC3339, data.ScansPerHour[0].Hour)
	assert.NoError(t, err)
	require.Len(t, data.CallbackCounts, 1)
	assert.Equal(t, "Replay", data.CallbackCounts[0].Status)
}

func TestInvalidSinceIsReported(t *testing.T) {
	resp := query(t, seeded(t), `{ callbackCounts(since: "yesterday") { status } }`)
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0].Message, "since")
}

func TestMissingEventIsReported(t *testing.T) {
	resp := query(t, seeded(t), `{ ticketCounts(eventId: "") { status } }`)
	require.NotEmpty(t, resp.Errors)
}
