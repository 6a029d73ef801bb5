package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReturnsResultsInRequestOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/send", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var msgs []Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msgs))

		results := make([]SendResult, len(msgs))
		for i, m := range msgs {
			results[i] = SendResult{Status: StatusOK, ID: "ticket-" + m.To}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": results})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 5*time.Second)
	msgs := []Message{
		{To: "tok-a", Title: "a"},
		{To: "tok-b", Title: "b"},
		{To: "tok-c", Title: "c"},
	}
	results, err := client.Send(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, "ticket-"+msgs[i].To, r.ID)
	}
}

func TestSendRejectsResultCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []SendResult{{Status: StatusOK}}})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 5*time.Second)
	_, err := client.Send(context.Background(), []Message{{To: "a"}, {To: "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 results for 2 messages")
}

func TestSendRejectsOversizedBatch(t *testing.T) {
	client := NewHTTPClient("http://gateway.invalid", time.Second)
	msgs := make([]Message, MaxSendBatch+1)
	for i := range msgs {
		msgs[i] = Message{To: fmt.Sprintf("tok-%d", i)}
	}
	_, err := client.Send(context.Background(), msgs)
	require.Error(t, err, "oversized batches never reach the wire")
}

func TestSendEmptyBatchIsNoOp(t *testing.T) {
	client := NewHTTPClient("http://gateway.invalid", time.Second)
	results, err := client.Send(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestSendSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 5*time.Second)
	_, err := client.Send(context.Background(), []Message{{To: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestGetReceipts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/getReceipts", r.URL.Path)

		var req struct {
			IDs []string `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"t1", "t2", "t3"}, req.IDs)

		// t3 has no receipt yet.
		json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]Receipt{
			"t1": {Status: StatusOK},
			"t2": {Status: "error", Details: &ErrorDetails{Error: CodeDeviceNotRegistered}},
		}})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 5*time.Second)
	receipts, err := client.GetReceipts(context.Background(), []string{"t1", "t2", "t3"})
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, StatusOK, receipts["t1"].Status)
	assert.Equal(t, CodeDeviceNotRegistered, receipts["t2"].ErrorCode())
	_, ok := receipts["t3"]
	assert.False(t, ok)
}

func TestGetReceiptsRejectsOversizedBatch(t *testing.T) {
	client := NewHTTPClient("http://gateway.invalid", time.Second)
	ids := make([]string, MaxReceiptBatch+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%d", i)
	}
	_, err := client.GetReceipts(context.Background(), ids)
	require.Error(t, err)
}
