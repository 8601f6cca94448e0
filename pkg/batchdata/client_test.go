package batchdata

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

func TestSkipTrace(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody skipTraceBody

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		resp := SkipTraceResponse{
			Status: Status{Code: 200, Text: "OK"},
			Results: Results{
				Persons: []Person{{
					Name:         Name{First: "Dana", Last: "Smith"},
					Emails:       []Email{{Email: "dana@example.com"}},
					PhoneNumbers: []PhoneNumber{{Number: "312-555-0142"}},
					Property: PersonProperty{Owner: Owner{
						Name:           Name{First: "Dana", Last: "Smith"},
						MailingAddress: "PO BOX 12 CHICAGO IL 60601",
					}},
					Meta: PersonMeta{Matched: true},
				}},
				Meta: ResultsMeta{RequestID: "rq-1"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.SkipTrace(context.Background(), SkipTraceRequest{
		PropertyAddress: PropertyAddress{
			Street: "123 MAIN ST", City: "CHICAGO", State: "IL", Zip: "60601",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/property/skip-trace", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
	require.Len(t, gotBody.Requests, 1)
	assert.Equal(t, "123 MAIN ST", gotBody.Requests[0].PropertyAddress.Street)

	require.Len(t, resp.Results.Persons, 1)
	person := resp.Results.Persons[0]
	assert.True(t, person.Meta.Matched)
	assert.Equal(t, "Dana Smith", person.Name.Full())
	assert.Equal(t, "PO BOX 12 CHICAGO IL 60601", person.Property.Owner.MailingAddress)
	assert.Equal(t, "rq-1", resp.Results.Meta.RequestID)
}

func TestSkipTraceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.SkipTrace(context.Background(), SkipTraceRequest{})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, "quota exceeded", se.Body)
}

func TestSkipTraceEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":{"code":402,"text":"payment required"}}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.SkipTrace(context.Background(), SkipTraceRequest{})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 402, se.StatusCode)
	assert.Equal(t, "payment required", se.Body)
}

func TestSkipTraceRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":{"code":200,"text":"OK"},"results":{"persons":[]}}`))
	}))
	defer srv.Close()

	// 20 rps, burst 1: the second call has to wait for a token.
	client := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(20))

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := client.SkipTrace(context.Background(), SkipTraceRequest{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSkipTraceContextCanceled(t *testing.T) {
	client := NewClient("test-key", WithBaseURL("http://127.0.0.1:1"), WithRateLimit(0.001))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.SkipTrace(ctx, SkipTraceRequest{})
	assert.Error(t, err)
}

func TestNameFull(t *testing.T) {
	assert.Equal(t, "Dana Smith", Name{First: "Dana", Last: "Smith"}.Full())
	assert.Equal(t, "Dana", Name{First: "Dana"}.Full())
	assert.Equal(t, "Smith", Name{Last: " Smith "}.Full())
	assert.Equal(t, "", Name{}.Full())
}
