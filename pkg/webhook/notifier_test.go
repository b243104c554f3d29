package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenlabs/hutch/pkg/types"
)

func TestNotifyDeliversTerminalJob(t *testing.T) {
	received := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(3)
	n.Notify(&types.Job{
		ID:          "job-1",
		Type:        types.JobTypeVideo,
		Status:      types.JobStatusCompleted,
		Result:      json.RawMessage(`{"ok":true}`),
		Attempts:    1,
		CompletedAt: time.Now(),
		CallbackURL: srv.URL,
	})
	n.Close()

	select {
	case p := <-received:
		assert.Equal(t, "job-1", p.JobID)
		assert.Equal(t, "completed", p.Status)
		assert.JSONEq(t, `{"ok":true}`, string(p.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("callback was never delivered")
	}
}

func TestNotifyIncludesErrorForDeadLetteredJobs(t *testing.T) {
	received := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		received <- p
	}))
	defer srv.Close()

	n := NewNotifier(1)
	n.Notify(&types.Job{
		ID:          "job-2",
		Type:        types.JobTypeDocument,
		Status:      types.JobStatusDeadLettered,
		Error:       &types.JobError{Code: "INVALID_PAYLOAD", Message: "unparseable", Permanent: true},
		Attempts:    1,
		CallbackURL: srv.URL,
	})
	n.Close()

	p := <-received
	require.NotNil(t, p.Error)
	assert.Equal(t, "INVALID_PAYLOAD", p.Error.Code)
	assert.Equal(t, "dead_lettered", p.Status)
}

func TestNotifySkipsJobsWithoutCallback(t *testing.T) {
	n := NewNotifier(1)
	n.Notify(&types.Job{ID: "no-cb", Status: types.JobStatusCompleted})
	n.Close() // returns immediately, nothing in flight
}

func TestNotifySkipsNonTerminalJobs(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	n := NewNotifier(1)
	n.Notify(&types.Job{ID: "early", Status: types.JobStatusProcessing, CallbackURL: srv.URL})
	n.Close()

	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestNotifyRetriesTransientServerErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(3)
	n.Notify(&types.Job{
		ID:          "retry-cb",
		Status:      types.JobStatusCompleted,
		CallbackURL: srv.URL,
	})
	n.Close()

	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}
