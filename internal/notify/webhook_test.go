package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/pipeline/internal/logging"
	"github.com/streamforge/pipeline/internal/scheduler"
	"github.com/streamforge/pipeline/pkg/models"
)

type capturedRequest struct {
	body      []byte
	event     string
	signature string
}

func captureServer(t *testing.T, got chan<- capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		got <- capturedRequest{
			body:      body,
			event:     r.Header.Get("X-Pipeline-Event"),
			signature: r.Header.Get("X-Pipeline-Signature"),
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestWebhookNotify(t *testing.T) {
	got := make(chan capturedRequest, 1)
	server := captureServer(t, got)
	defer server.Close()

	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	sink := NewWebhook([]string{server.URL}, "wh-secret", log)
	job := &models.Job{ID: "job-1", VideoID: "vid-1", Status: models.JobStatusCompleted}
	sink.Notify(scheduler.Event{Type: scheduler.EventJobCompleted, Job: job})

	select {
	case req := <-got:
		assert.Equal(t, scheduler.EventJobCompleted, req.event)
		assert.Equal(t, Signature(req.body, "wh-secret"), req.signature)

		var payload Payload
		require.NoError(t, json.Unmarshal(req.body, &payload))
		assert.Equal(t, scheduler.EventJobCompleted, payload.Event)
		assert.Equal(t, "job-1", payload.Job.ID)
		assert.Equal(t, models.JobStatusCompleted, payload.Job.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookNotifyFansOut(t *testing.T) {
	got := make(chan capturedRequest, 2)
	first := captureServer(t, got)
	defer first.Close()
	second := captureServer(t, got)
	defer second.Close()

	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	sink := NewWebhook([]string{first.URL, second.URL}, "", log)
	sink.Notify(scheduler.Event{
		Type: scheduler.EventJobQueued,
		Job:  &models.Job{ID: "job-2", Status: models.JobStatusQueued},
	})

	for i := 0; i < 2; i++ {
		select {
		case req := <-got:
			assert.Equal(t, scheduler.EventJobQueued, req.event)
			assert.Empty(t, req.signature)
		case <-time.After(5 * time.Second):
			t.Fatal("webhook was not delivered to every endpoint")
		}
	}
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer server.Close()

	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	sink := NewWebhook([]string{server.URL}, "", log)
	sink.Notify(scheduler.Event{
		Type: scheduler.EventJobFailed,
		Job:  &models.Job{ID: "job-3", Status: models.JobStatusFailed},
	})

	select {
	case <-done:
		mu.Lock()
		assert.Equal(t, 2, attempts)
		mu.Unlock()
	case <-time.After(30 * time.Second):
		t.Fatal("delivery was not retried")
	}
}
