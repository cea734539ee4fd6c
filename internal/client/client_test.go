package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/promo-mailer-backend/internal/errors"
	"github.com/unclebandit/promo-mailer-backend/internal/model"
)

func fastClient(url string) *Client {
	c := New(url, "token")
	c.InitialInterval = 5 * time.Millisecond
	c.MaxInterval = 20 * time.Millisecond
	return c
}

func TestPollSchedule_DoublesWithoutJitter(t *testing.T) {
	bo := New("http://api", "").pollSchedule()

	var waits []time.Duration
	for i := 0; i < 5; i++ {
		waits = append(waits, bo.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, waits)
}

func TestWaitForCompletion_PollsUntilDone(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "/admin/email-status/c1", r.URL.Path)

		n := atomic.AddInt32(&polls, 1)
		st := model.CampaignStatus{ID: "c1", SendStats: model.SendStats{TotalRecipients: 3, Sent: int(n) - 1}}
		if n == 4 {
			st.IsCompleted = true
		}
		json.NewEncoder(w).Encode(st)
	}))
	defer srv.Close()

	var seen []int
	st, err := fastClient(srv.URL).WaitForCompletion(context.Background(), "c1", func(s *model.CampaignStatus) {
		seen = append(seen, s.SendStats.Sent)
	})
	require.NoError(t, err)
	assert.True(t, st.IsCompleted)
	assert.Equal(t, []int{0, 1, 2, 3}, seen)
}

func TestWaitForCompletion_FirstPollIsImmediate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.CampaignStatus{IsCompleted: true})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.InitialInterval = time.Hour

	start := time.Now()
	_, err := c.WaitForCompletion(context.Background(), "c1", nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForCompletion_NotFoundStops(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"campaign with ID c1 not found"}`))
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).WaitForCompletion(context.Background(), "c1", nil)

	var nf *appErrors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "c1", nf.CampaignID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&polls))
}

func TestWaitForCompletion_RetriesTransientErrors(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(model.CampaignStatus{IsCompleted: true})
	}))
	defer srv.Close()

	st, err := fastClient(srv.URL).WaitForCompletion(context.Background(), "c1", nil)
	require.NoError(t, err)
	assert.True(t, st.IsCompleted)
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))
}

func TestWaitForCompletion_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.CampaignStatus{SendStats: model.SendStats{TotalRecipients: 2}})
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	c.MaxElapsed = 50 * time.Millisecond

	st, err := c.WaitForCompletion(context.Background(), "c1", nil)
	assert.ErrorIs(t, err, ErrGaveUp)
	require.NotNil(t, st)
	assert.False(t, st.IsCompleted)
}

func TestWaitForCompletion_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.CampaignStatus{})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := fastClient(srv.URL).WaitForCompletion(ctx, "c1", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCreateCampaign(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Hello", r.FormValue("subject"))
		assert.Equal(t, "first", r.FormValue("sections[0][content]"))
		assert.Equal(t, "second", r.FormValue("sections[1][content]"))
		assert.Len(t, r.MultipartForm.File["sections[1][image]"], 1)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"message":"ok","templateId":"c9"}`))
	}))
	defer srv.Close()

	id, err := New(srv.URL, "").CreateCampaign(context.Background(), "Hello", []Section{
		{Content: "first"},
		{Content: "second", Image: []byte{0x89, 'P', 'N', 'G'}, ImageFilename: "a.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "c9", id)
}

func TestCreateCampaign_ValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"validation failed: recipients resolved to zero addresses"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").CreateCampaign(context.Background(), "", []Section{{Content: "x"}})
	var ve *appErrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "zero addresses")
}
