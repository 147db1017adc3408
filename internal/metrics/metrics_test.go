package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/kdapp-runtime/internal/admission"
	"github.com/ashureev/kdapp-runtime/internal/episode"
	"github.com/ashureev/kdapp-runtime/internal/fanout"
	"github.com/ashureev/kdapp-runtime/internal/wallet"
)

var (
	_ episode.Observer   = (*Recorder)(nil)
	_ admission.Observer = (*Recorder)(nil)
	_ wallet.Observer    = (*Recorder)(nil)
	_ fanout.Observer    = (*Recorder)(nil)
)

func TestRecorderCounters(t *testing.T) {
	r := New()

	r.EpisodeCreated("tictactoe")
	r.EpisodeCreated("tictactoe")
	r.EpisodesRemoved("expired", 3)
	r.ActiveEpisodes(7)
	r.AdmissionDenied(admission.KindOperation)
	r.TransactionFailed(wallet.StageSubmit)
	r.LedgerBalance(42)
	r.EventDropped()
	r.SubscribersChanged(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.episodesCreated.WithLabelValues("tictactoe")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.episodesRemoved.WithLabelValues("expired")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.episodesActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.admissionDenied.WithLabelValues("operation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.txFailed.WithLabelValues("submit")))
	assert.Equal(t, 42.0, testutil.ToFloat64(r.ledgerBalance))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.eventsDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.subscribers))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	hub := fanout.NewHub(fanout.WithObserver(r))
	sub := hub.Subscribe()
	defer sub.Close()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "kdapp_fanout_subscribers 1"), "subscriber gauge missing")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestIndependentRecorders(t *testing.T) {
	a, b := New(), New()
	a.EventDelivered()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.eventsDelivered))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.eventsDelivered))
}
