package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	assert.NotNil(t, c.Registry())

	// Independent registries: a second collector must not panic on register.
	assert.NotPanics(t, func() { NewCollector() })
}

func TestCollector_Counts(t *testing.T) {
	c := NewCollector()

	c.RecordUpload(OutcomeStarted)
	c.RecordUpload(OutcomeStarted)
	c.RecordUpload(OutcomeCancelled)
	c.AddUploadBytes(1024)
	c.AddUploadBytes(-1)
	c.RecordSnapshot(SnapshotApplied)
	c.RecordSnapshot(SnapshotUnchanged)
	c.RecordReconnect()
	c.ChannelOpened()
	c.ChannelOpened()
	c.ChannelClosed()
	c.RecordResults(ResultsNotFound)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.uploads.WithLabelValues(OutcomeStarted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.uploads.WithLabelValues(OutcomeCancelled)))
	assert.Equal(t, 1024.0, testutil.ToFloat64(c.uploadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.snapshots.WithLabelValues(SnapshotApplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.channelsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.results.WithLabelValues(ResultsNotFound)))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordUpload(OutcomeFailed)
		c.AddUploadBytes(10)
		c.RecordSnapshot(SnapshotDropped)
		c.RecordReconnect()
		c.ChannelOpened()
		c.ChannelClosed()
		c.RecordResults(ResultsError)
	})
	assert.Nil(t, c.Registry())
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.RecordReconnect()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "studyflow_channel_reconnects_total 1")
}
