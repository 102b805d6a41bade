package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New()
	m.Poll("ok")
	m.Poll("ok")
	m.Poll("error")
	m.Mutation("edit", "failed")
	m.Unread(7)
	m.Dropped("stale")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.polls.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.polls.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("edit", "failed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.unread))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("stale")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Poll("ok")
		m.Mutation("send", "confirmed")
		m.Unread(1)
		m.Dropped("stale")
	})
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.Unread(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chat_unread_messages 3")
}
