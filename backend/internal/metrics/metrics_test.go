package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollab_CountersAndHandler(t *testing.T) {
	m := New()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.Relayed("content-changed")
	m.Relayed("content-changed")
	m.Dropped("cursor-position-changed")
	m.Evicted(3)

	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Fatalf("connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.relayed.WithLabelValues("content-changed")); got != 2 {
		t.Fatalf("relayed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.evicted); got != 3 {
		t.Fatalf("evicted = %v, want 3", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "snippet_collab_dropped_messages_total") {
		t.Fatalf("metrics output missing dropped counter:\n%s", body)
	}
}

func TestCollab_NilIsNoop(t *testing.T) {
	var m *Collab
	m.ConnOpened()
	m.Relayed("x")
	m.Evicted(1)
	if m.Registry() != nil {
		t.Fatalf("nil collector returned a registry")
	}
}
