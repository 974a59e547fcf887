package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordVaultOperation(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordVaultOperation("upload", true, 10*time.Millisecond, 1024)
	m.RecordVaultOperation("upload", true, 20*time.Millisecond, 2048)
	m.RecordVaultOperation("upload", false, 5*time.Millisecond, 0)
	m.RecordVaultOperation("download", true, 15*time.Millisecond, 1024)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.vaultOperations.WithLabelValues("upload", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.vaultOperations.WithLabelValues("upload", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.vaultOperations.WithLabelValues("download", "success")))
	// Failed operations contribute no byte count.
	assert.Equal(t, 3072.0, testutil.ToFloat64(m.vaultBytes.WithLabelValues("upload")))
}

func TestRecordAccessDenial(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordAccessDenial("download", "not_own_resource")
	m.RecordAccessDenial("download", "not_own_resource")
	m.RecordAccessDenial("delete", "insufficient_role")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.accessDenials.WithLabelValues("download", "not_own_resource")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accessDenials.WithLabelValues("delete", "insufficient_role")))
}

func TestRecordKMSOperation(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordKMSOperation("wrap", true, time.Millisecond)
	m.RecordKMSOperation("unwrap", false, time.Millisecond)
	m.RecordKMSRetry()
	m.RecordKMSRetry()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.kmsOperations.WithLabelValues("wrap", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.kmsOperations.WithLabelValues("unwrap", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.kmsRetries))
}

func TestRecordAuditAppend(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordAuditAppend("upload", false)
	m.RecordAuditAppend("delete", false)
	m.RecordAuditAppend("delete", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.auditAppends.WithLabelValues("delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditFallbacks))
}

func TestRecordHTTPRequest_NumericStatusLabel(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordHTTPRequest("GET", "/v1/objects/{id}", 200, 5*time.Millisecond)
	m.RecordHTTPRequest("GET", "/v1/objects/{id}", 404, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/v1/objects/{id}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/v1/objects/{id}", "404")))
}

func TestHandler_ServesOwnRegistry(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	m.RecordTokenIssued()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "vault_tokens_issued_total")
}
