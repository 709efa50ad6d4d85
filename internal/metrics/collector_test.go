package metrics

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.channelState)
	assert.NotNil(t, collector.jobsResolved)
	assert.NotNil(t, collector.captchaTakes)
	assert.NotNil(t, collector.ocrDuration)
}

func TestCollector_NilReceiverIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordHTTPRequest("GET", "example.test", 200, time.Millisecond, 10)
		collector.RecordChannelState("open", []string{"open"})
		collector.RecordReconnect()
		collector.RecordJobResolved("same_page", nil)
		collector.RecordCaptchaPut(1)
		collector.RecordCaptchaTake(true)
		collector.RecordOCR(time.Second, nil)
		collector.RecordSubmission("confirmation", "success")
		collector.RecordControlRequest("GET", "/api/v1/status", 200, time.Millisecond)
		collector.RecordWorkers(1, 0)
	})
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollectorWithRegisterer(nextTestNamespace(), reg, zap.NewNop())

	collector.RecordHTTPRequest("POST", "backend.test", 200, 100*time.Millisecond, 2048)
	collector.RecordHTTPRequest("POST", "backend.test", 503, 50*time.Millisecond, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "backend.test", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "backend.test", "5xx")))
}

func TestCollector_RecordControlRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollectorWithRegisterer(nextTestNamespace(), reg, zap.NewNop())

	collector.RecordControlRequest("POST", "/api/v1/control/{action}", 200, 20*time.Millisecond)
	collector.RecordControlRequest("POST", "/api/v1/control/{action}", 409, time.Millisecond)
	collector.RecordControlRequest("GET", "/api/v1/status", 200, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.controlRequestsTotal.WithLabelValues("POST", "/api/v1/control/{action}", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.controlRequestsTotal.WithLabelValues("POST", "/api/v1/control/{action}", "4xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.controlRequestDuration), "one series per method and route")
}

func TestCollector_RecordChannelState(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollectorWithRegisterer(nextTestNamespace(), reg, zap.NewNop())
	states := []string{"disconnected", "connecting", "open", "blocked"}

	collector.RecordChannelState("open", states)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.channelState.WithLabelValues("open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.channelState.WithLabelValues("connecting")))

	collector.RecordChannelState("blocked", states)
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.channelState.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.channelState.WithLabelValues("blocked")))
}

func TestCollector_RecordJobs(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollectorWithRegisterer(nextTestNamespace(), reg, zap.NewNop())

	collector.RecordJobDecision("enqueue")
	collector.RecordJobResolved("out_of_band", nil)
	collector.RecordJobResolved("out_of_band", errors.New("boom"))
	collector.RecordQueueLength(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsDecided.WithLabelValues("enqueue")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsResolved.WithLabelValues("out_of_band", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsResolved.WithLabelValues("out_of_band", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.dispatchQueued))
}

func TestCollector_RecordCaptcha(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollectorWithRegisterer(nextTestNamespace(), reg, zap.NewNop())

	collector.RecordCaptchaPut(0)
	collector.RecordCaptchaPut(2)
	collector.RecordCaptchaTake(true)
	collector.RecordCaptchaTake(false)
	collector.RecordOCR(300*time.Millisecond, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.captchaPuts))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.captchaEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.captchaTakes.WithLabelValues("taken")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.captchaTakes.WithLabelValues("empty")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.ocrDuration))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 记录缓存命中
	collector.RecordCacheHit("session")

	// 记录缓存未命中
	collector.RecordCacheMiss("session")

	hitCount := testutil.CollectAndCount(collector.cacheHits)
	assert.Greater(t, hitCount, 0)

	missCount := testutil.CollectAndCount(collector.cacheMisses)
	assert.Greater(t, missCount, 0)
}

func TestCollector_UpdateConnectionPool(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordDBConnections("sqlite", 10, 5)
	collector.RecordDBQuery("sqlite", "SELECT", 20*time.Millisecond)

	assert.Greater(t, testutil.CollectAndCount(collector.dbConnectionsOpen), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.dbConnectionsIdle), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.dbQueryDuration), 0)
}

func TestCollector_RecordWorkers(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())

	collector.RecordWorkers(3, 7)

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.workersActive))
	assert.Equal(t, 7.0, testutil.ToFloat64(collector.workersQueued))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollectorWithRegisterer(nextTestNamespace(), reg, zap.NewNop())

	// 并发记录多个指标
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			collector.RecordHTTPRequest("GET", "backend.test", 200, 100*time.Millisecond, 1024)
			collector.RecordSubmission("second_step", "success")
			collector.RecordCacheHit("session")
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.submissions.WithLabelValues("second_step", "success")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("session")))
}
