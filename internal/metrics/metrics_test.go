package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegisterOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)
}

func TestObserveNetworkRequestLabelsStatus(t *testing.T) {
	before := testutil.ToFloat64(NetworkRequestTotal.WithLabelValues("test", "op", "error"))
	ObserveNetworkRequest("test", "op", time.Now(), errors.New("boom"))
	after := testutil.ToFloat64(NetworkRequestTotal.WithLabelValues("test", "op", "error"))
	if after-before != 1 {
		t.Fatalf("expected error counter to grow by 1, got %v", after-before)
	}
}

func TestObserveLLMGenerationDerivesTotal(t *testing.T) {
	before := testutil.ToFloat64(LLMTokensTotal.WithLabelValues("model-x", "total"))
	ObserveLLMGeneration("model-x", time.Millisecond, 10, 5, 0)
	after := testutil.ToFloat64(LLMTokensTotal.WithLabelValues("model-x", "total"))
	if after-before != 15 {
		t.Fatalf("expected total tokens 15, got %v", after-before)
	}
}
