package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveHelpers(t *testing.T) {
	Init()
	Init()

	ObservePage("metrics-test", "processed", 512)
	ObservePage("metrics-test", "processed", 0)
	if val := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("metrics-test", "processed")); val != 2 {
		t.Errorf("expected 2 processed pages, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("metrics-test")); val != 512 {
		t.Errorf("expected 512 bytes, got %f", val)
	}

	IncBusyWorkers("metrics-test")
	IncBusyWorkers("metrics-test")
	DecBusyWorkers("metrics-test")
	if val := testutil.ToFloat64(crawlerBusyWorkers.WithLabelValues("metrics-test")); val != 1 {
		t.Errorf("expected 1 busy worker, got %f", val)
	}

	SetFrontierPending("metrics-test", 42)
	if val := testutil.ToFloat64(crawlerFrontierPending.WithLabelValues("metrics-test")); val != 42 {
		t.Errorf("expected 42 pending, got %f", val)
	}

	ObserveLinks("metrics-test", 0)
	ObserveLinks("metrics-test", 3)
	if val := testutil.ToFloat64(crawlerLinksTotal.WithLabelValues("metrics-test")); val != 3 {
		t.Errorf("expected 3 links, got %f", val)
	}

	ObservePolitenessWait("metrics-test", 250*time.Millisecond)
	if n := testutil.CollectAndCount(crawlerPolitenessWaitSeconds); n == 0 {
		t.Error("expected politeness wait histogram to be observed")
	}
}
