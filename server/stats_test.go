package main

import (
	"encoding/json"
	"expvar"
	"sync"
	"testing"
)

func bucketTotal(data *histogramData) int64 {
	var total int64
	for _, c := range data.CountPerBucket {
		total += c
	}
	return total
}

func TestHistogramConcurrentScrape(t *testing.T) {
	const samples = 5000

	statsRegisterHistogram("ScrapedLatency", feedWriteLatencyDistribution)
	hist := expvar.Get("ScrapedLatency").(*histogram)

	done := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan string, 8)

	// Readers check that every view is consistent.
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}

				var data histogramData
				if err := json.Unmarshal([]byte(hist.String()), &data); err != nil {
					errs <- err.Error()
					return
				}
				if bucketTotal(&data) != data.Count {
					errs <- "expvar view: bucket total does not match count"
					return
				}

				_, hists := statsValues()
				snap := hists["ScrapedLatency"]
				if bucketTotal(&snap) != snap.Count {
					errs <- "metrics view: bucket total does not match count"
					return
				}
			}
		}()
	}

	for i := 0; i < samples; i++ {
		hist.addSample(float64(i % 700))
	}
	close(done)
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Error(msg)
	}

	snap := hist.snapshot()
	if snap.Count != samples {
		t.Errorf("expected %d samples, got %d", samples, snap.Count)
	}
	if total := bucketTotal(&snap); total != samples {
		t.Errorf("expected %d samples in buckets, got %d", samples, total)
	}
}

func TestHistogramSnapshotIsCopy(t *testing.T) {
	h := newHistogram([]float64{1, 2})
	h.addSample(1)

	snap := h.snapshot()
	h.addSample(1)
	h.addSample(5)

	if snap.Count != 1 || snap.CountPerBucket[0] != 1 || snap.CountPerBucket[2] != 0 {
		t.Errorf("snapshot changed after adding samples: %+v", snap)
	}
	if got := h.snapshot(); got.CountPerBucket[0] != 2 || got.CountPerBucket[2] != 1 {
		t.Errorf("unexpected buckets %v", got.CountPerBucket)
	}
}
