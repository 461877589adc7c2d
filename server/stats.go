// Logic related to expvar handling: reporting live stats such as
// topic counts, feed writes, dropped messages etc.
// The stats updates happen in a separate go routine to avoid
// locking on main logic routines.

package main

import (
	"encoding/json"
	"expvar"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/tinode/swarmagg/server/logs"
)

// Feed write latency distribution bounds (in milliseconds).
// "var" because Go does not support array constants.
var feedWriteLatencyDistribution = []float64{5, 10, 20, 30, 50, 80, 100, 150, 200, 300, 400, 500, 650, 800,
	1000, 1500, 2000, 3000, 5000, 8000, 10000, 20000, 30000, 60000}

type varUpdate struct {
	// Name of the variable to update
	varname string
	// Value to publish (int or float)
	value interface{}
	// Treat the count as an increment as opposite to the final value.
	inc bool
}

// histogramData holds the counts. Bucket i holds samples v <= Bounds[i] which don't
// fit into bucket i-1. The last bucket holds the rest.
type histogramData struct {
	Count          int64     `json:"count"`
	Sum            float64   `json:"sum"`
	CountPerBucket []int64   `json:"count_per_bucket"`
	Bounds         []float64 `json:"bounds"`
}

// histogram is an expvar.Var which counts samples per bucket. Samples are added by
// statsUpdater while HTTP handlers read it.
type histogram struct {
	lock sync.Mutex
	histogramData
}

func newHistogram(bounds []float64) *histogram {
	return &histogram{histogramData: histogramData{
		CountPerBucket: make([]int64, len(bounds)+1),
		Bounds:         bounds,
	}}
}

func (h *histogram) addSample(v float64) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.Count++
	h.Sum += v
	idx := sort.SearchFloat64s(h.Bounds, v)
	h.CountPerBucket[idx]++
}

// snapshot returns a copy of the counts.
func (h *histogram) snapshot() histogramData {
	h.lock.Lock()
	defer h.lock.Unlock()

	data := h.histogramData
	data.CountPerBucket = append([]int64(nil), h.CountPerBucket...)
	return data
}

func (h *histogram) String() string {
	data := h.snapshot()
	if r, err := json.Marshal(&data); err == nil {
		return string(r)
	}
	return ""
}

// Initialize stats reporting through expvar.
func statsInit(mux *http.ServeMux, path string) {
	if path == "" || path == "-" {
		return
	}

	mux.Handle(path, expvar.Handler())
	globals.statsUpdate = make(chan *varUpdate, 1024)

	start := time.Now()
	expvar.Publish("Uptime", expvar.Func(func() interface{} {
		return time.Since(start).Seconds()
	}))
	expvar.Publish("NumGoroutines", expvar.Func(func() interface{} {
		return runtime.NumGoroutine()
	}))

	go statsUpdater()

	logs.Info.Printf("stats: variables exposed at '%s'", path)
}

// Register integer variable. Don't check for initialization.
func statsRegisterInt(name string) {
	if expvar.Get(name) == nil {
		expvar.Publish(name, new(expvar.Int))
	}
}

// Register histogram variable. `bounds` specifies histogram buckets/bins
// (see comment next to the `histogram` struct definition).
func statsRegisterHistogram(name string, bounds []float64) {
	if expvar.Get(name) == nil {
		expvar.Publish(name, newHistogram(bounds))
	}
}

// Async publish int variable.
func statsSet(name string, val int64) {
	if globals.statsUpdate != nil {
		select {
		case globals.statsUpdate <- &varUpdate{name, val, false}:
		default:
		}
	}
}

// Async publish an increment (decrement) to int variable.
func statsInc(name string, val int) {
	if globals.statsUpdate != nil {
		select {
		case globals.statsUpdate <- &varUpdate{name, int64(val), true}:
		default:
		}
	}
}

// Async publish a value (add a sample) to a histogram variable.
func statsAddHistSample(name string, val float64) {
	if globals.statsUpdate != nil {
		select {
		case globals.statsUpdate <- &varUpdate{varname: name, value: val}:
		default:
		}
	}
}

// Stop publishing stats.
func statsShutdown() {
	if globals.statsUpdate != nil {
		globals.statsUpdate <- nil
	}
}

// The go routine which actually publishes stats updates.
func statsUpdater() {
	for upd := range globals.statsUpdate {
		if upd == nil {
			globals.statsUpdate = nil
			// Dont' care to close the channel.
			break
		}

		// Handle var update
		if ev := expvar.Get(upd.varname); ev != nil {
			switch v := ev.(type) {
			case *expvar.Int:
				count := upd.value.(int64)
				if upd.inc {
					v.Add(count)
				} else {
					v.Set(count)
				}
			case *histogram:
				v.addSample(upd.value.(float64))
			default:
				logs.Error.Panicf("stats: unsupported expvar type %T", ev)
			}
		} else {
			panic("stats: update to unknown variable " + upd.varname)
		}
	}

	logs.Info.Println("stats: shutdown")
}

// statsValues returns current values of the published integer variables
// and histograms. Used by the metrics exporter.
func statsValues() (map[string]int64, map[string]histogramData) {
	ints := make(map[string]int64)
	hists := make(map[string]histogramData)
	expvar.Do(func(kv expvar.KeyValue) {
		switch v := kv.Value.(type) {
		case *expvar.Int:
			ints[kv.Key] = v.Value()
		case *histogram:
			hists[kv.Key] = v.snapshot()
		}
	})
	return ints, hists
}
