package common

import (
	"bytes"
	"container/list"
	"fmt"
	"log"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// RollingAvg keeps a bounded running average, used by the runner for
// light heuristics (recent activation durations) that don't need a full
// histogram.
type RollingAvg struct {
	size int
	nums *list.List
	sum  int
	Avg  int
}

func NewRollingAvg(size int) *RollingAvg {
	return &RollingAvg{
		size: size,
		nums: list.New(),
		sum:  0,
		Avg:  0,
	}
}

func (r *RollingAvg) Add(num int) {
	r.sum += num
	r.nums.PushFront(num)
	if r.nums.Len() > r.size {
		r.sum -= r.nums.Back().Value.(int)
		r.nums.Remove(r.nums.Back())
	}
	r.Avg = r.sum / r.nums.Len()
}

// process-global latency stats, independent of the Prometheus telemetry
// hooks: this is cheap, in-memory, and dumped to stats.json on shutdown,
// matching the reference worker's own light stats snapshot.

type msLatencyMsg struct {
	name string
	x    int64
}

type snapshotMsg struct {
	stats map[string]int64
	done  chan bool
}

var initOnce sync.Once
var statsChan chan any = make(chan any, 256)

func initTaskOnce() {
	initOnce.Do(func() {
		go statsTask()
	})
}

func statsTask() {
	msCounts := make(map[string]int64)
	msSums := make(map[string]int64)

	for raw := range statsChan {
		switch msg := raw.(type) {
		case *msLatencyMsg:
			msCounts[msg.name] += 1
			msSums[msg.name] += msg.x
		case *snapshotMsg:
			for k, cnt := range msCounts {
				msg.stats[k+".cnt"] = cnt
				msg.stats[k+".ms-avg"] = msSums[k] / cnt
			}
			msg.done <- true
		default:
			panic(fmt.Sprintf("unknown type: %T", msg))
		}
	}
}

func record(name string, x int64) {
	initTaskOnce()
	statsChan <- &msLatencyMsg{name, x}
}

func SnapshotStats() map[string]int64 {
	initTaskOnce()
	stats := make(map[string]int64)
	done := make(chan bool)
	statsChan <- &snapshotMsg{stats, done}
	<-done
	return stats
}

type Latency struct {
	name         string
	t0           time.Time
	Milliseconds int64
}

// T0 records a start time.
func T0(name string) *Latency {
	return &Latency{
		name: name,
		t0:   time.Now(),
	}
}

// T1 measures latency to now, and records it.
func (l *Latency) T1() {
	l.Milliseconds = int64(time.Since(l.t0)) / 1000000
	if l.Milliseconds < 0 {
		panic("negative latency")
	}
	record(l.name, l.Milliseconds)

	var zero time.Time
	if l.t0 == zero {
		panic("double counted stat for " + l.name)
	}
	l.t0 = zero

	if Conf != nil && Conf.Trace.Latency {
		log.Printf("%s=%d ms", l.name, l.Milliseconds)
	}
}

// T0 on a Latency starts measuring a sub-latency nested under this one.
func (l *Latency) T0(name string) *Latency {
	return T0(l.name + "/" + name)
}

// GetGoroutineID is for debugging only (e.g. correlating a trace with a
// core dump); see https://blog.sgmansfield.com/2015/12/goroutine-ids/.
func GetGoroutineID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

func Max(x int, y int) int {
	if x > y {
		return x
	}
	return y
}

func Min(x int, y int) int {
	if x < y {
		return x
	}
	return y
}
