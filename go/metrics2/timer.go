package metrics2

import (
	"runtime"
	"strings"
	"time"
)

const (
	measurementTimer = "timer"
	nameFuncTimer    = "func_timer"
)

// timer implements the Timer interface. Unlike the other metrics helpers,
// Timer does not continuously report data; it reports a single value, in
// seconds, when Stop is called.
type timer struct {
	begin time.Time
	m     Float64SummaryMetric
}

// newTimer creates and starts a new Timer on the given client.
func newTimer(c Client, name string, tagsList ...map[string]string) Timer {
	tags := map[string]string{"name": name}
	for _, t := range tagsList {
		for k, v := range t {
			if k != "name" {
				tags[k] = v
			}
		}
	}
	t := &timer{
		m: c.GetFloat64SummaryMetric(measurementTimer+"_s", tags),
	}
	t.Start()
	return t
}

// Start implements Timer.
func (t *timer) Start() {
	t.begin = time.Now()
}

// Stop implements Timer.
func (t *timer) Stop() time.Duration {
	elapsed := time.Since(t.begin)
	t.m.Observe(elapsed.Seconds())
	return elapsed
}

// FuncTimer is intended for measuring the duration of a function. It uses the
// default client. The standard way to use FuncTimer is at the top of the func
// you want to measure:
//
//	func myfunc() {
//		defer metrics2.FuncTimer().Stop()
//		...
//	}
func FuncTimer() Timer {
	pc, _, _, _ := runtime.Caller(1)
	f := runtime.FuncForPC(pc)
	split := strings.Split(f.Name(), ".")
	fn := "unknown"
	pkg := "unknown"
	if len(split) >= 2 {
		fn = split[len(split)-1]
		pkg = strings.Join(split[:len(split)-1], ".")
	}
	return NewTimer(nameFuncTimer, map[string]string{"package": pkg, "func": fn})
}

var _ Timer = (*timer)(nil)
