package logger

import (
	"sort"
	"sync"
	"sync/atomic"
)

type componentCounts struct {
	warns  atomic.Int64
	errors atomic.Int64
}

var components sync.Map // map[string]*componentCounts

func countsFor(component string) *componentCounts {
	v, _ := components.LoadOrStore(component, &componentCounts{})
	return v.(*componentCounts)
}

func recordWarn(component string) {
	countsFor(component).warns.Add(1)
}

func recordError(component string) {
	countsFor(component).errors.Add(1)
}

// ComponentCount is the number of warnings and errors one component logged.
type ComponentCount struct {
	Component string
	Warns     int64
	Errors    int64
}

// Counts returns the warn/error totals per component, sorted by name.
func Counts() []ComponentCount {
	var out []ComponentCount
	components.Range(func(k, v any) bool {
		c := v.(*componentCounts)
		out = append(out, ComponentCount{
			Component: k.(string),
			Warns:     c.warns.Load(),
			Errors:    c.errors.Load(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
