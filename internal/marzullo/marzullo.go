// Package marzullo computes the smallest interval consistent with the largest
// number of source intervals, as described by Keith Marzullo in his PhD thesis
// "Maintaining the Time in a Distributed System".
package marzullo

import "sort"

// Bound marks a tuple as the lower or upper edge of a source's interval.
type Bound uint8

const (
	// Lower sorts before Upper on equal offsets so that touching intervals
	// are counted as overlapping.
	Lower Bound = iota
	Upper
)

// Tuple is one edge of a source's candidate interval. Each source contributes
// exactly two tuples: its lower bound and its upper bound.
type Tuple struct {
	Source uint8
	Offset int64
	Bound  Bound
}

// Interval is the smallest interval covered by the largest number of sources.
type Interval struct {
	LowerBound int64
	UpperBound int64

	// SourcesTrue is the number of "true chimers" whose intervals contain
	// the interval: sources that are consistent with the cluster's time.
	SourcesTrue uint8
}

// SmallestInterval sweeps the tuples and returns the smallest interval covered
// by the maximum number of source intervals, preferring smaller widths on
// equal cover. The tuples are sorted in place; the caller owns the slice and
// no allocation is performed beyond the sort's closure.
//
// An empty tuple slice returns the zero Interval with SourcesTrue == 0. An odd
// tuple count means a source contributed only one edge, which is a programming
// error and panics.
func SmallestInterval(tuples []Tuple) Interval {
	if len(tuples) == 0 {
		return Interval{}
	}
	if len(tuples)%2 != 0 {
		panic("marzullo: tuple count must be even, two tuples per source")
	}

	sort.SliceStable(tuples, func(a, b int) bool {
		if tuples[a].Offset != tuples[b].Offset {
			return tuples[a].Offset < tuples[b].Offset
		}
		return tuples[a].Bound < tuples[b].Bound
	})

	var interval Interval
	best := 0
	count := 0

	for i, tuple := range tuples {
		switch tuple.Bound {
		case Lower:
			count++
			// While at least one interval is open, a closing upper bound must
			// follow, so tuples[i+1] is always in range here.
			if count > best {
				best = count
				interval.LowerBound = tuple.Offset
				interval.UpperBound = tuples[i+1].Offset
			} else if count == best {
				previous := interval.UpperBound - interval.LowerBound
				candidate := tuples[i+1].Offset - tuple.Offset
				if candidate < previous {
					interval.LowerBound = tuple.Offset
					interval.UpperBound = tuples[i+1].Offset
				}
			}
		case Upper:
			count--
		}
	}

	if count != 0 {
		panic("marzullo: unbalanced tuples, a source is missing an edge")
	}
	if interval.LowerBound > interval.UpperBound {
		panic("marzullo: interval bounds out of order")
	}

	interval.SourcesTrue = uint8(best)
	return interval
}
