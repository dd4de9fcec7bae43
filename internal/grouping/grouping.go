// Package grouping splits an ordered list of items into batches that can
// each be sent as one multi-item request.
package grouping

import (
	"fmt"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
)

// MaxBatchSize is the largest album the server accepts.
const MaxBatchSize = 10

type Policy int

const (
	PreserveOriginalGrouping Policy = iota
	RegroupAllIntoNewAlbums
	KeepSeparate
)

func (p Policy) String() string {
	switch p {
	case PreserveOriginalGrouping:
		return "preserve"
	case RegroupAllIntoNewAlbums:
		return "regroup"
	case KeepSeparate:
		return "separate"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "preserve":
		return PreserveOriginalGrouping, nil
	case "regroup":
		return RegroupAllIntoNewAlbums, nil
	case "separate":
		return KeepSeparate, nil
	}
	return 0, fmt.Errorf("unknown grouping policy %q", s)
}

type Item struct {
	Source  model.PeerID
	GroupID uint64
	Class   model.MediaClass
}

// Batch is the half-open range [Start, End) of the input.
type Batch struct {
	Start int
	End   int
	Class model.MediaClass
}

func (b Batch) Len() int {
	return b.End - b.Start
}

// Partition returns the batches in input order. Items whose class cannot be
// grouped always form a batch of their own.
func Partition(items []Item, policy Policy) []Batch {
	var out []Batch
	for i, it := range items {
		if len(out) > 0 && !breaksBefore(items, out[len(out)-1], i, policy) {
			out[len(out)-1].End = i + 1
			continue
		}
		out = append(out, Batch{Start: i, End: i + 1, Class: it.Class})
	}
	return out
}

func breaksBefore(items []Item, cur Batch, i int, policy Policy) bool {
	prev, next := items[i-1], items[i]
	switch {
	case policy == KeepSeparate:
		return true
	case !prev.Class.Groupable() || !next.Class.Groupable():
		return true
	case cur.Len() >= MaxBatchSize:
		return true
	case prev.Source != next.Source:
		return true
	case prev.Class != next.Class:
		return true
	}
	if policy == PreserveOriginalGrouping {
		return next.GroupID == 0 || prev.GroupID != next.GroupID
	}
	return false
}
