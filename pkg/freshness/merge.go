package freshness

import (
	"sort"

	"github.com/HatiCode/corridor/pkg/storage"
)

// Origin names the side of a blend an entry came from.
type Origin string

const (
	OriginDurable Origin = "durable"
	OriginTail    Origin = "tail"
)

// Entry is one snapshot of a resolved window.
type Entry struct {
	storage.Snapshot
	Origin Origin `json:"origin"`
}

// Merge combines durable and tail snapshots keyed by exact observation
// instant. Tail snapshots are applied last and win on a shared instant.
// The result is ascending by instant.
func Merge(durable, tail []storage.Snapshot) []Entry {
	byInstant := make(map[int64]Entry, len(durable)+len(tail))
	for _, s := range durable {
		byInstant[s.ObservedAt.UnixNano()] = Entry{Snapshot: s, Origin: OriginDurable}
	}
	for _, s := range tail {
		byInstant[s.ObservedAt.UnixNano()] = Entry{Snapshot: s, Origin: OriginTail}
	}

	out := make([]Entry, 0, len(byInstant))
	for _, e := range byInstant {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out
}

// OverlapRatio returns |A∩B| / min(|A|,|B|) over the segment ids of two
// payloads. It is 0 when either side has no segments.
func OverlapRatio(a, b map[string]float64) float64 {
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	if len(small) == 0 {
		return 0
	}

	shared := 0
	for id := range small {
		if _, ok := large[id]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

func fromDurable(list []storage.Snapshot) []Entry {
	out := make([]Entry, len(list))
	for i, s := range list {
		out[i] = Entry{Snapshot: s, Origin: OriginDurable}
	}
	return out
}
