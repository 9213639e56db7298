package request

import (
	"sort"

	"github.com/notnil/j1939/j1939"
)

// Result is the outcome of a request: responses in ascending source
// address order, and whether any retry was needed to get them. Retried is
// a compliance signal in its own right.
type Result struct {
	Responses []j1939.Response
	Retried   bool
}

// Packets returns the data responses.
func (r Result) Packets() []j1939.Message {
	var out []j1939.Message
	for _, resp := range r.Responses {
		if m, ok := j1939.AsData(resp); ok {
			out = append(out, m)
		}
	}
	return out
}

// Acks returns the acknowledgment responses.
func (r Result) Acks() []*j1939.Acknowledgment {
	var out []*j1939.Acknowledgment
	for _, resp := range r.Responses {
		if a, ok := j1939.AsAck(resp); ok {
			out = append(out, a)
		}
	}
	return out
}

// Busy reports whether any response is still BUSY.
func (r Result) Busy() bool { return anyBusy(r.Responses) }

// Empty reports whether nothing answered.
func (r Result) Empty() bool { return len(r.Responses) == 0 }

func anyBusy(rs []j1939.Response) bool {
	for _, r := range rs {
		if j1939.IsBusy(r) {
			return true
		}
	}
	return false
}

// bySource merges responses keyed by source address. A later answer
// replaces an earlier one unless it is BUSY and the earlier one is not.
type bySource map[uint8]j1939.Response

func (m bySource) add(rs []j1939.Response) {
	for _, r := range rs {
		cur, ok := m[r.Source()]
		if ok && j1939.IsBusy(r) && !j1939.IsBusy(cur) {
			continue
		}
		m[r.Source()] = r
	}
}

func (m bySource) busy() []uint8 {
	var out []uint8
	for addr, r := range m {
		if j1939.IsBusy(r) {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m bySource) sorted() []j1939.Response {
	out := make([]j1939.Response, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sortBySource(out)
	return out
}

func sortBySource(rs []j1939.Response) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Source() < rs[j].Source() })
}
