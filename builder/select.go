package builder

import (
	"bytes"

	"github.com/deltatree/coretree/codec"
	"github.com/deltatree/coretree/corerr"
)

// candidateResult is one codec's trial encoding of a payload.
type candidateResult struct {
	name string
	data []byte
}

// pickBySizeBudget implements the size budget rule of spec §4.5 step 3:
// "accept the first output whose size is ≤ 95% of the next-better-
// compressed candidate, or the smallest if none meets that bar. Ties
// broken by candidate order."
//
// results must be in declared preference order. "Next-better" is read
// as the smallest size among the candidates still to come: an earlier
// candidate is accepted only when it is at least 5% smaller than every
// later one; otherwise the overall smallest wins, the earliest on a tie.
func pickBySizeBudget(results []candidateResult) (string, []byte, error) {
	if len(results) == 0 {
		return "", nil, corerr.New("builder.pickBySizeBudget", corerr.KindUnsupportedFormat, "", "", nil)
	}
	for i := range results {
		nextBest := -1
		for j := i + 1; j < len(results); j++ {
			if nextBest == -1 || len(results[j].data) < nextBest {
				nextBest = len(results[j].data)
			}
		}
		if nextBest == -1 {
			break
		}
		if float64(len(results[i].data)) <= 0.95*float64(nextBest) {
			return results[i].name, results[i].data, nil
		}
	}
	best := 0
	for i := 1; i < len(results); i++ {
		if len(results[i].data) < len(results[best].data) {
			best = i
		}
	}
	return results[best].name, results[best].data, nil
}

// chooseCompressor tries every name in declared order against payload
// and applies the size budget.
func chooseCompressor(reg *codec.CompressorRegistry, names []string, payload []byte, params codec.Params) (string, []byte, error) {
	results := make([]candidateResult, 0, len(names))
	for _, name := range names {
		c, err := reg.Get(name)
		if err != nil {
			return "", nil, err
		}
		var buf bytes.Buffer
		if _, err := c.Encode(&buf, bytes.NewReader(payload), params); err != nil {
			return "", nil, err
		}
		results = append(results, candidateResult{name: name, data: buf.Bytes()})
	}
	return pickBySizeBudget(results)
}

// choosePatcher tries every name in declared order against the
// (before, after) pair and applies the size budget.
func choosePatcher(reg *codec.PatcherRegistry, names []string, before, after []byte) (string, []byte, error) {
	results := make([]candidateResult, 0, len(names))
	for _, name := range names {
		p, err := reg.Get(name)
		if err != nil {
			return "", nil, err
		}
		var buf bytes.Buffer
		if _, err := p.Encode(&buf, bytes.NewReader(before), int64(len(before)), bytes.NewReader(after)); err != nil {
			return "", nil, err
		}
		results = append(results, candidateResult{name: name, data: buf.Bytes()})
	}
	return pickBySizeBudget(results)
}
