package types

import "math"

// Progress is the derived {marked, total, percentage} summary of a session's
// completeness. It is always recomputed from the record set, never stored.
type Progress struct {
	Marked     int `json:"marked"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// ComputeProgress derives progress from a record count and the fixed class
// size. Percentage is rounded and clamped to [0,100]; it reads 100 only when
// marked equals total, so 299/300 reports 99 rather than rounding up and a
// record count past the roster size never reports complete.
func ComputeProgress(marked, total int) Progress {
	p := Progress{Marked: marked, Total: total}
	if total <= 0 {
		return p
	}
	pct := int(math.Round(float64(marked) / float64(total) * 100))
	if pct >= 100 && marked != total {
		pct = 99
	}
	if pct < 0 {
		pct = 0
	}
	p.Percentage = pct
	return p
}
