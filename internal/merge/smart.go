package merge

import (
	"math"

	"github.com/coral-mesh/hostprof/internal/profile"
)

// SmartStats summarizes a SelectDeepest call.
type SmartStats struct {
	FP, Dwarf, Selected int
	// Ratio is the FP to DWARF record ratio the DWARF records were scaled by.
	Ratio float64
	// DwarfPids counts pids whose DWARF records won.
	DwarfPids int
}

// SelectDeepest combines a frame-pointer recording with a DWARF recording of the same
// cycle. Per pid of the FP recording, the records with the higher average depth win; ties
// go to DWARF. Chosen DWARF records are repeated or thinned so their count is scaled by the
// ratio of total FP records to total DWARF records. Pids only DWARF saw are dropped.
func SelectDeepest(fp, dwarf []profile.GlobalSample) ([]profile.GlobalSample, SmartStats) {
	st := SmartStats{FP: len(fp), Dwarf: len(dwarf)}
	if len(dwarf) == 0 {
		st.Selected = len(fp)
		return fp, st
	}
	if len(fp) == 0 {
		st.Selected = len(dwarf)
		return dwarf, st
	}
	st.Ratio = float64(len(fp)) / float64(len(dwarf))

	fpByPid, order := groupByPid(fp)
	dwarfByPid, _ := groupByPid(dwarf)

	out := make([]profile.GlobalSample, 0, len(fp))
	for _, pid := range order {
		fpRecs := fpByPid[pid]
		dwarfRecs, ok := dwarfByPid[pid]
		if !ok || AverageDepth(fpRecs) > AverageDepth(dwarfRecs) {
			out = append(out, fpRecs...)
			continue
		}
		out = append(out, scaleRecords(dwarfRecs, st.Ratio)...)
		st.DwarfPids++
	}
	st.Selected = len(out)
	return out, st
}

// AverageDepth is the mean number of user-space frames over the distinct stacks of recs,
// comm included. Kernel frames and unresolved frames are not counted.
func AverageDepth(recs []profile.GlobalSample) float64 {
	seen := map[string]struct{}{}
	var total int
	for _, rec := range recs {
		key := Fold(rec)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		total += userDepth(rec)
	}
	if len(seen) == 0 {
		return 0
	}
	return float64(total) / float64(len(seen))
}

func userDepth(rec profile.GlobalSample) int {
	n := 1
	for i := len(rec.Frames) - 1; i >= 0; i-- {
		f := rec.Frames[i]
		if isKernelDSO(f.DSO) {
			break
		}
		if FrameName(f) != unknownSymbol {
			n++
		}
	}
	return n
}

func groupByPid(recs []profile.GlobalSample) (map[int][]profile.GlobalSample, []int) {
	by := map[int][]profile.GlobalSample{}
	var order []int
	for _, rec := range recs {
		if _, ok := by[rec.Pid]; !ok {
			order = append(order, rec.Pid)
		}
		by[rec.Pid] = append(by[rec.Pid], rec)
	}
	return by, order
}

// scaleRecords repeats each record so the total is len(recs) times ratio, rounded.
// Multiplicities follow the cumulative rounding, so the total is exact.
func scaleRecords(recs []profile.GlobalSample, ratio float64) []profile.GlobalSample {
	target := int(math.Round(float64(len(recs)) * ratio))
	out := make([]profile.GlobalSample, 0, target)
	prev := 0
	for i, rec := range recs {
		next := int(math.Round(float64(i+1) * ratio))
		for range next - prev {
			out = append(out, rec)
		}
		prev = next
	}
	return out
}
