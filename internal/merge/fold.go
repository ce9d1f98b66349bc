package merge

import (
	"path/filepath"
	"strings"

	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/stack"
)

const (
	unknownSymbol = "[unknown]"
	kernelSuffix  = "_[k]"
)

// Fold turns a system-wide sample into a stack key: comm first, then frames from the
// outermost caller down to the leaf.
func Fold(s profile.GlobalSample) string {
	frames := make([]string, 0, len(s.Frames)+1)
	frames = append(frames, s.Comm)
	for i := len(s.Frames) - 1; i >= 0; i-- {
		frames = append(frames, FrameName(s.Frames[i]))
	}
	return strings.Join(frames, stack.Separator)
}

// FrameName renders one raw frame. The "+0x..." offset is dropped, unresolved symbols in a
// known binary become "(binary)", and kernel frames get a "_[k]" suffix.
func FrameName(f profile.Frame) string {
	sym := f.Symbol
	if idx := strings.LastIndex(sym, "+0x"); idx > 0 {
		sym = sym[:idx]
	}
	if sym == "" {
		sym = unknownSymbol
	}
	if sym == unknownSymbol && f.DSO != "" && f.DSO != unknownSymbol {
		return "(" + filepath.Base(dsoName(f.DSO)) + ")"
	}
	if isKernelDSO(f.DSO) && sym != unknownSymbol {
		return sym + kernelSuffix
	}
	return sym
}

// dsoName strips perf's decorations from a DSO: "[vdso]" brackets and a " (deleted)" suffix.
func dsoName(dso string) string {
	dso = strings.TrimSuffix(dso, " (deleted)")
	if strings.HasPrefix(dso, "[") && strings.HasSuffix(dso, "]") {
		dso = dso[1 : len(dso)-1]
	}
	return dso
}

func isKernelDSO(dso string) bool {
	return strings.Contains(dso, "kernel") || strings.Contains(dso, "vmlinux")
}
