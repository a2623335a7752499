// Package difftest gives tests a single helper for comparing expected vs.
// actual values with a readable failure message, rather than each test
// hand-rolling reflect.DeepEqual plus a %+v dump.
package difftest

import (
	"github.com/d4l3k/messagediff"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Compare reports whether want and got are equal, and if not, a
// human-readable diff: a character-level diff for strings, a structural
// diff for everything else.
func Compare(want, got interface{}) (diff string, equal bool) {
	ws, wok := want.(string)
	gs, gok := got.(string)
	if wok && gok {
		dmp := diffmatchpatch.New()
		edits := dmp.DiffMain(ws, gs, false)
		return dmp.DiffPrettyText(edits), ws == gs
	}
	return messagediff.PrettyDiff(want, got)
}
