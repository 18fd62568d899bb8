package chooser

import (
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// decide returns the selection a mode implies without pausing, or ok=false
// when the node must wait for the observer.
func decide(mode types.Mode, count, batch int, last types.Selection) (types.Selection, bool) {
	switch mode {
	case types.ModeRepeatLast:
		if len(last) > 0 {
			return last.Clone(), true
		}
	case types.ModePassThrough:
		return indexRange(0, batch), true
	case types.ModeTakeFirstN:
		return indexRange(0, min(count, batch)), true
	case types.ModeTakeLastN:
		return indexRange(max(0, batch-count), batch), true
	case types.ModeOnlyPauseIfBatch:
		if batch <= 1 {
			return types.Selection{0}, true
		}
	}
	return nil, false
}

func indexRange(from, to int) types.Selection {
	sel := types.Selection{}
	for i := from; i < to; i++ {
		sel = append(sel, i)
	}
	return sel
}

// filterSelection drops negative indices. keepDivider preserves the first
// divider so the double variant can still split its picks.
func filterSelection(sel types.Selection, keepDivider bool) types.Selection {
	out := make(types.Selection, 0, len(sel))
	seenDivider := false
	for _, idx := range sel {
		if idx >= 0 {
			out = append(out, idx)
			continue
		}
		if keepDivider && idx == types.SelectionDivider && !seenDivider {
			out = append(out, idx)
			seenDivider = true
		}
	}
	return out
}

// splitAtDivider returns the picks before and after the first divider
func splitAtDivider(sel types.Selection) (positive, negative types.Selection) {
	for i, idx := range sel {
		if idx == types.SelectionDivider {
			return sel[:i].Clone(), sel[i+1:].Clone()
		}
	}
	return sel.Clone(), types.Selection{}
}
