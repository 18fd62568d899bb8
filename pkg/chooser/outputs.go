package chooser

import "github.com/Noma-Machiko/image-chooser-classic/pkg/types"

// bundle gathers the picked candidates. Indices wrap around the batch so a
// shorter auxiliary batch still yields one entry per pick.
func bundle(items []Candidate, picks types.Selection) []Candidate {
	if len(items) == 0 || len(picks) == 0 {
		return nil
	}
	out := make([]Candidate, 0, len(picks))
	for _, idx := range picks {
		out = append(out, items[idx%len(items)])
	}
	return out
}

// filterSegments keeps the segments whose index is in range, in pick order
func filterSegments(segs *Segments, picks types.Selection) *Segments {
	out := &Segments{Shape: segs.Shape, Items: []Candidate{}}
	for _, idx := range picks {
		if idx < len(segs.Items) {
			out.Items = append(out.Items, segs.Items[idx])
		}
	}
	return out
}

func (n *Node) buildOutputs(batch *Batch, sel types.Selection) *Result {
	res := &Result{Selection: sel, Selected: sel.String()}

	switch n.kind {
	case KindDouble:
		positive, negative := splitAtDivider(sel)
		res.Latents = bundle(batch.Latents, positive)
		res.Negative = bundle(batch.Latents, negative)
	case KindSimple:
		res.Images = bundle(batch.Images, sel)
		res.Latents = bundle(batch.Latents, sel)
		res.Selected = ""
	default:
		if batch.Segs != nil {
			res.Segs = filterSegments(batch.Segs, sel)
			return res
		}
		res.Images = bundle(batch.Images, sel)
		res.Latents = bundle(batch.Latents, sel)
		res.Masks = bundle(batch.Masks, sel)
	}
	return res
}
