package chooser

import (
	"github.com/Noma-Machiko/image-chooser-classic/pkg/broker"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// Candidate is one element of a batch: an encoded image, latent or mask.
type Candidate struct {
	Name string `json:"name,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Segments is a segment list together with the shape of the image it was cut from
type Segments struct {
	Shape []int       `json:"shape,omitempty"`
	Items []Candidate `json:"items"`
}

// Batch holds the inputs of one chooser invocation. In segment mode Images
// carries one crop per segment.
type Batch struct {
	Images  []Candidate `json:"images"`
	Latents []Candidate `json:"latents,omitempty"`
	Masks   []Candidate `json:"masks,omitempty"`
	Segs    *Segments   `json:"segs,omitempty"`
}

// Size is the number of candidates the observer chooses from
func (b *Batch) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Images)
}

// Prompt is the queued graph, keyed by node id. AlwaysPause rewrites the
// node's own entry so a re-queue of the same prompt repeats the selection.
type Prompt map[string]*PromptNode

// PromptNode is one node of a queued prompt
type PromptNode struct {
	ClassType string         `json:"class_type,omitempty"`
	Inputs    map[string]any `json:"inputs"`
}

// Invocation is one execution of a chooser node
type Invocation struct {
	UniqueID string
	Mode     types.Mode
	Count    int
	// Batch is nil when the upstream inputs were not re-supplied; the stash
	// from the earlier invocation in this run is used instead.
	Batch  *Batch
	Prompt Prompt
}

// Result holds the outputs of an invocation. For the double variant Latents
// carries the positive picks and Negative the negative ones.
type Result struct {
	Images    []Candidate     `json:"images,omitempty"`
	Latents   []Candidate     `json:"latents,omitempty"`
	Masks     []Candidate     `json:"masks,omitempty"`
	Negative  []Candidate     `json:"negative,omitempty"`
	Segs      *Segments       `json:"segs,omitempty"`
	Selected  string          `json:"selected"`
	Selection types.Selection `json:"selection"`
	Paused    bool            `json:"paused"`
}

// stashOrReuse writes a supplied batch to the stash, or reads the stashed one
// back when the invocation carries none.
func stashOrReuse(entry *broker.StashEntry, batch *Batch) *Batch {
	if batch != nil {
		entry.Set(broker.StashImages, batch.Images)
		entry.Set(broker.StashLatents, batch.Latents)
		entry.Set(broker.StashMasks, batch.Masks)
		entry.Set(broker.StashSegs, batch.Segs)
		return batch
	}

	images, _ := stashed[[]Candidate](entry, broker.StashImages)
	if images == nil {
		return nil
	}
	latents, _ := stashed[[]Candidate](entry, broker.StashLatents)
	masks, _ := stashed[[]Candidate](entry, broker.StashMasks)
	segs, _ := stashed[*Segments](entry, broker.StashSegs)
	return &Batch{Images: images, Latents: latents, Masks: masks, Segs: segs}
}

func stashed[T any](entry *broker.StashEntry, key string) (T, bool) {
	var zero T
	v, ok := entry.Get(key)
	if !ok || v == nil {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
