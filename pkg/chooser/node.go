// Package chooser implements the image chooser nodes: they decide a
// selection from their mode, or pause and wait on the broker for the observer.
package chooser

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/broker"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/tracing"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// Kind selects the node flavour
type Kind string

const (
	// KindChooser opens the overlay chooser and returns images, latents, masks and segments
	KindChooser Kind = "Preview Chooser"
	// KindClassic drives the inline widget instead of the overlay
	KindClassic Kind = "Preview Chooser Classic"
	// KindSimple returns only images and latents
	KindSimple Kind = "Simple Chooser"
	// KindDouble splits latents into positive and negative picks at the divider
	KindDouble Kind = "Preview Chooser Double"
)

// Kinds lists every node kind
var Kinds = []Kind{KindChooser, KindClassic, KindSimple, KindDouble}

// Variant returns the chooser type reported to the observer
func (k Kind) Variant() types.Variant {
	switch k {
	case KindClassic:
		return types.VariantClassicWidget
	case KindDouble:
		return types.VariantDouble
	default:
		return types.VariantSingle
	}
}

// Channel returns the event type used to open the chooser
func (k Kind) Channel() types.EventType {
	if k == KindClassic {
		return types.EventTypeChooserWidget
	}
	return types.EventTypeChooserOpen
}

// Coordinator is the part of the broker a node depends on
type Coordinator interface {
	BindDisplayID(displayID, logicalID string)
	StashFor(id string) *broker.StashEntry
	LastSelection(id string) (types.Selection, bool)
	SetLastSelection(id string, sel types.Selection)
	WaitForSelection(ctx context.Context, id string, opts ...broker.WaitOption) (types.Selection, error)
}

// RunRecorder receives one call per completed invocation
type RunRecorder interface {
	ChooserRun(mode string, paused bool)
}

// Options holds the collaborators of a node. Previewer and Notifier are
// required; the rest are optional.
type Options struct {
	Previewer Previewer
	Notifier  Notifier
	Tracer    trace.Tracer
	Recorder  RunRecorder
	MaxCount  int
}

// Node is one chooser node type. A single Node serves every instance of that
// type; per-instance state lives in the broker under the instance id.
type Node struct {
	kind        Kind
	coordinator Coordinator
	previewer   Previewer
	notifier    Notifier
	tracer      trace.Tracer
	recorder    RunRecorder
	maxCount    int
	logger      *logger.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// New creates a node of the given kind
func New(kind Kind, coordinator Coordinator, opts Options, log *logger.Logger) (*Node, error) {
	if coordinator == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "coordinator is required")
	}
	if opts.Previewer == nil || opts.Notifier == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "previewer and notifier are required")
	}
	if log == nil {
		log = logger.Nop()
	}

	n := &Node{
		kind:        kind,
		coordinator: coordinator,
		previewer:   opts.Previewer,
		notifier:    opts.Notifier,
		tracer:      opts.Tracer,
		recorder:    opts.Recorder,
		maxCount:    opts.MaxCount,
		logger:      log.With("component", "chooser", "kind", string(kind)),
		tokens:      make(map[string]string),
	}
	if n.tracer == nil {
		n.tracer = noop.NewTracerProvider().Tracer("chooser")
	}
	return n, nil
}

// Kind returns the node kind
func (n *Node) Kind() Kind {
	return n.kind
}

func (n *Node) validate(inv Invocation) error {
	if inv.UniqueID == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "unique id is required")
	}
	if !inv.Mode.IsValid() {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown mode %q", inv.Mode))
	}
	if inv.Count < 1 || (n.maxCount > 0 && inv.Count > n.maxCount) {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("count %d out of range [1, %d]", inv.Count, n.maxCount))
	}
	return nil
}

// Run executes one invocation. opts are passed to the broker wait; callers
// use broker.WithInterrupter to abort a paused node with the pipeline.
// A cancelled selection is reported as an interruption.
func (n *Node) Run(ctx context.Context, inv Invocation, opts ...broker.WaitOption) (*Result, error) {
	if err := n.validate(inv); err != nil {
		return nil, err
	}

	identity := broker.ParseNodeIdentity(inv.UniqueID, "")
	ctx, span := n.tracer.Start(ctx, "chooser.run", trace.WithAttributes(
		attribute.String(tracing.AttrNodeID, inv.UniqueID),
		attribute.String(tracing.AttrDisplayID, identity.DisplayID),
		attribute.String(tracing.AttrMode, inv.Mode.String()),
		attribute.String(tracing.AttrVariant, string(n.kind.Variant())),
	))
	defer span.End()

	res, err := n.run(ctx, inv, identity, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool(tracing.AttrPaused, res.Paused),
		attribute.String(tracing.AttrSelection, res.Selection.String()),
	)
	if n.recorder != nil {
		n.recorder.ChooserRun(inv.Mode.String(), res.Paused)
	}
	return res, nil
}

func (n *Node) run(ctx context.Context, inv Invocation, identity broker.NodeIdentity, opts []broker.WaitOption) (*Result, error) {
	n.coordinator.BindDisplayID(identity.DisplayID, inv.UniqueID)

	batch := stashOrReuse(n.coordinator.StashFor(inv.UniqueID), inv.Batch)
	if batch == nil {
		n.logger.DebugCtx(ctx, "No images to choose from", "node_id", inv.UniqueID)
		return &Result{Selection: types.Selection{}}, nil
	}
	size := batch.Size()
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int(tracing.AttrBatchSize, size))

	// rewritten before pausing, so a queued copy of the prompt repeats the
	// pick even if this run is cancelled
	if inv.Mode == types.ModeAlwaysPause {
		rewritePrompt(inv.Prompt, inv.UniqueID)
	}

	last, _ := n.coordinator.LastSelection(inv.UniqueID)
	sel, decided := decide(inv.Mode, inv.Count, size, last)
	paused := !decided

	if paused {
		if err := n.announce(ctx, inv, identity, batch); err != nil {
			return nil, err
		}
		n.logger.InfoCtx(ctx, "Waiting for selection",
			"node_id", inv.UniqueID, "mode", inv.Mode.String(), "batch_size", size)

		var err error
		sel, err = n.coordinator.WaitForSelection(ctx, inv.UniqueID, opts...)
		if err != nil {
			if broker.IsCancelled(err) {
				return nil, types.WrapError(types.ErrCodeInterrupted, "run cancelled by user", err)
			}
			return nil, err
		}
	}

	sel = filterSelection(sel, n.kind == KindDouble)
	n.coordinator.SetLastSelection(inv.UniqueID, sel)

	res := n.buildOutputs(batch, sel)
	res.Paused = paused
	n.logger.DebugCtx(ctx, "Selection resolved",
		"node_id", inv.UniqueID, "selection", sel.String(), "paused", paused)
	return res, nil
}

// announce saves previews and opens the chooser on the observer. A failed
// notification is logged; the node still waits so a later start or cancel can
// release it.
func (n *Node) announce(ctx context.Context, inv Invocation, identity broker.NodeIdentity, batch *Batch) error {
	refs, err := n.previewer.Save(ctx, inv.UniqueID, batch.Images)
	if err != nil {
		return err
	}

	oc := types.OpenContext{
		UniqueID:          inv.UniqueID,
		DisplayID:         identity.DisplayID,
		ChooserType:       n.kind.Variant(),
		Mode:              inv.Mode,
		Count:             inv.Count,
		ImageCount:        batch.Size(),
		ProgressFirstPick: inv.Mode == types.ModeProgressFirstPick,
		URLs:              refs,
		HasLatents:        len(batch.Latents) > 0,
		HasMasks:          len(batch.Masks) > 0,
		HasSegs:           batch.Segs != nil,
	}
	if err := n.notifier.Notify(ctx, n.kind.Channel(), oc); err != nil {
		n.logger.WarnCtx(ctx, "Failed to notify observer", "node_id", inv.UniqueID, "error", err)
	}
	return nil
}

// rewritePrompt switches the node's queued mode to RepeatLast so re-running
// the same prompt reproduces the selection without pausing.
func rewritePrompt(prompt Prompt, uniqueID string) {
	node, ok := prompt[uniqueID]
	if !ok || node == nil {
		return
	}
	if node.Inputs == nil {
		node.Inputs = make(map[string]any)
	}
	node.Inputs["mode"] = types.ModeRepeatLast.String()
}

// IsChanged returns the change token for a node instance. RepeatLast keeps a
// previously issued token so cached outputs are reused; every other mode
// forces re-execution.
func (n *Node) IsChanged(uniqueID string, mode types.Mode) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if tok, ok := n.tokens[uniqueID]; ok && mode == types.ModeRepeatLast {
		return tok
	}
	tok := uuid.NewString()
	n.tokens[uniqueID] = tok
	return tok
}
