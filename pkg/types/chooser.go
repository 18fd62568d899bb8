package types

import (
	"strconv"
	"strings"
)

// Mode controls whether a chooser node pauses or picks deterministically
type Mode string

const (
	ModeAlwaysPause       Mode = "Always pause"
	ModeRepeatLast        Mode = "Repeat last selection"
	ModeOnlyPauseIfBatch  Mode = "Only pause if batch"
	ModeProgressFirstPick Mode = "Progress first pick"
	ModePassThrough       Mode = "Pass through"
	ModeTakeFirstN        Mode = "Take First n"
	ModeTakeLastN         Mode = "Take Last n"
)

// Modes lists every mode in the order the node declares them
var Modes = []Mode{
	ModeAlwaysPause,
	ModeRepeatLast,
	ModeOnlyPauseIfBatch,
	ModeProgressFirstPick,
	ModePassThrough,
	ModeTakeFirstN,
	ModeTakeLastN,
}

// IsValid returns true if the mode is one of the declared modes
func (m Mode) IsValid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// String returns the string representation of the mode
func (m Mode) String() string {
	return string(m)
}

// Variant identifies the chooser flavour reported to the observer
type Variant string

const (
	VariantSingle        Variant = "single"
	VariantClassicWidget Variant = "classic_widget"
	VariantDouble        Variant = "double"
)

// SelectionDivider separates positive from negative picks in the double chooser
const SelectionDivider = -1

// Selection is an ordered list of picked batch indices
type Selection []int

// String renders the selection in the comma-separated wire format
func (s Selection) String() string {
	parts := make([]string, len(s))
	for i, idx := range s {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ",")
}

// Clone returns a copy that does not share backing storage
func (s Selection) Clone() Selection {
	if s == nil {
		return nil
	}
	out := make(Selection, len(s))
	copy(out, s)
	return out
}

// PreviewRef locates a saved preview image
type PreviewRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// OpenContext is the payload pushed to the observer when a node pauses
type OpenContext struct {
	UniqueID          string       `json:"unique_id"`
	DisplayID         string       `json:"display_id"`
	ChooserType       Variant      `json:"chooser_type"`
	Mode              Mode         `json:"mode"`
	Count             int          `json:"count"`
	ImageCount        int          `json:"image_count"`
	ProgressFirstPick bool         `json:"progress_first_pick"`
	URLs              []PreviewRef `json:"urls"`
	HasLatents        bool         `json:"has_latents"`
	HasMasks          bool         `json:"has_masks"`
	HasSegs           bool         `json:"has_segs"`
}

// Map converts the context into an event data map
func (c OpenContext) Map() map[string]interface{} {
	return map[string]interface{}{
		"unique_id":           c.UniqueID,
		"display_id":          c.DisplayID,
		"chooser_type":        string(c.ChooserType),
		"mode":                string(c.Mode),
		"count":               c.Count,
		"image_count":         c.ImageCount,
		"progress_first_pick": c.ProgressFirstPick,
		"urls":                c.URLs,
		"has_latents":         c.HasLatents,
		"has_masks":           c.HasMasks,
		"has_segs":            c.HasSegs,
	}
}
