package chooser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// PreviewType marks previews as temporary outputs
const PreviewType = "temp"

// Previewer saves candidate previews and returns references the observer can fetch
type Previewer interface {
	Save(ctx context.Context, nodeID string, images []Candidate) ([]types.PreviewRef, error)
}

// FilePreviewer writes previews into a directory
type FilePreviewer struct {
	dir    string
	prefix string
}

// NewFilePreviewer creates a previewer rooted at dir, creating it if needed
func NewFilePreviewer(dir string) (*FilePreviewer, error) {
	if dir == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "preview directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create preview directory", err)
	}
	return &FilePreviewer{dir: dir, prefix: "chooser_temp"}, nil
}

// Dir returns the directory previews are written to
func (p *FilePreviewer) Dir() string {
	return p.dir
}

// Save writes one file per image. Names are unique per call so concurrent
// nodes never overwrite each other's previews.
func (p *FilePreviewer) Save(ctx context.Context, nodeID string, images []Candidate) ([]types.PreviewRef, error) {
	batchID := uuid.NewString()[:8]
	refs := make([]types.PreviewRef, 0, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, types.WrapError(types.ErrCodeInterrupted, "preview save interrupted", err)
		}
		name := fmt.Sprintf("%s_%s_%05d_.png", p.prefix, batchID, i+1)
		if err := os.WriteFile(filepath.Join(p.dir, name), img.Data, 0o644); err != nil {
			return nil, types.WrapError(types.ErrCodeInternal,
				fmt.Sprintf("failed to write preview %d for node %s", i, nodeID), err)
		}
		refs = append(refs, types.PreviewRef{Filename: name, Type: PreviewType})
	}
	return refs, nil
}
