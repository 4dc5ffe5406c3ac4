// Package viewer owns the boundary to the third-party viewer SDK and the
// rules for bringing it up: load the asset bundle once per process, build
// at most one viewer per session, load a document into it and tear it
// down exactly once.
package viewer

import (
	"context"
	"fmt"
)

// InitOptions are handed to the SDK runtime initializer.
type InitOptions struct {
	Env         string
	API         string
	AccessToken string
}

// Options configure a viewer instance.
type Options struct {
	Extensions []string
	Theme      string
}

// AssetHost is where the SDK bundle gets injected. EntryPoint returns the
// SDK's global runtime once its script has been evaluated.
type AssetHost interface {
	EntryPoint() (Runtime, bool)
	InjectStylesheet(ctx context.Context, url string) error
	InjectScript(ctx context.Context, url string) error
}

// Runtime is the SDK's global object.
type Runtime interface {
	Initialize(opts InitOptions, onReady func(error))
	NewViewer(container string, opts Options) (Viewer, error)
	// LoadDocument resolves a manifest. Exactly one of the callbacks fires.
	LoadDocument(fullURN string, onSuccess func(Document), onError func(error))
}

// Viewer is one rendering engine attached to a container.
type Viewer interface {
	// Start returns 0 on success.
	Start() int
	LoadDocumentNode(ctx context.Context, doc Document, node Node) error
	FitToView()
	Finish()
}

type Document interface {
	// DefaultGeometry returns the default viewable, or false when the
	// document has nothing to render.
	DefaultGeometry() (Node, bool)
}

type Node interface {
	GUID() string
	Role() string
	Name() string
}

// LoadError is reported by the SDK when a document cannot be resolved.
type LoadError struct {
	Code    int
	Message string
}

func (e *LoadError) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}
