package archive

import (
	"context"

	"github.com/3leaps/studyflow/pkg/eventloop"
)

// Result is delivered by ExtractParallel.
type Result struct {
	Files []File
	Err   error
}

// ExtractParallel runs extraction on its own goroutine and posts the result
// to loop, so extraction overlaps whatever network call the caller starts
// next. done runs on the loop. If the loop has stopped the result is
// discarded.
func (e *Extractor) ExtractParallel(ctx context.Context, loop *eventloop.Loop, blobs []Blob, done func(Result)) {
	go func() {
		files, err := e.Extract(ctx, blobs)
		loop.Post(func() { done(Result{Files: files, Err: err}) })
	}()
}
