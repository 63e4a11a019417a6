package gen

import "context"

// Generator produces a text artifact from a fixed system descriptor and an
// instruction. Implementations wrap a slow, fallible external service; a
// failed generation has no side effects callers need to undo.
type Generator interface {
	Generate(ctx context.Context, system, instruction string) (string, error)
}
