package marshal

import (
	"context"

	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/errors"
)

// Scope is a region of the engine stack opened by Mark. Restore reclaims
// every allocation made through the scope at once.
type Scope struct {
	ctx      context.Context
	stack    ortwasm.Stack
	mark     uint32
	restored bool
}

// Mark saves the engine stack pointer.
func Mark(ctx context.Context, stack ortwasm.Stack) (*Scope, error) {
	mark, err := stack.StackSave(ctx)
	if err != nil {
		return nil, err
	}
	return &Scope{ctx: ctx, stack: stack, mark: mark}, nil
}

// Alloc reserves n bytes on the engine stack.
func (s *Scope) Alloc(n uint32) (uint32, error) {
	if s.restored {
		return 0, errors.New(errors.PhaseEncode, errors.KindAllocation).Detail("stack scope already restored").Build()
	}
	ptr, err := s.stack.StackAlloc(s.ctx, n)
	if err != nil {
		return 0, err
	}
	if ptr == 0 && n > 0 {
		return 0, errors.AllocationFailed(errors.PhaseEncode, n)
	}
	return ptr, nil
}

// Restore resets the stack pointer to the mark. Safe to call more than once.
func (s *Scope) Restore() {
	if s == nil || s.restored {
		return
	}
	s.restored = true
	if err := s.stack.StackRestore(s.ctx, s.mark); err != nil {
		Logger().Warn("stack restore failed", zap.Uint32("mark", s.mark), zap.Error(err))
	}
}
