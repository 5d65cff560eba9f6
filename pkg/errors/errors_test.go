package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	err := NewError(CodeDuplicateEdge, "0:1[0] -> 0:2[0]", ErrDuplicateEdge)
	assert.Equal(t, "[DUPLICATE_EDGE] 0:1[0] -> 0:2[0]: duplicate connection", err.Error())

	bare := NewError(CodeInExecution, "busy", nil)
	assert.Equal(t, "[IN_EXECUTION] busy", bare.Error())
}

func TestError_UnwrapExposesSentinel(t *testing.T) {
	err := fmt.Errorf("add connection: %w", NewError(CodeCycle, "0:1 -> 0:2", ErrCycle))

	assert.True(t, errors.Is(err, ErrCycle))
	assert.Equal(t, CodeCycle, Code(err))
	assert.True(t, IsStructural(err))
}

func TestIsStructural(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("x"), want: false},
		{name: "in execution", err: NewError(CodeInExecution, "busy", ErrNodeInExecution), want: false},
		{name: "illegal loop", err: NewError(CodeIllegalLoop, "no end", ErrIllegalLoopStructure), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsStructural(tt.err))
		})
	}
}
