package dbterrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorParts(t *testing.T) {
	err := fmt.Errorf("translate pc=0x1000: %w", ErrArenaFull)
	require.Equal(t, "R1", GetErrorCode(err))
	require.Equal(t, "ArenaFull", GetErrorName(err))
	require.Equal(t, "R1_ArenaFull", GetErrorCodeWithName(err))
	require.Equal(t, "The code arena has no room for the requested unit.", GetErrorDesc(err))
	require.Equal(t, "No Error", GetErrorName(nil))
}

func TestClassify(t *testing.T) {
	require.Equal(t, ClassRecoverable, Classify(fmt.Errorf("x: %w", ErrArenaFull)))
	require.Equal(t, ClassExhausted, Classify(ErrArenaExhausted))
	require.Equal(t, ClassFatal, Classify(ErrUnclassifiedFault))
	require.Equal(t, ClassNone, Classify(nil))
}
