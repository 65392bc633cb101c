package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func Test_Init_DisabledIsNop(t *testing.T) {
	prev := L
	t.Cleanup(func() { L = prev })

	require.NoError(t, Init(Options{}))
	require.False(t, L.Core().Enabled(zapcore.ErrorLevel))
}

func Test_Init_EnabledHonoursLevel(t *testing.T) {
	prev := L
	t.Cleanup(func() { L = prev })

	require.NoError(t, Init(Options{Enabled: true, Level: zapcore.WarnLevel}))
	require.True(t, L.Core().Enabled(zapcore.WarnLevel))
	require.False(t, L.Core().Enabled(zapcore.InfoLevel))
}

func Test_Named_PrefersBase(t *testing.T) {
	base := zap.NewExample()
	require.NotNil(t, Named(base, "llheap"))
	require.NotNil(t, Named(nil, "legacy"))
}
