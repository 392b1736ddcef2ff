package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrap_PreservesSentinel(t *testing.T) {
	t.Parallel()

	err := Wrap(ErrTooLarge, "文件大小 %d 超过上限 %d", 100, 50)
	require.True(t, errors.Is(err, ErrTooLarge))
	require.Contains(t, err.Error(), "100")
}

func TestWrap_DoesNotMatchOtherSentinels(t *testing.T) {
	t.Parallel()

	err := Wrap(ErrConflict, "会话当前状态为 ACTIVE")
	require.True(t, errors.Is(err, ErrConflict))
	require.False(t, errors.Is(err, ErrForbidden))
	require.False(t, errors.Is(err, ErrNotFound))
}
