package notice

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/geochat/internal/chat"
	"github.com/comigor/geochat/internal/dispatch"
	"github.com/comigor/geochat/internal/llm"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{llm.ErrMissingCredential, KindConfig},
		{fmt.Errorf("%w: bad url", llm.ErrInit), KindProvider},
		{fmt.Errorf("%w: 401", llm.ErrStreamCreate), KindProvider},
		{fmt.Errorf("%w: reset", chat.ErrInterrupted), KindProvider},
		{dispatch.ErrNoCommands, KindInfo},
		{dispatch.ErrAppletUnavailable, KindApplet},
		{errors.New("boom"), KindError},
	}
	for _, tc := range cases {
		n := Classify(tc.err)
		require.Equal(t, tc.kind, n.Kind, "error %v", tc.err)
		require.NotEmpty(t, n.Message)
	}

	// wrapped sentinels surface the clean user message
	require.Equal(t, llm.ErrInit.Error(), Classify(fmt.Errorf("%w: bad url", llm.ErrInit)).Message)
}

func TestBoard_SetAndClear(t *testing.T) {
	b := NewBoard()
	_, ok := b.Current()
	require.False(t, ok)

	n := b.SetError(llm.ErrMissingCredential)
	require.Equal(t, KindConfig, n.Kind)
	got, ok := b.Current()
	require.True(t, ok)
	require.Equal(t, n, got)

	b.Clear()
	_, ok = b.Current()
	require.False(t, ok)
}

func TestBoard_TemporaryExpires(t *testing.T) {
	b := NewBoard()
	b.SetTemporary(Notice{Kind: KindInfo, Message: "Executed 3 GeoGebra commands"}, 10*time.Millisecond)

	got, ok := b.Current()
	require.True(t, ok)
	require.False(t, got.Expires.IsZero())

	require.Eventually(t, func() bool {
		_, ok := b.Current()
		return !ok
	}, time.Second, time.Millisecond)
}

func TestBoard_ReplacedTemporaryDoesNotClearNewer(t *testing.T) {
	b := NewBoard()
	b.SetTemporary(Notice{Kind: KindInfo, Message: "first"}, 5*time.Millisecond)
	b.Set(Notice{Kind: KindError, Message: "sticky"})

	time.Sleep(20 * time.Millisecond)
	got, ok := b.Current()
	require.True(t, ok)
	require.Equal(t, "sticky", got.Message)
}
