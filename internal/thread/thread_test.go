package thread

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func Test_Table_IDsAreUniqueAndNonZero(t *testing.T) {
	tb := NewTable(4)
	a, b := tb.NewThread(), tb.NewThread()
	require.NotZero(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())
	require.Zero(t, (*Thread)(nil).ID())
}

func Test_Table_SlotExhaustion(t *testing.T) {
	tb := NewTable(2)
	s0, err := tb.AllocSlot()
	require.NoError(t, err)
	_, err = tb.AllocSlot()
	require.NoError(t, err)

	_, err = tb.AllocSlot()
	require.True(t, errors.Is(err, ErrNoSlot))

	tb.FreeSlot(s0)
	s, err := tb.AllocSlot()
	require.NoError(t, err)
	require.Equal(t, s0, s)
}

func Test_Thread_Slots(t *testing.T) {
	tb := NewTable(0)
	require.Equal(t, DefaultSlots, tb.Capacity())
	th := tb.NewThread()
	th.SetSlot(3, "x")
	require.Equal(t, "x", th.Slot(3))
	require.Nil(t, th.Slot(4))
	require.Nil(t, th.Slot(-1))
	th.SetSlot(DefaultSlots, "ignored")
}

func Test_Mutex_Recursive(t *testing.T) {
	tb := NewTable(1)
	a := tb.NewThread()
	var m Mutex

	m.Lock(a)
	m.Lock(a)
	require.True(t, m.HeldBy(a))
	require.True(t, m.Unlock(a))
	require.True(t, m.HeldBy(a))
	require.True(t, m.Unlock(a))
	require.False(t, m.HeldBy(a))
	require.False(t, m.Unlock(a), "unlock without holding")
}

func Test_Mutex_Excludes(t *testing.T) {
	tb := NewTable(1)
	var m Mutex
	counter := 0

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		th := tb.NewThread()
		g.Go(func() error {
			for i := 0; i < 1000; i++ {
				m.Lock(th)
				counter++
				m.Unlock(th)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 8000, counter)
}
