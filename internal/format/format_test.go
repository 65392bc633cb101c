package format

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Align16(t *testing.T) {
	for _, tc := range []struct{ in, want uint64 }{
		{0, 0}, {1, 16}, {15, 16}, {16, 16}, {17, 32}, {4095, 4096},
	} {
		got, ok := Align16(tc.in)
		require.True(t, ok)
		require.Equal(t, tc.want, got, "Align16(%d)", tc.in)
	}
	_, ok := Align16(math.MaxUint64 - 3)
	require.False(t, ok)
}

func Test_AlignUpDown(t *testing.T) {
	got, ok := AlignUp(4097, 4096)
	require.True(t, ok)
	require.Equal(t, uint64(8192), got)
	_, ok = AlignUp(math.MaxUint64-10, 4096)
	require.False(t, ok)

	require.Equal(t, uint64(4096), AlignDown(8191, 4096))
	require.True(t, IsAligned(48))
	require.False(t, IsAligned(40))
}

func Test_Encoding_RoundTrip(t *testing.T) {
	b := make([]byte, 32)
	PutU16(b, 1, 0xBEEF)
	PutU32(b, 4, 0xDEADBEEF)
	PutU64(b, 8, 0x0102030405060708)
	require.Equal(t, uint16(0xBEEF), ReadU16(b, 1))
	require.Equal(t, uint32(0xDEADBEEF), ReadU32(b, 4))
	require.Equal(t, uint64(0x0102030405060708), ReadU64(b, 8))
	require.Equal(t, byte(0x08), b[8])
}

func Test_Word_CAS(t *testing.T) {
	b := make([]byte, 32)
	StoreWord(b, 16, 7)
	require.Equal(t, uint64(7), LoadWord(b, 16))
	require.False(t, CASWord(b, 16, 6, 9))
	require.True(t, CASWord(b, 16, 7, 9))
	require.Equal(t, uint64(9), LoadWord(b, 16))
}

func Test_Word_OutOfRange(t *testing.T) {
	b := make([]byte, 32)
	require.Panics(t, func() { LoadWord(b, 32) })
	require.Panics(t, func() { StoreWord(b, 25, 1) })
	require.Panics(t, func() { CASWord(b, -8, 0, 1) })
	require.NotPanics(t, func() { LoadWord(b, 24) })
}

func Test_Word_ConcurrentCAS(t *testing.T) {
	b := make([]byte, 32)
	const workers, rounds = 4, 1000
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				for {
					old := LoadWord(b, 16)
					if CASWord(b, 16, old, old+1) {
						break
					}
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(workers*rounds), LoadWord(b, 16))
}

func Test_TierThresholds(t *testing.T) {
	require.Equal(t, 112, FastLimit)
	require.Less(t, ThreadThreshold, LargeThreshold)
	require.True(t, IsAligned(LargeThreshold))
}
