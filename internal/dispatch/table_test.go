package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-can-node/internal/can"
)

type recorder struct {
	name string
	log  *[]string
}

func (r recorder) ReceiveFrame(can.Frame) { *r.log = append(*r.log, r.name) }

func TestBothMatchingHandlersFireInRegistrationOrder(t *testing.T) {
	var calls []string
	tbl := NewTable(DefaultCapacity)
	require.NoError(t, tbl.Register(0x7F0, 0x120, recorder{"range", &calls}))
	require.NoError(t, tbl.Register(0x7FF, 0x123, recorder{"exact", &calls}))

	n := tbl.Dispatch(can.Frame{ID: 0x123})
	require.Equal(t, 2, n)
	require.Equal(t, []string{"range", "exact"}, calls)

	calls = nil
	require.Equal(t, 1, tbl.Dispatch(can.Frame{ID: 0x12A}))
	require.Equal(t, []string{"range"}, calls)

	calls = nil
	require.Zero(t, tbl.Dispatch(can.Frame{ID: 0x200}))
	require.Empty(t, calls)
}

// 0x123 & 0x7F0 is 0x120, so a 0x100 range entry stays silent.
func TestRangeOutsideMaskedIDDoesNotFire(t *testing.T) {
	var calls []string
	tbl := NewTable(DefaultCapacity)
	require.NoError(t, tbl.Register(0x7F0, 0x100, recorder{"range", &calls}))
	require.NoError(t, tbl.Register(0x7FF, 0x123, recorder{"exact", &calls}))

	require.Equal(t, 1, tbl.Dispatch(can.Frame{ID: 0x123}))
	require.Equal(t, []string{"exact"}, calls)

	calls = nil
	require.Equal(t, 1, tbl.Dispatch(can.Frame{ID: 0x10C}))
	require.Equal(t, []string{"range"}, calls)
}

func TestMaskMatchingIsExact(t *testing.T) {
	masks := []uint32{0, 0x7FF, 0x7F0, 0x700, 0x00F, 0x555}
	ids := []uint32{0, 0x001, 0x0F0, 0x100, 0x123, 0x555, 0x7FF}
	for _, mask := range masks {
		for _, want := range ids {
			expected := want & mask
			tbl := NewTable(1)
			hits := 0
			require.NoError(t, tbl.Register(mask, expected, ReceiverFunc(func(can.Frame) { hits++ })))
			for id := uint32(0); id <= can.SFFMask; id++ {
				hits = 0
				tbl.Dispatch(can.Frame{ID: id})
				if (id&mask == expected) != (hits == 1) {
					t.Fatalf("mask=%#x want=%#x id=%#x hits=%d", mask, expected, id, hits)
				}
			}
		}
	}
}

func TestUnreachableEntryNeverFires(t *testing.T) {
	tbl := NewTable(1)
	require.NoError(t, tbl.Register(0x0F0, 0x001, ReceiverFunc(func(can.Frame) { t.Fatal("fired") })))
	for id := uint32(0); id <= can.SFFMask; id++ {
		tbl.Dispatch(can.Frame{ID: id})
	}
}

func TestRegisterCapacity(t *testing.T) {
	tbl := NewTable(DefaultCapacity)
	nop := ReceiverFunc(func(can.Frame) {})
	for i := 0; i < DefaultCapacity; i++ {
		require.NoError(t, tbl.Register(0x7FF, uint32(i), nop))
	}
	err := tbl.Register(0x7FF, 0x7FF, nop)
	require.True(t, errors.Is(err, ErrTableFull), "got %v", err)
	require.Equal(t, DefaultCapacity, tbl.Len())
}

func TestRegisterAfterSeal(t *testing.T) {
	tbl := NewTable(4)
	nop := ReceiverFunc(func(can.Frame) {})
	require.NoError(t, tbl.Register(0, 0, nop))
	tbl.Seal()
	require.True(t, tbl.Sealed())
	require.ErrorIs(t, tbl.Register(0, 0, nop), ErrSealed)
	require.Equal(t, 1, tbl.Len())
	require.ErrorIs(t, NewTable(1).Register(0, 0, nil), ErrNilReceiver)
}

func TestReceiverPanicPropagates(t *testing.T) {
	tbl := NewTable(2)
	require.NoError(t, tbl.Register(0, 0, ReceiverFunc(func(can.Frame) { panic("boom") })))
	require.Panics(t, func() { tbl.Dispatch(can.Frame{ID: 1}) })
}

func BenchmarkDispatch32(b *testing.B) {
	tbl := NewTable(DefaultCapacity)
	sink := 0
	for i := 0; i < DefaultCapacity; i++ {
		_ = tbl.Register(0x7F0, uint32(i<<4)&0x7F0, ReceiverFunc(func(can.Frame) { sink++ }))
	}
	f := can.Frame{ID: 0x123, Len: 8}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tbl.Dispatch(f)
	}
}
