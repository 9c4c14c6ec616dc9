package nvm

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/icnn/pkg/layout"
)

var testLayout = layout.MustNew(layout.Config{
	NVMSize:          0x4000,
	NumSlots:         3,
	SlotSize:         2048,
	SamplesLen:       256,
	ParametersLen:    1024,
	MaxNodes:         8,
	MaxParamInfos:    16,
	CountersLen:      8,
	TurningPointsLen: 8,
})

func newTestStore(t *testing.T, dev Device) *Store {
	s, err := NewStore(dev, testLayout, &Options{Retries: 2})
	require.NoError(t, err)
	return s
}

func TestTransferCap(t *testing.T) {
	s := newTestStore(t, NewMemDevice(0x4000))
	off := testLayout.SlotOffset(0)
	buf := make([]byte, 2048)
	for i := range buf {
		buf[i] = 0xee
	}
	require.ErrorIs(t, s.Write(buf, off, 0), ErrTransferTooLarge)
	require.ErrorIs(t, s.Read(buf, off), ErrTransferTooLarge)
	require.Equal(t, Stats{}, s.Stats())

	// nothing got truncated onto the store
	small := make([]byte, MaxTransfer)
	require.NoError(t, s.Read(small, off))
	require.Equal(t, make([]byte, MaxTransfer), small)

	require.NoError(t, s.Write(buf[:MaxTransfer], off, 0))
	require.NoError(t, s.WriteSegmented(buf, off))
	got := make([]byte, len(buf))
	require.NoError(t, s.ReadSegmented(got, off))
	require.Equal(t, buf, got)
	st := s.Stats()
	require.Equal(t, int64(3), st.Writes)
	require.Equal(t, int64(3*MaxTransfer), st.BytesWritten)
}

func TestRegionGuard(t *testing.T) {
	s := newTestStore(t, NewMemDevice(0x4000))
	slots := testLayout.Region(layout.Slots)
	testCases := []struct {
		name   string
		offset int
		n      int
	}{
		{"crossing slots end", slots.End() - 4, 8},
		{"crossing self-test", layout.IntermediateValuesOffset - 1, 2},
		{"beyond nvm", 0x4000 - 2, 4},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, tc.n)
			require.ErrorIs(t, s.Write(buf, tc.offset, 0), layout.ErrOutOfRegion)
			require.ErrorIs(t, s.Read(buf, tc.offset), layout.ErrOutOfRegion)
		})
	}
}

func TestAsyncWrite(t *testing.T) {
	dev := NewMemDevice(0x4000)
	s := newTestStore(t, dev)
	off := testLayout.SlotOffset(1)
	src := []byte{1, 2, 3, 4}
	require.NoError(t, s.Write(src, off, 20*time.Millisecond))
	require.Equal(t, []byte{0, 0, 0, 0}, dev.Bytes()[off:off+4])
	require.NoError(t, s.Wait())
	require.Equal(t, src, dev.Bytes()[off:off+4])
	require.NoError(t, s.Wait())

	// the next operation waits for the in-flight transfer
	require.NoError(t, s.Write([]byte{9, 9}, off+4, 10*time.Millisecond))
	got := make([]byte, 6)
	require.NoError(t, s.Read(got, off))
	require.Equal(t, []byte{1, 2, 3, 4, 9, 9}, got)
}

func TestAsyncPowerFailure(t *testing.T) {
	dev := NewFaultDevice(NewMemDevice(0x4000))
	s := newTestStore(t, dev)
	dev.FailAfter(0)
	require.NoError(t, s.Write([]byte{1, 2}, testLayout.SlotOffset(0), time.Millisecond))
	require.ErrorIs(t, s.Wait(), ErrPowerFailure)
	require.True(t, dev.PoweredOff())
	require.ErrorIs(t, s.Read(make([]byte, 2), testLayout.SlotOffset(0)), ErrPowerFailure)
	dev.Restore()
	got := make([]byte, 2)
	require.NoError(t, s.Read(got, testLayout.SlotOffset(0)))
	require.Equal(t, []byte{0, 0}, got)
}

func TestResetDropsPendingWrite(t *testing.T) {
	dev := NewFaultDevice(NewMemDevice(0x4000))
	s := newTestStore(t, dev)
	dev.FailAfter(0)
	require.NoError(t, s.Write([]byte{1, 2}, testLayout.SlotOffset(0), time.Millisecond))
	require.NoError(t, s.Reset())
	require.Equal(t, 1, dev.Resets())
	require.NoError(t, s.Wait())
}

func TestTornWrite(t *testing.T) {
	mem := NewMemDevice(0x4000)
	dev := NewFaultDevice(mem).FailAfter(1).Tear(3)
	s := newTestStore(t, dev)
	off := testLayout.SlotOffset(2)
	require.NoError(t, s.Write([]byte{1, 1, 1, 1}, off, 0))
	require.ErrorIs(t, s.Write([]byte{2, 2, 2, 2}, off, 0), ErrPowerFailure)
	require.Equal(t, []byte{2, 2, 2, 1}, mem.Bytes()[off:off+4])
	require.Equal(t, 2, dev.Writes())
}

func TestTransientRetry(t *testing.T) {
	dev := NewFaultDevice(NewMemDevice(0x4000))
	s := newTestStore(t, dev)
	require.NoError(t, s.SelfTest())

	dev.InjectReadErrors(2)
	require.NoError(t, s.SelfTest())
	require.Equal(t, int64(2), s.Stats().Retries)

	dev.InjectReadErrors(3)
	err := s.SelfTest()
	var te *TransientError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "read", te.Op)

	require.NoError(t, s.Reset())
	require.Equal(t, 1, dev.Resets())
	require.NoError(t, s.SelfTest())
}

func TestErase(t *testing.T) {
	mem := NewMemDevice(0x4000)
	s := newTestStore(t, mem)
	slots := testLayout.Region(layout.Slots)
	buf := make([]byte, slots.Len)
	for i := range buf {
		buf[i] = byte(i) | 1
	}
	require.NoError(t, s.WriteSegmented(buf, slots.Offset))
	require.NoError(t, s.Erase(layout.Slots))
	require.Equal(t, make([]byte, slots.Len), mem.Bytes()[slots.Offset:slots.End()])
}

func TestFileDevice(t *testing.T) {
	dir, err := ioutil.TempDir("", "nvm")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	fn := filepath.Join(dir, "nvm.bin")

	dev, err := OpenFile(fn, 0x4000, true)
	require.NoError(t, err)
	s := newTestStore(t, dev)
	require.NoError(t, s.Write([]byte{7, 8}, testLayout.SlotOffset(0), 0))
	require.NoError(t, dev.Close())

	dev, err = OpenFile(fn, 0x4000, false)
	require.NoError(t, err)
	defer dev.Close()
	s = newTestStore(t, dev)
	got := make([]byte, 2)
	require.NoError(t, s.Read(got, testLayout.SlotOffset(0)))
	require.Equal(t, []byte{7, 8}, got)

	_, err = NewStore(NewMemDevice(0x100), testLayout, nil)
	require.ErrorIs(t, err, ErrDeviceTooSmall)
}
