package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterOrGetIsIdempotent(t *testing.T) {
	r := New()

	a := r.RegisterOrGet("hw-1")
	b := r.RegisterOrGet("hw-1")

	assert.Same(t, a, b)
	assert.Equal(t, StatusDisconnected, a.Status)
	assert.Equal(t, AOAUnchecked, a.AOAState)
	assert.Len(t, r.List(), 1)
}

func TestLookupsReturnNilForUnknown(t *testing.T) {
	r := New()

	assert.Nil(t, r.ByID("nope"))
	assert.Nil(t, r.BySerial("nope"))
	assert.Nil(t, r.ByAdbID("nope"))
	assert.Nil(t, r.ByPort(6000))
}

func TestSerialIndexRepointsOnDuplicate(t *testing.T) {
	r := New()
	a := r.RegisterOrGet("hw-a")
	b := r.RegisterOrGet("hw-b")

	require.NoError(t, r.SetUSBSerial("hw-a", "SER123"))
	assert.Same(t, a, r.BySerial("SER123"))

	// Second device claims the same serial: index repoints, old owner's
	// field is cleared.
	require.NoError(t, r.SetUSBSerial("hw-b", "SER123"))
	assert.Same(t, b, r.BySerial("SER123"))
	assert.Empty(t, a.USBSerial)
	assert.Equal(t, "SER123", b.USBSerial)
}

func TestAdbIndexFollowsReassignment(t *testing.T) {
	r := New()
	r.RegisterOrGet("hw-a")

	require.NoError(t, r.SetAdbID("hw-a", "emulator-5554"))
	require.NotNil(t, r.ByAdbID("emulator-5554"))

	require.NoError(t, r.SetAdbID("hw-a", "192.168.1.20:5555"))
	assert.Nil(t, r.ByAdbID("emulator-5554"))
	require.NotNil(t, r.ByAdbID("192.168.1.20:5555"))

	require.NoError(t, r.SetAdbID("hw-a", ""))
	assert.Nil(t, r.ByAdbID("192.168.1.20:5555"))
}

func TestPortIndexStealing(t *testing.T) {
	r := New()
	a := r.RegisterOrGet("hw-a")
	b := r.RegisterOrGet("hw-b")

	require.NoError(t, r.SetVideoPort("hw-a", 6000))
	require.NoError(t, r.SetVideoPort("hw-b", 6001))
	assert.Same(t, a, r.ByPort(6000))
	assert.Same(t, b, r.ByPort(6001))

	require.NoError(t, r.SetVideoPort("hw-b", 6000))
	assert.Same(t, b, r.ByPort(6000))
	assert.Nil(t, r.ByPort(6001))
	assert.Zero(t, a.VideoPort)
}

func TestSetMainDeviceSingleHolder(t *testing.T) {
	r := New()
	a := r.RegisterOrGet("hw-a")
	b := r.RegisterOrGet("hw-b")

	require.NoError(t, r.SetMainDevice("hw-a"))
	require.NoError(t, r.SetMainDevice("hw-b"))

	assert.False(t, a.IsMain)
	assert.True(t, b.IsMain)
	assert.Same(t, b, r.MainDevice())

	mains := 0
	for _, e := range r.List() {
		if e.IsMain {
			mains++
		}
	}
	assert.Equal(t, 1, mains)
}

func TestSetStatusValidation(t *testing.T) {
	r := New()
	r.RegisterOrGet("hw-a")

	require.NoError(t, r.SetStatus("hw-a", StatusAdbOnly))
	assert.Equal(t, StatusAdbOnly, r.ByID("hw-a").Status)

	assert.Error(t, r.SetStatus("hw-a", Status(99)))
	assert.Error(t, r.SetStatus("missing", StatusConnecting))
}

func TestChangeNotification(t *testing.T) {
	r := New()
	var fields []string
	r.OnChange(func(id, field string) {
		assert.Equal(t, "hw-a", id)
		fields = append(fields, field)
	})

	r.RegisterOrGet("hw-a")
	require.NoError(t, r.SetUSBSerial("hw-a", "S1"))
	require.NoError(t, r.SetStatus("hw-a", StatusConnecting))

	assert.Equal(t, []string{"registered", "usb_serial", "status"}, fields)
}

func TestSnapshotIsDetachedCopy(t *testing.T) {
	r := New()
	r.RegisterOrGet("hw-a")
	require.NoError(t, r.SetMeta("hw-a", "panther", "Pixel 7", "Google"))

	snap, ok := r.Snapshot("hw-a")
	require.True(t, ok)
	assert.Equal(t, "panther", snap.Name)

	// Mutating the copy never reaches the registry.
	snap.Name = "scribble"
	again, _ := r.Snapshot("hw-a")
	assert.Equal(t, "panther", again.Name)

	_, ok = r.Snapshot("nope")
	assert.False(t, ok)

	require.NoError(t, r.SetAdbID("hw-a", "emulator-5554"))
	byAdb, ok := r.SnapshotByAdbID("emulator-5554")
	require.True(t, ok)
	assert.Equal(t, "hw-a", byAdb.HardwareID)
	_, ok = r.SnapshotByAdbID("nope")
	assert.False(t, ok)
}

func TestSnapshotReadersRaceFreeAgainstSetters(t *testing.T) {
	r := New()
	r.RegisterOrGet("hw-a")

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			r.SetMeta("hw-a", "name", "model", "maker")
			r.SetStatus("hw-a", Status(i%int(StatusMirroring+1)))
			r.SetStats("hw-a", float64(i), float64(i))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if e, ok := r.Snapshot("hw-a"); ok {
				_ = e.Name
				_ = e.Status
			}
			for _, e := range r.List() {
				_ = e.CurrentFPS
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestHasAnyConnection(t *testing.T) {
	r := New()
	e := r.RegisterOrGet("hw-a")
	assert.False(t, e.HasAnyConnection())

	require.NoError(t, r.SetAdbID("hw-a", "serial-1"))
	assert.True(t, e.HasAnyConnection())

	require.NoError(t, r.SetAdbID("hw-a", ""))
	assert.False(t, e.HasAnyConnection())

	// Stale entities stay addressable.
	assert.Same(t, e, r.ByID("hw-a"))
}
