package audio

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(amplitude int16, samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestLevel(t *testing.T) {
	assert.Zero(t, Level(nil))
	assert.Zero(t, Level(make([]byte, 320)))
	assert.InDelta(t, 1.0, Level(tone(32767, 160)), 0.001)
	// -20 dBFS sits at 0.6 on the -50..0 scale.
	assert.InDelta(t, 0.6, Level(tone(3277, 160)), 0.01)
	// Below the floor clamps to zero.
	assert.Zero(t, Level(tone(10, 160)))
}

func TestIsIsolated(t *testing.T) {
	assert.True(t, IsIsolated("AirPods Pro"))
	assert.True(t, IsIsolated("alsa_output.pci-0000_00_1f.3.analog-stereo-headphones"))
	assert.True(t, IsIsolated("USB Audio Headset"))
	assert.True(t, IsIsolated("CarPlay"))
	assert.True(t, IsIsolated("bluez_sink.AA_BB.a2dp_sink"))
	assert.False(t, IsIsolated("MacBook Pro Speakers"))
	assert.False(t, IsIsolated("alsa_output.pci-0000_00_1f.3.analog-stereo"))
}

func TestPCMBufferPlaysAndDrains(t *testing.T) {
	b := newPCMBuffer(PlaybackConfig{SampleRate: 16000, Channels: 1})
	require.NoError(t, b.write(context.Background(), []byte{1, 2, 3, 4}))

	out := make([]byte, 6)
	b.read(out)
	assert.Equal(t, []byte{1, 2, 3, 4, 0, 0}, out)
	assert.Equal(t, 125*time.Microsecond, b.playedDuration())
	require.NoError(t, b.drain(context.Background()))
}

func TestPCMBufferWriteBlocksUntilRead(t *testing.T) {
	b := newPCMBuffer(PlaybackConfig{SampleRate: 16000, Channels: 1})
	big := make([]byte, b.max*2)

	done := make(chan error, 1)
	go func() { done <- b.write(context.Background(), big) }()

	select {
	case <-done:
		t.Fatal("write returned before the device consumed anything")
	case <-time.After(20 * time.Millisecond):
	}

	out := make([]byte, b.max)
	for i := 0; i < 3; i++ {
		b.read(out)
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write did not complete")
	}
}

func TestPCMBufferWriteCancelled(t *testing.T) {
	b := newPCMBuffer(PlaybackConfig{SampleRate: 16000, Channels: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.write(ctx, make([]byte, b.max+2))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFakeCaptureTap(t *testing.T) {
	ctx := NewFakeContext(nil, false)
	dev, err := ctx.NewCapture(nil, CaptureConfig{SampleRate: SampleRate, Channels: Channels})
	require.NoError(t, err)
	fc := dev.(*FakeCapture)

	var got int
	fc.SetCallback(func(data []byte, _ uint32) { got += len(data) })
	fc.Emit(make([]byte, 64))
	assert.Zero(t, got, "tap must not fire before start")

	require.NoError(t, fc.Start())
	fc.Emit(make([]byte, 64))
	assert.Equal(t, 64, got)

	fc.ClearCallback()
	fc.Emit(make([]byte, 64))
	assert.Equal(t, 64, got)
	assert.True(t, fc.Running(), "removing the tap keeps the pipeline running")

	fc.Stop()
	assert.False(t, fc.Running())
	assert.Equal(t, 1, fc.Starts())
}

func TestPickerKeys(t *testing.T) {
	down := []byte{0x1b, '[', 'B'}
	up := []byte{0x1b, '[', 'A'}

	cursor, action := pickerKey(down, 0, 3)
	assert.Equal(t, 1, cursor)
	assert.Equal(t, pickerMove, action)

	cursor, action = pickerKey([]byte{'j'}, 2, 3)
	assert.Equal(t, 2, cursor, "stays on the last device")
	assert.Equal(t, pickerNone, action)

	cursor, _ = pickerKey(up, 1, 3)
	assert.Equal(t, 0, cursor)

	_, action = pickerKey([]byte{'\r'}, 1, 3)
	assert.Equal(t, pickerConfirm, action)
	_, action = pickerKey([]byte{3}, 1, 3)
	assert.Equal(t, pickerCancel, action)
}

func TestDeviceLabel(t *testing.T) {
	assert.Equal(t, "Built-in Microphone (current)", deviceLabel(DeviceInfo{Name: "Built-in Microphone"}, "Built-in Microphone"))
	assert.Contains(t, deviceLabel(DeviceInfo{Name: "AirPods Pro"}, ""), "headset profile")
}
