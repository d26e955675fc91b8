package linedisc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mpyhost/internal/fakelink"
	"mpyhost/linedisc"
	"mpyhost/transport"
)

func TestReadUntilAcrossMultipleReads(t *testing.T) {
	host, device := fakelink.Pair()
	buf := linedisc.New(host)

	go func() {
		_ = device.Write([]byte(">>"))
		time.Sleep(5 * time.Millisecond)
		_ = device.Write([]byte("> "))
	}()

	before, matched, err := buf.ReadUntil([]byte(">>> "), time.Second)
	require.NoError(t, err)
	require.True(t, matched)
	require.Empty(t, before)
}

func TestReadUntilPreservesLeadingOutput(t *testing.T) {
	host, device := fakelink.Pair()
	buf := linedisc.New(host)
	_ = device.Write([]byte("hello world>>> "))

	before, matched, err := buf.ReadUntil([]byte(">>> "), time.Second)
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, []byte("hello world"), before)
}

func TestReadUntilTimeout(t *testing.T) {
	host, _ := fakelink.Pair()
	buf := linedisc.New(host)

	_, matched, err := buf.ReadUntil([]byte(">>> "), 10*time.Millisecond)
	require.ErrorIs(t, err, transport.ErrTimeout)
	require.False(t, matched)
}

func TestReadUntilRetainsBytesAfterTimeout(t *testing.T) {
	host, device := fakelink.Pair()
	buf := linedisc.New(host)
	_ = device.Write([]byte("partial"))

	_, matched, err := buf.ReadUntil([]byte(">>> "), 10*time.Millisecond)
	require.ErrorIs(t, err, transport.ErrTimeout)
	require.False(t, matched)

	_ = device.Write([]byte(" more>>> "))
	before, matched, err := buf.ReadUntil([]byte(">>> "), time.Second)
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, []byte("partial more"), before)
}

func TestReadUntilKeepsUnconsumedBytesPastHighWater(t *testing.T) {
	host, device := fakelink.Pair()
	buf := linedisc.New(host)
	buf.SetHighWater(64)

	go func() {
		for i := 0; i < 50; i++ {
			_ = device.Write([]byte("xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"))
		}
		_ = device.Write([]byte(">>> "))
	}()

	before, matched, err := buf.ReadUntil([]byte(">>> "), time.Second)
	require.NoError(t, err)
	require.True(t, matched)
	require.Len(t, before, 50*31)
}

func TestReadAvailableDrainsBuffer(t *testing.T) {
	host, device := fakelink.Pair()
	buf := linedisc.New(host)
	_ = device.Write([]byte("some output"))
	time.Sleep(5 * time.Millisecond)

	out := buf.ReadAvailable()
	require.Equal(t, []byte("some output"), out)
	require.Empty(t, buf.ReadAvailable())
}
