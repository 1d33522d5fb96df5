package netreactor

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingChannel(calls *[]string) *Channel {
	ch := NewChannel(nil, -1)
	ch.SetCloseCallback(func() { *calls = append(*calls, "close") })
	ch.SetErrorCallback(func() { *calls = append(*calls, "error") })
	ch.SetReadCallback(func(time.Time) { *calls = append(*calls, "read") })
	ch.SetWriteCallback(func() { *calls = append(*calls, "write") })
	return ch
}

func TestChannelDispatchOrder(t *testing.T) {
	tests := []struct {
		name    string
		revents IOEvents
		want    []string
	}{
		{"hangup alone closes", EventHangup, []string{"close"}},
		{"hangup with read does not close", EventHangup | EventRead, []string{"read"}},
		{"hangup and error", EventHangup | EventError, []string{"close", "error"}},
		{"everything", EventHangup | EventError | EventRead | EventWrite, []string{"error", "read", "write"}},
		{"read then write", EventWrite | EventRead, []string{"read", "write"}},
		{"none", EventNone, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []string
			ch := recordingChannel(&calls)
			ch.SetRevents(tt.revents)
			ch.HandleEvent(time.Now())
			assert.Equal(t, tt.want, calls)
		})
	}
}

func TestChannelReadGetsReceiveTime(t *testing.T) {
	ts := time.Unix(1700000000, 42)
	var got time.Time
	ch := NewChannel(nil, -1)
	ch.SetReadCallback(func(receiveTime time.Time) { got = receiveTime })
	ch.SetRevents(EventRead)
	ch.HandleEvent(ts)
	assert.Equal(t, ts, got)
}

func TestChannelMissingCallbacksAreSkipped(t *testing.T) {
	ch := NewChannel(nil, -1)
	ch.SetRevents(EventHangup | EventError | EventRead | EventWrite)
	assert.NotPanics(t, func() { ch.HandleEvent(time.Now()) })
}

type tieOwner struct {
	payload [64]byte
}

func TestChannelTieAlive(t *testing.T) {
	var calls []string
	ch := recordingChannel(&calls)
	owner := &tieOwner{}
	Tie(ch, owner)
	ch.SetRevents(EventRead)
	ch.HandleEvent(time.Now())
	assert.Equal(t, []string{"read"}, calls)
	runtime.KeepAlive(owner)
}

func TestChannelTieDropsEventsAfterOwnerIsGone(t *testing.T) {
	var calls []string
	ch := recordingChannel(&calls)
	func() {
		Tie(ch, &tieOwner{})
	}()
	require.Eventually(t, func() bool {
		runtime.GC()
		return ch.tie() == nil
	}, 5*time.Second, 10*time.Millisecond)

	ch.SetRevents(EventRead | EventWrite)
	ch.HandleEvent(time.Now())
	assert.Empty(t, calls)
}

func TestIOEventsString(t *testing.T) {
	assert.Equal(t, "NONE", EventNone.String())
	assert.Equal(t, "READ|WRITE", (EventRead | EventWrite).String())
	assert.Equal(t, "ERR|HUP", (EventError | EventHangup).String())
}

func TestChannelInterestMask(t *testing.T) {
	loop := newTestLoop(t, EventLoopConfig{})
	r, _ := newPipe(t)
	ch := NewChannel(loop, r)
	assert.True(t, ch.IsNoneEvent())

	ch.EnableReading()
	assert.True(t, ch.IsReading())
	assert.False(t, ch.IsWriting())
	assert.True(t, loop.HasChannel(ch))

	ch.EnableWriting()
	assert.Equal(t, EventRead|EventWrite, ch.Events())
	ch.DisableReading()
	assert.Equal(t, EventWrite, ch.Events())
	ch.DisableWriting()
	assert.True(t, ch.IsNoneEvent())

	ch.Remove()
	assert.False(t, loop.HasChannel(ch))
}
