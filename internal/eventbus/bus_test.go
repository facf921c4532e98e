package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitFansOutToAllSubscribers(t *testing.T) {
	b := New[int]()
	var got []int
	b.Subscribe(func(v int) { got = append(got, v*10) })
	b.Subscribe(func(v int) { got = append(got, v*100) })

	b.Emit(3)

	require.ElementsMatch(t, []int{30, 300}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New[string]()
	calls := 0
	sub := b.Subscribe(func(string) { calls++ })
	b.Emit("a")
	b.Unsubscribe(sub)
	b.Emit("b")

	require.Equal(t, 1, calls)
}

func TestHandlerPanicDoesNotBlockOtherSubscribers(t *testing.T) {
	b := New[int]()
	secondRan := false
	b.Subscribe(func(int) { panic("boom") })
	b.Subscribe(func(int) { secondRan = true })

	require.NotPanics(t, func() { b.Emit(1) })
	require.True(t, secondRan)
}

func TestClearRemovesAllSubscribers(t *testing.T) {
	b := New[int]()
	calls := 0
	b.Subscribe(func(int) { calls++ })
	b.Clear()
	b.Emit(1)

	require.Equal(t, 0, calls)
}
