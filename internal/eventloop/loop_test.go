package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPanics struct{ n atomic.Int32 }

func (c *countingPanics) Inc() { c.n.Add(1) }

func startLoop(t *testing.T, opts ...Option) *Loop {
	t.Helper()
	l := New(nil, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoopOrder(t *testing.T) {
	l := startLoop(t)

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { order = append(order, i) })
	}

	var got []int
	require.NoError(t, l.Call(context.Background(), func() { got = append(got, order...) }))
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopCall(t *testing.T) {
	t.Run("已取消的上下文不执行任务", func(t *testing.T) {
		l := startLoop(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		ran := false
		err := l.Call(ctx, func() { ran = true })

		assert.ErrorIs(t, err, context.Canceled)
		// 等待队列清空后确认任务被跳过
		require.NoError(t, l.Call(context.Background(), func() {}))
		assert.False(t, ran)
	})

	t.Run("循环停止后返回ErrStopped", func(t *testing.T) {
		l := New(nil)
		ctx, cancel := context.WithCancel(context.Background())
		go func() { _ = l.Run(ctx) }()
		cancel()
		<-l.Done()

		err := l.Call(context.Background(), func() {})
		assert.ErrorIs(t, err, ErrStopped)
	})

	t.Run("任务panic不影响后续任务", func(t *testing.T) {
		counter := &countingPanics{}
		l := startLoop(t, WithPanicCounter(counter))

		l.Post(func() { panic("boom") })

		ran := false
		require.NoError(t, l.Call(context.Background(), func() { ran = true }))
		assert.True(t, ran)
		assert.Equal(t, int32(1), counter.n.Load())
	})
}

func TestLoopTimer(t *testing.T) {
	t.Run("到期后在循环中执行", func(t *testing.T) {
		l := startLoop(t)
		fired := make(chan struct{})

		l.AfterFunc(10*time.Millisecond, func() { close(fired) })

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("timer did not fire")
		}
	})

	t.Run("取消后不执行", func(t *testing.T) {
		l := startLoop(t)
		var fired atomic.Bool

		timer := l.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
		assert.True(t, timer.Stop())
		assert.False(t, timer.Stop())

		time.Sleep(60 * time.Millisecond)
		require.NoError(t, l.Call(context.Background(), func() {}))
		assert.False(t, fired.Load())
	})

	t.Run("回调已入队时取消仍然生效", func(t *testing.T) {
		l := startLoop(t)
		var fired atomic.Bool
		block := make(chan struct{})

		// 占住循环，让定时器回调进入队列
		l.Post(func() { <-block })
		timer := l.AfterFunc(time.Millisecond, func() { fired.Store(true) })
		time.Sleep(30 * time.Millisecond)
		timer.Stop()
		close(block)

		require.NoError(t, l.Call(context.Background(), func() {}))
		assert.False(t, fired.Load())
	})
}
