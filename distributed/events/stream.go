package events

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrStreamClosed 向已关闭的流发送事件
var ErrStreamClosed = errors.New("events: stream closed")

// Stream 团队事件流。Recv 在流关闭且缓冲耗尽后返回 io.EOF。
type Stream interface {
	Recv(ctx context.Context) (TeamEvent, error)
	Close() error
}

// ChannelStream 基于 channel 的可取消事件流。
// Close 先阻止新的发送，再等待进行中的发送完成后关闭 channel，
// 已缓冲的事件仍可被 Recv 读出。
type ChannelStream struct {
	ch        chan TeamEvent
	closing   chan struct{}
	mu        sync.RWMutex
	closeOnce sync.Once
}

// NewChannelStream 创建事件流
func NewChannelStream(buffer int) *ChannelStream {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelStream{
		ch:      make(chan TeamEvent, buffer),
		closing: make(chan struct{}),
	}
}

// Send 发送事件；流关闭后返回 ErrStreamClosed
func (s *ChannelStream) Send(ctx context.Context, ev TeamEvent) error {
	select {
	case <-s.closing:
		return ErrStreamClosed
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.closing:
		return ErrStreamClosed
	default:
	}

	select {
	case s.ch <- ev:
		return nil
	case <-s.closing:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv implements Stream.
func (s *ChannelStream) Recv(ctx context.Context) (TeamEvent, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return TeamEvent{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return TeamEvent{}, ctx.Err()
	}
}

// Close implements Stream. 可重复调用。
func (s *ChannelStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}
