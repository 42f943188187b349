package domain

import (
	"context"
	"strings"
)

// SendEvent delivers ev unless ctx ends first. Producers stop when it
// returns false.
func SendEvent(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// StreamResult is a drained stream.
type StreamResult struct {
	Content  string
	Usage    *Usage
	Err      error
	Terminal int
}

// CollectStream drains events until the channel closes.
func CollectStream(events <-chan StreamEvent) StreamResult {
	var (
		b      strings.Builder
		result StreamResult
	)
	for ev := range events {
		switch ev.Kind {
		case EventToken:
			b.WriteString(ev.Token)
		case EventDone:
			result.Usage = ev.Usage
			result.Terminal++
		case EventError:
			result.Err = ev.Err
			result.Terminal++
		}
	}
	result.Content = b.String()
	return result
}
