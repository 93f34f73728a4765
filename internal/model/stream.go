package model

import (
	"context"
	"io"

	"github.com/calliope-chat/calliope/internal/chat"
)

// stream is the pull side of one generation segment. A single producer
// goroutine (plus Genkit's streaming callback running inside it) sends
// deltas; Next pulls them. Closing cancels the producer, which unblocks any
// pending send, so no goroutine outlives the segment.
type stream struct {
	deltas chan chat.Delta
	errc   chan error
	cancel context.CancelFunc
}

var _ chat.ModelStream = (*stream)(nil)

// send delivers one delta unless the segment is cancelled.
func (s *stream) send(ctx context.Context, d chat.Delta) error {
	select {
	case s.deltas <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next implements chat.ModelStream.
func (s *stream) Next(ctx context.Context) (*chat.Delta, error) {
	select {
	case d, ok := <-s.deltas:
		if !ok {
			// Producer finished; surface its error if it had one. A closed
			// channel with no error means Next was called past DeltaDone.
			select {
			case err := <-s.errc:
				return nil, err
			default:
				return nil, io.EOF
			}
		}
		return &d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements chat.ModelStream.
func (s *stream) Close() error {
	s.cancel()
	return nil
}
