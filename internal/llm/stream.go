package llm

import (
	"context"
	"io"
	"sync"
)

// chunkStream adapts a producer goroutine to the Stream interface.
type chunkStream struct {
	chunks    chan Chunk
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// newChunkStream runs produce on its own goroutine. A non-nil error returned by
// produce is delivered as a final ChunkError. Close cancels the producer.
func newChunkStream(ctx context.Context, produce func(ctx context.Context, out chan<- Chunk) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &chunkStream{
		chunks: make(chan Chunk, 16),
		cancel: cancel,
	}
	go func() {
		defer close(s.chunks)
		if err := produce(ctx, s.chunks); err != nil {
			select {
			case s.chunks <- ErrorChunk(err):
			case <-ctx.Done():
			}
		}
	}()
	return s
}

func (s *chunkStream) Recv() (Chunk, error) {
	chunk, ok := <-s.chunks
	if !ok {
		return Chunk{}, io.EOF
	}
	return chunk, nil
}

func (s *chunkStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

// send delivers a chunk unless ctx is cancelled first.
func send(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// sliceStream replays a fixed list of chunks.
type sliceStream struct {
	chunks []Chunk
	index  int
}

// NewSliceStream returns a Stream that yields chunks in order, then io.EOF.
func NewSliceStream(chunks ...Chunk) Stream {
	return &sliceStream{chunks: chunks}
}

func (s *sliceStream) Recv() (Chunk, error) {
	if s.index >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	chunk := s.chunks[s.index]
	s.index++
	return chunk, nil
}

func (s *sliceStream) Close() error {
	return nil
}
