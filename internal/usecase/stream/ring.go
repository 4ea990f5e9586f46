package stream

import "ansible-mcp/internal/domain"

// backlog keeps the most recent chunks, bounded both by count and by total
// bytes. It is not safe for concurrent use; the Multiplexer guards it.
type backlog struct {
	chunks   []domain.OutputChunk
	maxCount int
	maxBytes int
	size     int   // bytes currently held
	dropped  int64 // chunks evicted over the backlog's lifetime
}

func newBacklog(maxCount, maxBytes int) *backlog {
	return &backlog{
		chunks:   make([]domain.OutputChunk, 0, min(maxCount, 64)),
		maxCount: maxCount,
		maxBytes: maxBytes,
	}
}

// push appends c and trims the oldest entries past either bound. The newest
// chunk is always retained, even when it alone exceeds maxBytes.
func (b *backlog) push(c domain.OutputChunk) {
	b.chunks = append(b.chunks, c)
	b.size += len(c.Data)
	for len(b.chunks) > 1 && (len(b.chunks) > b.maxCount || (b.maxBytes > 0 && b.size > b.maxBytes)) {
		b.size -= len(b.chunks[0].Data)
		b.chunks[0] = domain.OutputChunk{}
		b.chunks = b.chunks[1:]
		b.dropped++
	}
}

// after returns the held chunks with Seq greater than seq, oldest first.
func (b *backlog) after(seq uint64) []domain.OutputChunk {
	i := 0
	for i < len(b.chunks) && b.chunks[i].Seq <= seq {
		i++
	}
	out := make([]domain.OutputChunk, len(b.chunks)-i)
	copy(out, b.chunks[i:])
	return out
}

// len returns the number of held chunks.
func (b *backlog) len() int { return len(b.chunks) }

// bytes returns the number of held bytes.
func (b *backlog) bytes() int { return b.size }
