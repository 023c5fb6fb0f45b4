package daemon

import "sync"

// MaxScrollbackBytes caps each session's retained output history.
const MaxScrollbackBytes = 5 * 1024 * 1024

// incompleteUTF8Tail returns the number of trailing bytes that form an
// incomplete multi-byte UTF-8 sequence. The caller should hold these bytes
// back until more data arrives to complete the character.
func incompleteUTF8Tail(data []byte) int {
	n := len(data)
	if n == 0 || data[n-1] < 0x80 {
		return 0 // ASCII or empty, all complete
	}
	// Scan backwards (up to 3 bytes) to find the start of the last
	// multi-byte sequence. A UTF-8 start byte has the pattern 11xxxxxx;
	// continuation bytes have the pattern 10xxxxxx.
	for i := 0; i < 4 && i < n; i++ {
		b := data[n-1-i]
		if b&0xC0 != 0x80 {
			// Found a start byte. Determine expected sequence length.
			var seqLen int
			switch {
			case b&0xE0 == 0xC0:
				seqLen = 2
			case b&0xF0 == 0xE0:
				seqLen = 3
			case b&0xF8 == 0xF0:
				seqLen = 4
			default:
				return 0 // Not a valid start byte, send as-is
			}
			have := i + 1
			if have < seqLen {
				return have // Incomplete, hold back these bytes
			}
			return 0 // Complete sequence
		}
	}
	// 4+ continuation bytes in a row means invalid UTF-8, send as-is
	return 0
}

// skipLeadingContinuationBytes skips orphaned UTF-8 continuation bytes
// (10xxxxxx) at the start of data. These occur when eviction cuts into
// the middle of a multi-byte character.
func skipLeadingContinuationBytes(data []byte) []byte {
	i := 0
	for i < len(data) && i < 4 && data[i]&0xC0 == 0x80 {
		i++
	}
	return data[i:]
}

// Scrollback retains a session's output as an ordered sequence of chunks
// bounded by total byte count. When the cap is exceeded, whole chunks are
// dropped from the head, oldest first.
type Scrollback struct {
	mu     sync.Mutex
	chunks [][]byte
	total  int
	max    int
}

func NewScrollback(max int) *Scrollback {
	if max <= 0 {
		max = MaxScrollbackBytes
	}
	return &Scrollback{max: max}
}

// Append stores a copy of data and evicts head chunks until the byte
// total is back under the cap.
func (s *Scrollback) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk := make([]byte, len(data))
	copy(chunk, data)
	s.chunks = append(s.chunks, chunk)
	s.total += len(chunk)

	for s.total > s.max {
		if len(s.chunks) == 1 {
			// A single chunk larger than the cap: keep its tail.
			c := s.chunks[0]
			cut := s.total - s.max
			s.chunks[0] = c[cut:]
			s.total = s.max
			break
		}
		s.total -= len(s.chunks[0])
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
	}
}

// Bytes returns the retained history, oldest first, as one slice the
// caller owns. If eviction cut into a multi-byte UTF-8 character the
// orphaned continuation bytes at the head are skipped.
func (s *Scrollback) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, 0, s.total)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return skipLeadingContinuationBytes(out)
}

// Len reports the retained byte count.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
