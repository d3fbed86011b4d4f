package featurestore

import (
	"errors"
	"io"
)

var errStreamDone = errors.New("feature stream exhausted")

// Stream is a finite lazy sequence of records produced by a query. Records
// are decoded one at a time as Next is called; a stream is consumed exactly
// once and a fresh one is obtained per query.
type Stream struct {
	r       *Reader
	matches []int
	pos     int
}

// Len returns the total number of records the stream will yield.
func (s *Stream) Len() int { return len(s.matches) }

// Next returns the next matching record, or io.EOF when the stream is
// exhausted.
func (s *Stream) Next() (*Record, error) {
	_, rec, err := s.next()
	if errors.Is(err, errStreamDone) {
		return nil, io.EOF
	}
	return rec, err
}

func (s *Stream) next() (int, *Record, error) {
	if s.pos >= len(s.matches) {
		return 0, nil, errStreamDone
	}
	i := s.matches[s.pos]
	s.pos++
	rec, err := s.r.Record(i)
	if err != nil {
		return 0, nil, err
	}
	return i, rec, nil
}
