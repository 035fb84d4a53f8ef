package fixtures

import (
	"context"
	"io"

	"github.com/terraskye/escore"
)

// FailAfterNIterator returns an iterator that yields the first n envelopes,
// then fails with err.
func FailAfterNIterator(envelopes []*escore.Envelope, n int, err error) *escore.Iterator[*escore.Envelope] {
	idx := 0
	return escore.NewIteratorFunc(func(ctx context.Context) (*escore.Envelope, error) {
		if idx >= n {
			return nil, err
		}
		if idx >= len(envelopes) {
			return nil, io.EOF
		}
		env := envelopes[idx]
		idx++
		return env, nil
	})
}
