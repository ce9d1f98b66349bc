package errors

import (
	"bytes"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type stubCloser struct {
	err    error
	closed bool
}

func (s *stubCloser) Close() error {
	s.closed = true
	return s.err
}

func TestDeferClose(t *testing.T) {
	tests := []struct {
		name       string
		closer     io.Closer
		wantLogged bool
	}{
		{name: "nil closer", closer: nil},
		{name: "clean close", closer: &stubCloser{}},
		{name: "failing close", closer: &stubCloser{err: New("boom")}, wantLogged: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			DeferClose(zerolog.New(&buf), tt.closer, "close sink")

			if sc, ok := tt.closer.(*stubCloser); ok {
				assert.True(t, sc.closed)
			}
			assert.Equal(t, tt.wantLogged, buf.Len() > 0)
		})
	}
}

func TestDeferRollbackNil(t *testing.T) {
	var buf bytes.Buffer
	DeferRollback(zerolog.New(&buf), nil)
	assert.Zero(t, buf.Len())
}
