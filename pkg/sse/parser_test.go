package sse

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_Feed(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{
			name:   "single frame",
			chunks: []string{"data: {\"kref\":\"kref://p/s/i\",\"cursor\":\"c1\"}\n\n"},
			want:   []string{`{"kref":"kref://p/s/i","cursor":"c1"}`},
		},
		{
			name:   "multiple data lines joined with newline",
			chunks: []string{"data: a\ndata: b\ndata:c\n\n"},
			want:   []string{"a\nb\nc"},
		},
		{
			name:   "only one leading space stripped",
			chunks: []string{"data:  indented\n\n"},
			want:   []string{" indented"},
		},
		{
			name:   "CRLF line endings",
			chunks: []string{"data: x\r\n\r\ndata: y\r\n\r\n"},
			want:   []string{"x", "y"},
		},
		{
			name:   "CRLF split across chunks",
			chunks: []string{"data: x\r", "\n\r", "\n"},
			want:   []string{"x"},
		},
		{
			name:   "frames without data are dropped",
			chunks: []string{": keepalive\n\nevent: ping\nid: 4\nretry: 100\n\ndata: kept\n\n"},
			want:   []string{"kept"},
		},
		{
			name:   "empty data is dropped",
			chunks: []string{"data:\n\ndata: \n\n"},
			want:   nil,
		},
		{
			name:   "prefix split inside token",
			chunks: []string{"da", "ta", ": hello", "\n", "\n"},
			want:   []string{"hello"},
		},
		{
			name:   "partial frame stays buffered",
			chunks: []string{"data: one\n\ndata: tw"},
			want:   []string{"one"},
		},
		{
			name:   "multibyte rune split across chunks",
			chunks: []string{"data: caf\xc3", "\xa9\n\n"},
			want:   []string{"café"},
		},
		{
			name:   "invalid utf8 replaced",
			chunks: []string{"data: bad\xff\n\n"},
			want:   []string{"bad\uFFFD"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			var got []string
			for _, c := range tt.chunks {
				got = append(got, p.Feed([]byte(c))...)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParser_BufferedAndReset(t *testing.T) {
	p := NewParser()
	assert.Empty(t, p.Feed([]byte("data: partial")))
	assert.Equal(t, len("data: partial"), p.Buffered())

	p.Reset()
	assert.Zero(t, p.Buffered())
	assert.Empty(t, p.Feed([]byte("\n\n")))
}

// chunkedReader returns one chunk per Read call.
type chunkedReader struct {
	chunks []string
}

func (r *chunkedReader) Read(b []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(b, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestRead(t *testing.T) {
	r := &chunkedReader{chunks: []string{"data: a\n", "\ndata: b\n\ndata: trailing"}}

	var got []string
	err := Read(context.Background(), r, func(payload string) error {
		got = append(got, payload)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got, "partial frame at EOF is discarded")
}

func TestRead_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	r := strings.NewReader("data: a\n\ndata: b\n\n")

	var got []string
	err := Read(context.Background(), r, func(payload string) error {
		got = append(got, payload)
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"a"}, got)
}

func TestRead_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Read(ctx, strings.NewReader("data: a\n\n"), func(string) error {
		t.Fatal("no payload expected after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRead_ReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("data: a\n\n"), errReader{boom})

	var got []string
	err := Read(context.Background(), r, func(p string) error {
		got = append(got, p)
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, got)
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func TestParser_SplitInvarianceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	stream := "id: 1\r\ndata: {\"kref\":\"kref://p/s/i\",\r\ndata: \"cursor\":\"c1\"}\r\n\r\n" +
		": comment\n\n" +
		"data: second\n\n"
	want := []string{"{\"kref\":\"kref://p/s/i\",\n\"cursor\":\"c1\"}", "second"}

	properties.Property("payloads do not depend on chunk boundaries", prop.ForAll(
		func(cuts []int) bool {
			p := NewParser()
			var got []string
			prev := 0
			for _, c := range normalizeCuts(cuts, len(stream)) {
				got = append(got, p.Feed([]byte(stream[prev:c]))...)
				prev = c
			}
			got = append(got, p.Feed([]byte(stream[prev:]))...)
			if len(got) != len(want) {
				return false
			}
			for i := range want {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(stream))),
	))

	properties.TestingRun(t)
}

// normalizeCuts sorts cut points and drops duplicates.
func normalizeCuts(cuts []int, max int) []int {
	seen := make(map[int]bool, len(cuts))
	var out []int
	for _, c := range cuts {
		if c <= 0 || c >= max || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}
