package worker

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func collect(a *LineAssembler, chunks ...string) []string {
	var lines []string
	emit := func(line []byte) { lines = append(lines, string(line)) }
	for _, c := range chunks {
		a.Feed([]byte(c), emit)
	}
	return lines
}

func TestLineAssembler_SplitChunks(t *testing.T) {
	a := NewLineAssembler(0)

	lines := collect(a, `{"a":`, `1}`+"\n"+`{"b"`, `:2}`+"\n")

	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, lines)
	assert.Equal(t, 0, a.Pending())
}

func TestLineAssembler_MultipleLinesInOneChunk(t *testing.T) {
	a := NewLineAssembler(0)

	lines := collect(a, "one\ntwo\r\nthree\n")

	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestLineAssembler_FlushTrailingLine(t *testing.T) {
	a := NewLineAssembler(0)
	lines := collect(a, "first\nsecond")
	assert.Equal(t, []string{"first"}, lines)
	assert.Equal(t, len("second"), a.Pending())

	a.Flush(func(line []byte) { lines = append(lines, string(line)) })
	assert.Equal(t, []string{"first", "second"}, lines)
	assert.Equal(t, 0, a.Pending())
}

func TestLineAssembler_DropsOversizeLines(t *testing.T) {
	t.Run("buffered across chunks", func(t *testing.T) {
		a := NewLineAssembler(8)
		lines := collect(a, "ok\n", "0123456", "789abc", "def\nnext\n")

		assert.Equal(t, []string{"ok", "next"}, lines)
		assert.Equal(t, 1, a.Dropped)
	})

	t.Run("within a single chunk", func(t *testing.T) {
		a := NewLineAssembler(4)
		lines := collect(a, "toolong\nok\n")

		assert.Equal(t, []string{"ok"}, lines)
		assert.Equal(t, 1, a.Dropped)
	})

	t.Run("oversize trailing line is not flushed", func(t *testing.T) {
		a := NewLineAssembler(4)
		lines := collect(a, "abcdefgh")
		a.Flush(func(line []byte) { lines = append(lines, string(line)) })

		assert.Empty(t, lines)
		assert.Equal(t, 1, a.Dropped)
	})
}

// TestLineAssemblerChunkingProperty verifies that the way output is split
// into chunks never changes the lines produced.
func TestLineAssemblerChunkingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("lines are independent of chunk boundaries", prop.ForAll(
		func(lines []string, cut int) bool {
			input := strings.Join(lines, "\n") + "\n"
			if cut > len(input) {
				cut = len(input)
			}

			whole := collect(NewLineAssembler(0), input)
			split := collect(NewLineAssembler(0), input[:cut], input[cut:])

			if len(whole) != len(lines) || len(split) != len(lines) {
				return false
			}
			for i := range lines {
				if whole[i] != lines[i] || split[i] != lines[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, gen.AlphaString()),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}
