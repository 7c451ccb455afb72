package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderDecoderBlock(t *testing.T) {
	d := NewHeaderDecoder()
	lines := []string{
		"Subject: A quick test",
		"From: tester <t@example.com>",
		"X-Long: first",
		"\tsecond folded piece",
		"Newsgroups: alt.test",
	}
	require.True(t, d.Detect([]byte(lines[0])))
	for _, l := range lines {
		require.Equal(t, StepContinue, d.Decode([]byte(l)).Kind)
	}
	step := d.Decode([]byte(""))
	require.Equal(t, StepDone, step.Kind)

	hdr := step.Header
	assert.Equal(t, "A quick test", hdr.Get("Subject"))
	assert.Equal(t, "tester <t@example.com>", hdr.Get("From"))
	assert.Equal(t, "first second folded piece", hdr.Get("X-Long"))
	assert.Equal(t, 4, hdr.Len())

	// one block per response
	assert.False(t, d.Detect([]byte("Subject: again")))
}

func TestHeaderSetReplacesAllValues(t *testing.T) {
	h := NewHeader()
	h.Add("X-Trace", "one")
	h.Add("X-Trace", "two")
	require.Equal(t, []string{"one", "two"}, h.Values("X-Trace"))

	h.Set("X-Trace", "only")
	assert.Equal(t, []string{"only"}, h.Values("X-Trace"))
	assert.Equal(t, 1, h.Len())
}

func TestHeaderCloneIsIndependent(t *testing.T) {
	h := NewHeader()
	h.Set("Subject", "original")
	c := h.Clone()
	c.Set("Subject", "changed")
	assert.Equal(t, "original", h.Get("Subject"))
	assert.Equal(t, "changed", c.Get("Subject"))
}
