package env

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

func TestMergeLayersAndExpand(t *testing.T) {
	base := []string{"HOME=/home/live", "LANG=C", "=broken", "NOEQUALS"}
	global := []string{"LANG=en_US.UTF-8", "CACHE=${HOME}/.cache"}
	perStream := []string{"LOG=${CACHE}/${OZANGLIVE_STREAM_ID}.log"}

	out := Merge(base, global, Stream(stream.Record{ID: "s1", UserID: "u1", Title: "Morning"}), perStream)
	assert.Equal(t, []string{
		"CACHE=/home/live/.cache",
		"HOME=/home/live",
		"LANG=en_US.UTF-8",
		// one pass: CACHE is substituted unexpanded
		"LOG=${HOME}/.cache/s1.log",
		"OZANGLIVE_STREAM_ID=s1",
		"OZANGLIVE_STREAM_TITLE=Morning",
		"OZANGLIVE_USER_ID=u1",
	}, out)
}

func TestMergeKeepsUnknownReferences(t *testing.T) {
	out := Merge(nil, []string{"A=${MISSING}-x", "B=pa$$word"})
	assert.Equal(t, []string{"A=${MISSING}-x", "B=pa$$word"}, out)
}
