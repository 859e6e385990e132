package engine

import (
	"strconv"
	"strings"

	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

// DefaultArgs re-streams the source file without transcoding.
var DefaultArgs = []string{
	"-hide_banner", "-loglevel", "warning",
	"-re", "{loop}", "-i", "{input}",
	"{duration}",
	"-c", "copy", "-f", "flv", "{output}",
}

// BuildArgs expands the argument template for rec.
//
//	{input}    source path
//	{output}   rtmp url joined with the stream key
//	{loop}     "-stream_loop -1" when the stream loops, dropped otherwise
//	{duration} "-t <seconds>" when a duration is known, dropped otherwise
//
// Placeholders are replaced per argument, no shell is involved.
func BuildArgs(tmpl []string, rec stream.Record) []string {
	out := make([]string, 0, len(tmpl)+2)
	for _, a := range tmpl {
		switch a {
		case "{loop}":
			if rec.Loop {
				out = append(out, "-stream_loop", "-1")
			}
			continue
		case "{duration}":
			if d, ok := stream.ResolveDuration(rec); ok {
				out = append(out, "-t", strconv.Itoa(int(d.Seconds())))
			}
			continue
		}
		a = strings.ReplaceAll(a, "{input}", rec.SourcePath)
		a = strings.ReplaceAll(a, "{output}", Output(rec))
		out = append(out, a)
	}
	return out
}

// Output is the publish url for rec.
func Output(rec stream.Record) string {
	if rec.StreamKey == "" {
		return rec.RTMPURL
	}
	return strings.TrimRight(rec.RTMPURL, "/") + "/" + rec.StreamKey
}
