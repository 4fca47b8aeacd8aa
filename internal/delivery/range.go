package delivery

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultMaxChunk caps the number of bytes returned by a single response.
const DefaultMaxChunk int64 = 20 << 20

// Window is the resolved byte span for one response. Start and End are
// inclusive offsets into a resource of Total bytes.
type Window struct {
	Start       int64
	End         int64
	Total       int64
	Satisfiable bool
}

// Length is the number of bytes the window covers, zero when unsatisfiable.
func (w Window) Length() int64 {
	if !w.Satisfiable {
		return 0
	}
	return w.End - w.Start + 1
}

// ContentRange renders the Content-Range header value for the window.
func (w Window) ContentRange() string {
	if !w.Satisfiable {
		return fmt.Sprintf("bytes */%d", w.Total)
	}
	return fmt.Sprintf("bytes %d-%d/%d", w.Start, w.End, w.Total)
}

// Resolve turns a Range header into a window over total bytes. Requests
// without a usable "bytes=" header start at zero. An unparsable or negative
// start becomes zero and an absent or unparsable end runs to the last byte.
// The window never exceeds maxChunk bytes; a non-positive maxChunk selects
// DefaultMaxChunk.
func Resolve(header string, total, maxChunk int64) Window {
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunk
	}

	start := int64(0)
	end := total - 1
	if value, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes="); ok {
		startPart, endPart, _ := strings.Cut(value, "-")
		if v, err := strconv.ParseInt(strings.TrimSpace(startPart), 10, 64); err == nil && v >= 0 {
			start = v
		}
		if v, err := strconv.ParseInt(strings.TrimSpace(endPart), 10, 64); err == nil {
			end = v
		}
	}

	if limit := start + maxChunk - 1; limit >= start && limit < end {
		end = limit
	}
	if end > total-1 {
		end = total - 1
	}

	return Window{
		Start:       start,
		End:         end,
		Total:       total,
		Satisfiable: !(start >= total || end >= total || start > end),
	}
}
