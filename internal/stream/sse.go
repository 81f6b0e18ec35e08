// Package stream implements the proxy's four independent SSE rewriting
// concerns: framing, Anthropic model/thinking rewriting, the Google Cloud
// Code Assist envelope, and the Codex Responses-API<->Chat-Completions
// transcoder. Framing uses a line-based scanner over an io.Pipe; the other
// three stages favor gjson/sjson path operations over hand-written
// map[string]any traversal, since they walk nested dot paths a handful of
// ad hoc helpers wouldn't generalize to.
package stream

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Chunk is one parsed SSE record. Data holds every "data:" line of the
// record joined with "\n", matching the multi-line-data-field rule.
type Chunk struct {
	Event string
	ID    string
	Retry string
	Data  string
}

// ParseChunks splits raw into records separated by a blank line, scanning
// the full SSE field set ({event,id,retry,data}) rather than just "data:".
func ParseChunks(raw string) []Chunk {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	records := strings.Split(raw, "\n\n")
	out := make([]Chunk, 0, len(records))
	for _, rec := range records {
		if strings.TrimSpace(rec) == "" {
			continue
		}
		c, ok := parseRecord(rec)
		if ok {
			out = append(out, c)
		}
	}
	return out
}

func parseRecord(rec string) (Chunk, bool) {
	var c Chunk
	var dataLines []string
	any := false
	for _, line := range strings.Split(rec, "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			c.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			any = true
		case strings.HasPrefix(line, "id:"):
			c.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			any = true
		case strings.HasPrefix(line, "retry:"):
			c.Retry = strings.TrimSpace(strings.TrimPrefix(line, "retry:"))
			any = true
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			any = true
		}
	}
	if len(dataLines) > 0 {
		c.Data = strings.Join(dataLines, "\n")
	}
	return c, any
}

// Encode re-serializes a Chunk symmetrically with ParseChunks: event/id/retry
// headers first, then one "data: " line per line of Data, terminated by a
// blank line.
func Encode(c Chunk) string {
	var b strings.Builder
	if c.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", c.Event)
	}
	if c.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", c.ID)
	}
	if c.Retry != "" {
		fmt.Fprintf(&b, "retry: %s\n", c.Retry)
	}
	for _, line := range strings.Split(c.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return b.String()
}

// Rewriter transforms one data payload string, returning the string to
// forward (unchanged if rewriting does not apply) and false if the record
// should be dropped entirely (used by the CCA envelope's [DONE] suppression).
type Rewriter func(data string) (rewritten string, keep bool)

// Transform streams chunks of r through rw and writes the re-encoded result
// to an io.PipeWriter, returning the read side. It buffers only up to the
// last "\n\n" boundary, flushing complete records as they arrive and
// attempting a final parse of any tail left when the input ends.
func Transform(r io.Reader, rw Rewriter) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()

		reader := bufio.NewReaderSize(r, 64*1024)
		var buf strings.Builder

		flush := func(final bool) {
			content := buf.String()
			boundary := strings.LastIndex(content, "\n\n")
			if boundary < 0 {
				if !final {
					return
				}
				boundary = len(content)
			} else {
				boundary += 2
			}
			ready, rest := content[:boundary], content[boundary:]
			buf.Reset()
			buf.WriteString(rest)

			for _, c := range ParseChunks(ready) {
				data, keep := rw(c.Data)
				if !keep {
					continue
				}
				c.Data = data
				if _, err := io.WriteString(pw, Encode(c)); err != nil {
					return
				}
			}
		}

		chunk := make([]byte, 32*1024)
		for {
			n, err := reader.Read(chunk)
			if n > 0 {
				buf.Write(toValidUTF8(chunk[:n]))
				flush(false)
			}
			if err != nil {
				flush(true)
				return
			}
		}
	}()

	return pr
}

// toValidUTF8 replaces invalid byte sequences, matching the "decode UTF-8
// with replacement" requirement for the streaming transformer.
func toValidUTF8(b []byte) []byte {
	if utf8.Valid(b) {
		return b
	}
	return []byte(strings.ToValidUTF8(string(b), "�"))
}
