package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// maxLineSize bounds a single stream-json line. Tool results that embed
// whole files can be large.
const maxLineSize = 4 << 20

// Decode reads newline-delimited JSON events from r. A final line that is cut
// off before it parses yields ErrIncompleteEvent. Complete lines that are not
// JSON objects are passed through as {"type":"raw","raw":...}.
func Decode(ctx context.Context, r io.Reader) iter.Seq2[RawEvent, error] {
	return func(yield func(RawEvent, error) bool) {
		br := bufio.NewReaderSize(r, 64*1024)
		for {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}

			line, err := readLine(br)
			terminated := err == nil
			if err != nil && !errors.Is(err, io.EOF) {
				yield(nil, fmt.Errorf("read agent stream: %w", err))
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				var ev RawEvent
				if jsonErr := json.Unmarshal(line, &ev); jsonErr != nil || ev == nil {
					if !terminated {
						yield(nil, fmt.Errorf("%w: %d trailing bytes", ErrIncompleteEvent, len(line)))
						return
					}
					ev = RawEvent{"type": "raw", "raw": string(line)}
				}
				if !yield(ev, nil) {
					return
				}
			}

			if !terminated {
				return
			}
		}
	}
}

func readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineSize {
			return nil, fmt.Errorf("line exceeds %d bytes", maxLineSize)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, err
	}
}
