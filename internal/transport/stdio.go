// Package transport exposes a Dispatcher over newline-framed JSON lines,
// either on stdio (primary, grounded on original_source's
// mcp/mcp_server.py _run_server loop) or over a WebSocket (secondary,
// spec.md §6.1's "optional local listener for non-stdio hosts").
package transport

import (
	"bufio"
	"context"
	"io"
	"log"
	"strings"

	"github.com/mindfulent/memoryengine/internal/dispatcher"
)

// Stdio reads newline-framed JSON requests from r and writes
// newline-framed JSON responses to w, one line per request, until r is
// exhausted or ctx is canceled. Blank lines are skipped, matching
// original_source's stdin loop.
func Stdio(ctx context.Context, d *dispatcher.Dispatcher, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		response := d.Dispatch(ctx, line)
		if _, err := io.WriteString(w, response+"\n"); err != nil {
			log.Printf("[TRANSPORT] failed to write response: %v", err)
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[TRANSPORT] stdin read error: %v", err)
		return err
	}
	return nil
}
