package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ashita-ai/console/internal/model"
)

// maxChunkLine bounds one NDJSON line of the chat stream.
const maxChunkLine = 1 << 20

// ChatRequest opens one assistant turn.
type ChatRequest struct {
	// Text is the operator's message. Empty requests commentary with no
	// new user input.
	Text string `json:"text,omitempty"`
	// Context is an optional hint for commentary turns (e.g. "run_completed").
	Context map[string]any `json:"context,omitempty"`
}

// Chat opens the streaming chat endpoint for a project. The returned
// ChunkReader must be closed.
func (c *Client) Chat(ctx context.Context, projectID string, req ChatRequest) (*ChunkReader, error) {
	resp, err := c.send(ctx, c.streamHTTP, http.MethodPost, "/v1/projects/"+url.PathEscape(projectID)+"/chat", req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxChunkLine))
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChunkLine)
	return &ChunkReader{body: resp.Body, scanner: scanner}, nil
}

// ChunkReader decodes a newline-delimited JSON chunk stream.
type ChunkReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
}

// Next returns the next chunk. It returns io.EOF at the clean end of the
// stream and an error for a server error chunk or a broken connection.
func (r *ChunkReader) Next(ctx context.Context) (model.Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.Chunk{}, err
		}
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return model.Chunk{}, fmt.Errorf("backend: read chat stream: %w", err)
			}
			return model.Chunk{}, io.EOF
		}
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		var chunk model.Chunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return model.Chunk{}, fmt.Errorf("backend: decode chat chunk: %w", err)
		}
		if chunk.Type == model.ChunkError {
			msg := chunk.Error
			if msg == "" {
				msg = "stream failed"
			}
			return model.Chunk{}, errors.New(msg)
		}
		return chunk, nil
	}
}

// Close releases the underlying connection. Safe to call more than once.
func (r *ChunkReader) Close() error {
	var err error
	r.closeOnce.Do(func() { err = r.body.Close() })
	return err
}
