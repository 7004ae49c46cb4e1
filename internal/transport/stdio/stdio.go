// Package stdio exposes the pipeline to a single local agent process over
// its own stdin/stdout, length-prefixed so a reader never has to guess
// where one JSON message ends and the next begins. It authenticates the
// whole session with one capability token read from the environment
// rather than a per-message bearer header, since a stdio peer is already
// a single trusted process by construction.
package stdio

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/cori-do/cori/internal/pipeline"
)

// maxFrameSize bounds a single incoming message, mirroring the HTTP
// transport's 1MB body cap so neither transport lets an agent exhaust
// memory with an oversized frame.
const maxFrameSize = 1 << 20

// request is one frame's JSON payload.
type request struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
	DryRun    bool           `json:"dry_run,omitempty"`
}

type response struct {
	Rows         []map[string]any `json:"rows,omitempty"`
	RowsAffected int64             `json:"rows_affected"`
	Outcome      string            `json:"outcome"`
	Error        *errorPayload     `json:"error,omitempty"`
}

type errorPayload struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// Server serves one token-authenticated principal's requests over a
// length-framed stdin/stdout byte stream until the reader hits EOF or ctx
// is cancelled. Cancellation is checked between frames, so a Serve blocked
// waiting for the next frame returns only once that read completes.
type Server struct {
	Pipeline *pipeline.Pipeline
	Token    string // the single principal's capability token, e.g. from CORI_TOKEN
}

// Serve reads length-prefixed request frames from r and writes
// length-prefixed response frames to w, one per request, in order. It
// returns nil on clean EOF.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := readFrame(reader)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stdio: read frame: %w", err)
		}

		resp := s.handle(ctx, payload)

		out, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("stdio: marshal response: %w", err)
		}
		if err := writeFrame(w, out); err != nil {
			return fmt.Errorf("stdio: write frame: %w", err)
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) response {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return response{Error: &errorPayload{Kind: "bad_request", Message: "invalid request frame"}}
	}

	result, err := s.Pipeline.Run(ctx, pipeline.Request{
		RawToken:  s.Token,
		ToolName:  req.Tool,
		Arguments: req.Arguments,
		Limit:     req.Limit,
		Offset:    req.Offset,
		DryRun:    req.DryRun,
	})
	if err != nil {
		perr, ok := err.(*pipeline.Error)
		if !ok {
			log.Error().Err(err).Msg("stdio: pipeline returned an unclassified error")
			return response{Error: &errorPayload{Kind: string(pipeline.KindInternal), Message: err.Error()}}
		}
		var fields []string
		for _, v := range perr.Violations {
			fields = append(fields, v.Field)
		}
		return response{Error: &errorPayload{Kind: string(perr.Kind), Message: perr.Message, Fields: fields}}
	}

	return response{Rows: result.Rows, RowsAffected: result.RowsAffected, Outcome: string(result.Outcome)}
}

// readFrame reads a uint32 big-endian length prefix followed by that many
// bytes of JSON payload.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("stdio: frame of %d bytes exceeds %d byte limit", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes payload prefixed with its uint32 big-endian length.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
