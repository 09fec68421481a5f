// Package stdio relays worker messages as newline-delimited JSON over a pair
// of streams, for hosts that spawn the bridge as a subprocess.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxLineSize = 16 << 20

// Handler consumes one raw host message.
type Handler interface {
	Handle(ctx context.Context, raw []byte) error
}

// Encoder writes one JSON document per line. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Emit writes msg followed by a newline.
func (e *Encoder) Emit(msg any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(msg); err != nil {
		return errors.Wrap(err, "stdio: encode message")
	}
	return nil
}

// Relay feeds host lines into a handler.
type Relay struct {
	in     io.Reader
	logger zerolog.Logger
}

func NewRelay(in io.Reader) *Relay {
	return &Relay{in: in, logger: log.With().Str("component", "stdio").Logger()}
}

// Run reads lines until EOF or ctx is cancelled. Handler errors are logged and
// do not stop the relay; blank lines are skipped.
func (r *Relay) Run(ctx context.Context, h Handler) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		sc.Buffer(make([]byte, 64*1024), maxLineSize)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return errors.Wrap(err, "stdio: read input")
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			if err := h.Handle(ctx, line); err != nil {
				r.logger.Warn().Err(err).Msg("host message failed")
			}
		}
	}
}
