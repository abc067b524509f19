package distributed

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	kindHello  = "hello"
	kindReduce = "reduce"
	kindResult = "result"
	kindError  = "error"
)

// maxFrameBytes bounds a single message; a gradient frame holds every
// parameter of the model.
const maxFrameBytes = 1 << 30

// frame is the wire message between rank 0 and a peer.
type frame struct {
	Kind   string    `msgpack:"k"`
	Group  string    `msgpack:"g,omitempty"`
	Rank   int       `msgpack:"r"`
	Seq    uint64    `msgpack:"s"`
	Name   string    `msgpack:"n,omitempty"`
	Values []float64 `msgpack:"v,omitempty"`
	Err    string    `msgpack:"e,omitempty"`
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f *frame) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageBinary, data)
}

func readFrame(ctx context.Context, conn *websocket.Conn) (*frame, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected %v message", typ)
	}
	var f frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// checkTag compares a received frame with the collective the local rank is
// running.
func checkTag(f *frame, seq uint64, name string, size int) error {
	if f.Kind == kindError {
		return fmt.Errorf("%w: %s", ErrMismatch, f.Err)
	}
	if f.Seq != seq || f.Name != name {
		return fmt.Errorf("%w: rank %d sent %s#%d, expected %s#%d", ErrMismatch, f.Rank, f.Name, f.Seq, name, seq)
	}
	if len(f.Values) != size {
		return fmt.Errorf("%w: rank %d sent %d values for %s, expected %d", ErrMismatch, f.Rank, len(f.Values), name, size)
	}
	return nil
}
