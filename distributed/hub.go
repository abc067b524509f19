package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-speechtrain/model"
)

// The group is a star: rank 0 hosts a websocket endpoint and every other
// rank holds one connection to it. A collective is one frame from each peer
// to the hub and one result frame back.

type reducer interface {
	reduce(ctx context.Context, name string, values []float64) ([]float64, error)
}

func allReduceMean(ctx context.Context, r reducer, x float64) (float64, error) {
	out, err := r.reduce(ctx, "mean", []float64{x})
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

func allReduceGradients(ctx context.Context, r reducer, params []*model.Parameter) error {
	total := 0
	for _, p := range params {
		total += len(p.Grads())
	}
	flat := make([]float64, 0, total)
	for _, p := range params {
		for _, g := range p.Grads() {
			flat = append(flat, float64(g))
		}
	}
	mean, err := r.reduce(ctx, "gradients", flat)
	if err != nil {
		return err
	}
	off := 0
	for _, p := range params {
		g := p.Grads()
		for i := range g {
			g[i] = float32(mean[off+i])
		}
		off += len(g)
	}
	return nil
}

type joined struct {
	rank int
	conn *websocket.Conn
}

// hub is rank 0.
type hub struct {
	world  int
	group  string
	logger *slog.Logger

	mu    sync.Mutex
	seq   uint64
	peers []*websocket.Conn // indexed by rank, peers[0] unused

	srv       *http.Server
	closed    chan struct{}
	closeOnce sync.Once
}

func startHub(ctx context.Context, opts Options, logger *slog.Logger) (*hub, error) {
	ln := opts.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", opts.Address)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", opts.Address, err)
		}
	}

	h := &hub{
		world:  opts.WorldSize,
		group:  opts.GroupName,
		logger: logger,
		peers:  make([]*websocket.Conn, opts.WorldSize),
		closed: make(chan struct{}),
	}
	arrivals := make(chan joined, opts.WorldSize)

	mux := http.NewServeMux()
	mux.HandleFunc("/"+opts.GroupName, func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
		if err != nil {
			logger.Warn("Rejected peer connection", "error", err)
			return
		}
		conn.SetReadLimit(maxFrameBytes)

		hello, err := readFrame(r.Context(), conn)
		if err != nil {
			conn.Close(websocket.StatusProtocolError, "expected hello")
			return
		}
		if hello.Kind != kindHello || hello.Group != opts.GroupName || hello.Rank < 1 || hello.Rank >= opts.WorldSize {
			conn.Close(websocket.StatusPolicyViolation, "not a member of this group")
			return
		}
		arrivals <- joined{rank: hello.Rank, conn: conn}
		<-h.closed
	})
	h.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go h.srv.Serve(ln)

	remaining := opts.WorldSize - 1
	for remaining > 0 {
		select {
		case j := <-arrivals:
			if h.peers[j.rank] != nil {
				j.conn.Close(websocket.StatusPolicyViolation, "duplicate rank")
				continue
			}
			h.peers[j.rank] = j.conn
			remaining--
			logger.Debug("Peer joined", "rank", j.rank, "waiting_for", remaining)
		case <-ctx.Done():
			h.Close()
			return nil, fmt.Errorf("waiting for %d of %d peers: %w", remaining, opts.WorldSize-1, ctx.Err())
		}
	}

	for r := 1; r < h.world; r++ {
		if err := writeFrame(ctx, h.peers[r], &frame{Kind: kindHello, Group: h.group}); err != nil {
			h.Close()
			return nil, fmt.Errorf("acknowledge rank %d: %w", r, err)
		}
	}
	return h, nil
}

func (h *hub) Rank() int      { return 0 }
func (h *hub) WorldSize() int { return h.world }

func (h *hub) reduce(ctx context.Context, name string, values []float64) ([]float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	seq := h.seq

	contributions := make([][]float64, h.world)
	g, gctx := errgroup.WithContext(ctx)
	for r := 1; r < h.world; r++ {
		g.Go(func() error {
			f, err := readFrame(gctx, h.peers[r])
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			if err := checkTag(f, seq, name, len(values)); err != nil {
				return err
			}
			contributions[r] = f.Values
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.broadcast(ctx, &frame{Kind: kindError, Seq: seq, Name: name, Err: err.Error()})
		return nil, err
	}

	sum := append([]float64(nil), values...)
	for r := 1; r < h.world; r++ {
		floats.Add(sum, contributions[r])
	}
	floats.Scale(1/float64(h.world), sum)

	if err := h.broadcast(ctx, &frame{Kind: kindResult, Seq: seq, Name: name, Values: sum}); err != nil {
		return nil, err
	}
	return sum, nil
}

func (h *hub) broadcast(ctx context.Context, f *frame) error {
	var errs []error
	for r := 1; r < h.world; r++ {
		if err := writeFrame(ctx, h.peers[r], f); err != nil {
			errs = append(errs, fmt.Errorf("rank %d: %w", r, err))
		}
	}
	return errors.Join(errs...)
}

func (h *hub) AllReduceMean(ctx context.Context, x float64) (float64, error) {
	return allReduceMean(ctx, h, x)
}

func (h *hub) AllReduceGradients(ctx context.Context, params []*model.Parameter) error {
	return allReduceGradients(ctx, h, params)
}

func (h *hub) Barrier(ctx context.Context) error {
	_, err := h.reduce(ctx, "barrier", nil)
	return err
}

func (h *hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		for _, c := range h.peers {
			if c != nil {
				c.CloseNow()
			}
		}
		h.srv.Close()
	})
	return nil
}

// peer is any rank other than 0.
type peer struct {
	rank, world int
	conn        *websocket.Conn

	mu  sync.Mutex
	seq uint64
}

func dialHub(ctx context.Context, opts Options, logger *slog.Logger) (*peer, error) {
	url := "ws://" + opts.Address + "/" + opts.GroupName
	var conn *websocket.Conn
	for {
		var err error
		conn, _, err = websocket.Dial(ctx, url, &websocket.DialOptions{})
		if err == nil {
			break
		}
		logger.Debug("Waiting for rank 0", "url", url, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", url, err)
		case <-time.After(250 * time.Millisecond):
		}
	}
	conn.SetReadLimit(maxFrameBytes)

	if err := writeFrame(ctx, conn, &frame{Kind: kindHello, Group: opts.GroupName, Rank: opts.Rank}); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, err
	}
	ack, err := readFrame(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "no acknowledgement")
		return nil, fmt.Errorf("waiting for group: %w", err)
	}
	if ack.Kind != kindHello {
		conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return nil, fmt.Errorf("expected hello acknowledgement, got %s", ack.Kind)
	}
	return &peer{rank: opts.Rank, world: opts.WorldSize, conn: conn}, nil
}

func (p *peer) Rank() int      { return p.rank }
func (p *peer) WorldSize() int { return p.world }

func (p *peer) reduce(ctx context.Context, name string, values []float64) ([]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	seq := p.seq

	if err := writeFrame(ctx, p.conn, &frame{Kind: kindReduce, Rank: p.rank, Seq: seq, Name: name, Values: values}); err != nil {
		return nil, fmt.Errorf("send %s: %w", name, err)
	}
	f, err := readFrame(ctx, p.conn)
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", name, err)
	}
	if err := checkTag(f, seq, name, len(values)); err != nil {
		return nil, err
	}
	return f.Values, nil
}

func (p *peer) AllReduceMean(ctx context.Context, x float64) (float64, error) {
	return allReduceMean(ctx, p, x)
}

func (p *peer) AllReduceGradients(ctx context.Context, params []*model.Parameter) error {
	return allReduceGradients(ctx, p, params)
}

func (p *peer) Barrier(ctx context.Context) error {
	_, err := p.reduce(ctx, "barrier", nil)
	return err
}

// Close drops the connection without a close handshake; the hub is not
// reading between collectives.
func (p *peer) Close() error {
	return p.conn.CloseNow()
}

var (
	_ Coordinator = (*hub)(nil)
	_ Coordinator = (*peer)(nil)
)
