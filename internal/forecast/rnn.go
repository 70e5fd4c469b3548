package forecast

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// rnn holds the weights of a single-layer Elman network with a tanh hidden
// state and a linear read-out. It is the persisted form; graphs are built
// from it for training and inference.
type rnn struct {
	Hidden int       `json:"hidden"`
	Wx     []float64 `json:"wx"` // 1 x hidden
	Wh     []float64 `json:"wh"` // hidden x hidden, row-major
	B      []float64 `json:"b"`  // 1 x hidden
	Wy     []float64 `json:"wy"` // hidden x 1
	By     float64   `json:"by"`
}

const gradClip = 1.0

func newRNN(hidden int) *rnn {
	glorot := gorgonia.GlorotU(1)
	return &rnn{
		Hidden: hidden,
		Wx:     glorot(tensor.Float64, 1, hidden).([]float64),
		Wh:     glorot(tensor.Float64, hidden, hidden).([]float64),
		B:      make([]float64, hidden),
		Wy:     glorot(tensor.Float64, hidden, 1).([]float64),
	}
}

func (n *rnn) valid() bool {
	h := n.Hidden
	return h > 0 && len(n.Wx) == h && len(n.Wh) == h*h && len(n.B) == h && len(n.Wy) == h
}

type rnnParams struct {
	wx, wh, b, wy, by *gorgonia.Node
}

func (p rnnParams) nodes() gorgonia.Nodes {
	return gorgonia.Nodes{p.wx, p.wh, p.b, p.wy, p.by}
}

func weightNode(g *gorgonia.ExprGraph, name string, rows, cols int, data []float64) *gorgonia.Node {
	backing := append([]float64(nil), data...)
	return gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(rows, cols),
		gorgonia.WithName(name),
		gorgonia.WithValue(tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))),
	)
}

// params places a copy of the weights in g.
func (n *rnn) params(g *gorgonia.ExprGraph) rnnParams {
	h := n.Hidden
	return rnnParams{
		wx: weightNode(g, "wx", 1, h, n.Wx),
		wh: weightNode(g, "wh", h, h, n.Wh),
		b:  weightNode(g, "b", 1, h, n.B),
		wy: weightNode(g, "wy", h, 1, n.Wy),
		by: weightNode(g, "by", 1, 1, []float64{n.By}),
	}
}

// windowInputs adds one (batch x 1) input per window step.
func windowInputs(g *gorgonia.ExprGraph, batch, window int) []*gorgonia.Node {
	xs := make([]*gorgonia.Node, window)
	for t := range xs {
		xs[t] = gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(batch, 1), gorgonia.WithName(fmt.Sprintf("x%d", t)))
	}
	return xs
}

// unroll builds h_t = tanh(x_t Wx + h_{t-1} Wh + b) over the window and
// returns the (batch x 1) read-out of the last hidden state.
func unroll(p rnnParams, xs []*gorgonia.Node) (*gorgonia.Node, error) {
	var h *gorgonia.Node
	for t, x := range xs {
		pre, err := gorgonia.Mul(x, p.wx)
		if err != nil {
			return nil, fmt.Errorf("step %d input: %w", t, err)
		}
		if h != nil {
			rec, err := gorgonia.Mul(h, p.wh)
			if err != nil {
				return nil, fmt.Errorf("step %d recurrence: %w", t, err)
			}
			if pre, err = gorgonia.Add(pre, rec); err != nil {
				return nil, fmt.Errorf("step %d: %w", t, err)
			}
		}
		if pre, err = gorgonia.BroadcastAdd(pre, p.b, nil, []byte{0}); err != nil {
			return nil, fmt.Errorf("step %d bias: %w", t, err)
		}
		if h, err = gorgonia.Tanh(pre); err != nil {
			return nil, fmt.Errorf("step %d: %w", t, err)
		}
	}
	out, err := gorgonia.Mul(h, p.wy)
	if err != nil {
		return nil, fmt.Errorf("read-out: %w", err)
	}
	return gorgonia.BroadcastAdd(out, p.by, nil, []byte{0})
}

// letWindows binds batch windows to the step inputs.
func letWindows(xs []*gorgonia.Node, windows [][]float64) error {
	batch := len(windows)
	for t, x := range xs {
		col := make([]float64, batch)
		for i, w := range windows {
			col[i] = w[t]
		}
		if err := gorgonia.Let(x, tensor.New(tensor.WithShape(batch, 1), tensor.WithBacking(col))); err != nil {
			return err
		}
	}
	return nil
}

// rnnTrainer owns a training graph with a fixed batch size, MSE loss and
// an Adam solver.
type rnnTrainer struct {
	hidden int
	params rnnParams
	xs     []*gorgonia.Node
	y      *gorgonia.Node
	loss   *gorgonia.Node
	vm     gorgonia.VM
	solver gorgonia.Solver
}

func newRNNTrainer(init *rnn, window, batch int, learnRate float64) (*rnnTrainer, error) {
	g := gorgonia.NewGraph()
	p := init.params(g)
	xs := windowInputs(g, batch, window)
	y := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(batch, 1), gorgonia.WithName("y"))

	pred, err := unroll(p, xs)
	if err != nil {
		return nil, fmt.Errorf("sequence: building graph: %w", err)
	}
	diff, err := gorgonia.Sub(pred, y)
	if err != nil {
		return nil, fmt.Errorf("sequence: loss: %w", err)
	}
	sq, err := gorgonia.Square(diff)
	if err != nil {
		return nil, fmt.Errorf("sequence: loss: %w", err)
	}
	loss, err := gorgonia.Mean(sq)
	if err != nil {
		return nil, fmt.Errorf("sequence: loss: %w", err)
	}
	if _, err := gorgonia.Grad(loss, p.nodes()...); err != nil {
		return nil, fmt.Errorf("sequence: gradients: %w", err)
	}

	return &rnnTrainer{
		hidden: init.Hidden,
		params: p,
		xs:     xs,
		y:      y,
		loss:   loss,
		vm:     gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(p.nodes()...)),
		solver: gorgonia.NewAdamSolver(gorgonia.WithLearnRate(learnRate), gorgonia.WithClip(gradClip)),
	}, nil
}

// step runs one minibatch and applies the update. It returns the batch loss.
func (t *rnnTrainer) step(windows [][]float64, targets []float64) (float64, error) {
	defer t.vm.Reset()
	if err := letWindows(t.xs, windows); err != nil {
		return 0, err
	}
	y := tensor.New(tensor.WithShape(len(targets), 1), tensor.WithBacking(append([]float64(nil), targets...)))
	if err := gorgonia.Let(t.y, y); err != nil {
		return 0, err
	}
	if err := t.vm.RunAll(); err != nil {
		return 0, err
	}
	if err := t.solver.Step(gorgonia.NodesToValueGrads(t.params.nodes())); err != nil {
		return 0, err
	}
	return scalarValue(t.loss.Value()), nil
}

// weights snapshots the current parameter values.
func (t *rnnTrainer) weights() *rnn {
	read := func(n *gorgonia.Node) []float64 {
		return append([]float64(nil), n.Value().Data().([]float64)...)
	}
	return &rnn{
		Hidden: t.hidden,
		Wx:     read(t.params.wx),
		Wh:     read(t.params.wh),
		B:      read(t.params.b),
		Wy:     read(t.params.wy),
		By:     read(t.params.by)[0],
	}
}

func (t *rnnTrainer) close() { t.vm.Close() }

// rnnPredictor is an inference-only graph for a fixed batch size.
type rnnPredictor struct {
	xs  []*gorgonia.Node
	out *gorgonia.Node
	vm  gorgonia.VM
}

func newRNNPredictor(n *rnn, window, batch int) (*rnnPredictor, error) {
	g := gorgonia.NewGraph()
	xs := windowInputs(g, batch, window)
	out, err := unroll(n.params(g), xs)
	if err != nil {
		return nil, fmt.Errorf("sequence: building graph: %w", err)
	}
	return &rnnPredictor{xs: xs, out: out, vm: gorgonia.NewTapeMachine(g)}, nil
}

// predict returns one scaled prediction per window. len(windows) must equal
// the predictor's batch size.
func (p *rnnPredictor) predict(windows [][]float64) ([]float64, error) {
	defer p.vm.Reset()
	if err := letWindows(p.xs, windows); err != nil {
		return nil, err
	}
	if err := p.vm.RunAll(); err != nil {
		return nil, err
	}
	return append([]float64(nil), p.out.Value().Data().([]float64)...), nil
}

func (p *rnnPredictor) close() { p.vm.Close() }

func scalarValue(v gorgonia.Value) float64 {
	switch d := v.Data().(type) {
	case float64:
		return d
	case []float64:
		if len(d) > 0 {
			return d[0]
		}
	}
	return 0
}
