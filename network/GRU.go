package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// GRUCell implements a single-layer gated recurrent unit cell. Like an
// MLP, a GRUCell's parameters are created once at construction and
// every call to Step replays the cell on new input and state nodes, so
// all timesteps of an unrolled recurrence share parameters.
//
// The cell follows the convention where the update gate u interpolates
// between the previous state and the candidate state:
//
//	u  = σ(x·Wxu + h·Whu + bu)
//	r  = σ(x·Wxr + h·Whr + br)
//	c  = tanh(x·Wxc + (r⊙h)·Whc + bc)
//	h' = u⊙h + (1−u)⊙c
//
// The cell's output is its state: Step returns h'.
type GRUCell struct {
	g    *G.ExprGraph
	name string

	inputSize int
	stateSize int

	wxu, whu, bu *G.Node // Update gate
	wxr, whr, br *G.Node // Reset gate
	wxc, whc, bc *G.Node // Candidate state

	learnables G.Nodes
}

// NewGRUCell creates and returns a new gated recurrent unit cell
// taking inputs of dimension inputSize and carrying a hidden state of
// dimension stateSize. The parameter init determines the weight
// initialization scheme. Parameter nodes are named under the name
// scope name.
func NewGRUCell(g *G.ExprGraph, name string, inputSize, stateSize int,
	init G.InitWFn) (*GRUCell, error) {
	if inputSize < 1 {
		return nil, fmt.Errorf("newgrucell: input size must be positive "+
			"\n\thave(%v)", inputSize)
	}
	if stateSize < 1 {
		return nil, fmt.Errorf("newgrucell: state size must be positive "+
			"\n\thave(%v)", stateSize)
	}

	inWeights := func(gate string) *G.Node {
		return G.NewMatrix(g, tensor.Float64,
			G.WithShape(inputSize, stateSize),
			G.WithName(fmt.Sprintf("%v/%v/wx", name, gate)),
			G.WithInit(init))
	}
	stateWeights := func(gate string) *G.Node {
		return G.NewMatrix(g, tensor.Float64,
			G.WithShape(stateSize, stateSize),
			G.WithName(fmt.Sprintf("%v/%v/wh", name, gate)),
			G.WithInit(init))
	}
	biasWeights := func(gate string) *G.Node {
		return G.NewVector(g, tensor.Float64,
			G.WithShape(stateSize),
			G.WithName(fmt.Sprintf("%v/%v/b", name, gate)),
			G.WithInit(G.Zeroes()))
	}

	return &GRUCell{
		g:         g,
		name:      name,
		inputSize: inputSize,
		stateSize: stateSize,
		wxu:       inWeights("update"),
		whu:       stateWeights("update"),
		bu:        biasWeights("update"),
		wxr:       inWeights("reset"),
		whr:       stateWeights("reset"),
		br:        biasWeights("reset"),
		wxc:       inWeights("candidate"),
		whc:       stateWeights("candidate"),
		bc:        biasWeights("candidate"),
	}, nil
}

// InputSize returns the dimension of inputs to the cell
func (c *GRUCell) InputSize() int {
	return c.inputSize
}

// StateSize returns the dimension of the cell's hidden state
func (c *GRUCell) StateSize() int {
	return c.stateSize
}

// Name returns the name scope under which the cell's parameters were
// created.
func (c *GRUCell) Name() string {
	return c.name
}

// Step adds one step of the recurrence to the computational graph,
// mapping the input x of shape (batch, inputSize) and previous hidden
// state h of shape (batch, stateSize) to the next hidden state.
func (c *GRUCell) Step(x, h *G.Node) (*G.Node, error) {
	if !x.IsMatrix() || !h.IsMatrix() {
		return nil, fmt.Errorf("step: input and state must be matrices")
	}
	if in := x.Shape()[1]; in != c.inputSize {
		return nil, fmt.Errorf("step: invalid input dimension "+
			"\n\twant(%v) \n\thave(%v)", c.inputSize, in)
	}
	if state := h.Shape()[1]; state != c.stateSize {
		return nil, fmt.Errorf("step: invalid state dimension "+
			"\n\twant(%v) \n\thave(%v)", c.stateSize, state)
	}

	gate := func(wx, wh, b *G.Node, in *G.Node) *G.Node {
		preact := G.Must(G.Add(G.Must(G.Mul(x, wx)), G.Must(G.Mul(in, wh))))
		return G.Must(G.BroadcastAdd(preact, b, nil, []byte{0}))
	}

	u := G.Must(G.Sigmoid(gate(c.wxu, c.whu, c.bu, h)))
	r := G.Must(G.Sigmoid(gate(c.wxr, c.whr, c.br, h)))

	gated := G.Must(G.HadamardProd(r, h))
	cand := G.Must(G.Tanh(gate(c.wxc, c.whc, c.bc, gated)))

	keep := G.Must(G.HadamardProd(u, h))
	update := G.Must(G.HadamardProd(G.Must(G.Sub(G.NewConstant(1.0), u)),
		cand))

	return G.Add(keep, update)
}

// Learnables returns the learnable nodes in a GRUCell
func (c *GRUCell) Learnables() G.Nodes {
	// Lazy instantiation
	if c.learnables == nil {
		c.learnables = G.Nodes{
			c.wxu, c.whu, c.bu,
			c.wxr, c.whr, c.br,
			c.wxc, c.whc, c.bc,
		}
	}
	return c.learnables
}
