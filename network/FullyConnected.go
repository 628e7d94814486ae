package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// fcLayer implements a fully connected layer of a feed forward neural
// network. The forward pass of an fcLayer is a pure function of its
// input node, so a single fcLayer may be evaluated against any number
// of different input nodes, with every evaluation sharing the layer's
// weights.
type fcLayer struct {
	weights *G.Node
	bias    *G.Node
	act     *Activation
}

// newFCLayer returns a new fcLayer of the given dimensions. The
// layer's parameter nodes are named name/weights and name/bias so
// that a tracked twin built under a sibling name can be paired with
// this layer by name suffix.
func newFCLayer(g *G.ExprGraph, name string, in, out int, bias bool,
	init G.InitWFn, act *Activation) (*fcLayer, error) {
	if in < 1 || out < 1 {
		return nil, fmt.Errorf("newfclayer: layer dimensions must be "+
			"positive \n\thave(%v, %v)", in, out)
	}

	weights := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(in, out),
		G.WithName(fmt.Sprintf("%v/weights", name)),
		G.WithInit(init),
	)

	var biasNode *G.Node
	if bias {
		biasNode = G.NewVector(
			g,
			tensor.Float64,
			G.WithShape(out),
			G.WithName(fmt.Sprintf("%v/bias", name)),
			G.WithInit(init),
		)
	}

	return &fcLayer{
		weights: weights,
		bias:    biasNode,
		act:     act,
	}, nil
}

// fwd adds the forward pass of the fcLayer to the computational graph
func (f *fcLayer) fwd(x *G.Node) (*G.Node, error) {
	if f.Weights() != nil {
		x = G.Must(G.Mul(x, f.Weights()))
	}
	if f.Bias() != nil {
		// Broadcast the bias weights to all samples along the batch
		// dimension
		x = G.Must(G.BroadcastAdd(x, f.Bias(), nil, []byte{0}))
	}
	if f.Activation() == nil || f.Activation().IsNil() {
		return x, nil
	}
	return f.Activation().fwd(x)
}

func (f *fcLayer) Activation() *Activation {
	return f.act
}

func (f *fcLayer) Bias() *G.Node {
	return f.bias
}

func (f *fcLayer) Weights() *G.Node {
	return f.weights
}
