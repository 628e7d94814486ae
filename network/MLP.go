package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// MLP implements a multi-layered perceptron whose forward pass can be
// evaluated against arbitrary input nodes of its graph. The MLP's
// parameters are created exactly once, at construction; every call to
// Fwd replays the same stack of fully connected layers on a new input
// node, so all evaluations share parameters. This is how on-policy and
// off-policy branches of a DPG graph evaluate the identical network on
// different action tensors.
type MLP struct {
	g      *G.ExprGraph
	name   string
	layers []*fcLayer

	numInputs  int
	numOutputs int

	learnables G.Nodes
}

// NewMLP creates and returns a new multi-layered perceptron with
// len(hidden) + 1 layers, where hidden[i] is the width of hidden layer
// i. Hidden layers contain bias units and use the given activation.
// A final linear layer of width outputs is always added; it contains a
// bias unit only if biasOutput is true. The parameter init determines
// the weight initialization scheme.
//
// Parameter nodes are named name/l<i>/weights and name/l<i>/bias.
func NewMLP(g *G.ExprGraph, name string, features, outputs int,
	hidden []int, biasOutput bool, init G.InitWFn,
	activation *Activation) (*MLP, error) {
	if features < 1 {
		return nil, fmt.Errorf("newmlp: features must be positive "+
			"\n\thave(%v)", features)
	}
	if outputs < 1 {
		return nil, fmt.Errorf("newmlp: outputs must be positive "+
			"\n\thave(%v)", outputs)
	}

	layers := make([]*fcLayer, 0, len(hidden)+1)
	in := features
	for i, width := range hidden {
		layer, err := newFCLayer(g, fmt.Sprintf("%v/l%d", name, i), in,
			width, true, init, activation)
		if err != nil {
			return nil, fmt.Errorf("newmlp: could not create hidden "+
				"layer %v: %v", i, err)
		}
		layers = append(layers, layer)
		in = width
	}

	// Final linear output layer
	out, err := newFCLayer(g, fmt.Sprintf("%v/l%d", name, len(hidden)), in,
		outputs, biasOutput, init, Identity())
	if err != nil {
		return nil, fmt.Errorf("newmlp: could not create output layer: %v",
			err)
	}
	layers = append(layers, out)

	return &MLP{
		g:          g,
		name:       name,
		layers:     layers,
		numInputs:  features,
		numOutputs: outputs,
	}, nil
}

// Graph returns the computational graph that holds the MLP's
// parameters.
func (m *MLP) Graph() *G.ExprGraph {
	return m.g
}

// Name returns the name scope under which the MLP's parameters were
// created.
func (m *MLP) Name() string {
	return m.name
}

// Features returns the number of features in a single input vector.
func (m *MLP) Features() int {
	return m.numInputs
}

// Outputs returns the number of outputs from the network
func (m *MLP) Outputs() int {
	return m.numOutputs
}

// Fwd adds a forward pass of the MLP on the input node to the
// computational graph. The input must be a matrix of shape
// (batch, features).
func (m *MLP) Fwd(input *G.Node) (*G.Node, error) {
	if !input.IsMatrix() {
		return nil, fmt.Errorf("fwd: input to MLP must be a matrix")
	}
	if features := input.Shape()[1]; features != m.numInputs {
		return nil, fmt.Errorf("fwd: invalid shape for input to neural "+
			"net: \n\twant(%v) \n\thave(%v)", m.numInputs, features)
	}

	pred := input
	var err error
	for i, l := range m.layers {
		if pred, err = l.fwd(pred); err != nil {
			msg := "fwd: could not compute forward pass of layer %v: %v"
			return nil, fmt.Errorf(msg, i, err)
		}
	}
	return pred, nil
}

// Learnables returns the learnable nodes in an MLP
func (m *MLP) Learnables() G.Nodes {
	// Lazy instantiation
	if m.learnables == nil {
		m.learnables = m.computeLearnables()
	}
	return m.learnables
}

// computeLearnables computes all the learnables for the network
func (m *MLP) computeLearnables() G.Nodes {
	learnables := make([]*G.Node, 0, 2*len(m.layers))
	for i := range m.layers {
		learnables = append(learnables, m.layers[i].Weights())
		if bias := m.layers[i].Bias(); bias != nil {
			learnables = append(learnables, bias)
		}
	}
	return G.Nodes(learnables)
}
