package dpg

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Noiser perturbs predicted actions to produce exploratory actions.
// Noisers operate in-graph: they map an action node (or an ordered
// sequence of per-timestep action nodes) to an equally shaped noised
// node, with fresh noise drawn on every execution of the graph.
type Noiser interface {
	// Noise perturbs a single (batch, actionDim) action node
	Noise(actions *G.Node) (*G.Node, error)

	// NoiseSeq perturbs an ordered sequence of per-timestep action
	// nodes, independently per timestep
	NoiseSeq(actions []*G.Node) ([]*G.Node, error)
}

// GaussianNoiser adds independent zero-mean Gaussian noise to every
// element of a predicted action batch. The noise is i.i.d. per call:
// it has no state and no look-ahead.
type GaussianNoiser struct {
	StdDev float64
}

// NewGaussianNoiser returns a new GaussianNoiser with the given noise
// scale
func NewGaussianNoiser(stddev float64) (GaussianNoiser, error) {
	if stddev < 0 {
		return GaussianNoiser{}, fmt.Errorf("newgaussiannoiser: standard "+
			"deviation must be non-negative \n\thave(%v)", stddev)
	}
	return GaussianNoiser{StdDev: stddev}, nil
}

// Noise adds elementwise Gaussian noise to the actions node. With a
// standard deviation of 0 the actions node is returned unchanged.
func (n GaussianNoiser) Noise(actions *G.Node) (*G.Node, error) {
	if n.StdDev < 0 {
		return nil, fmt.Errorf("noise: standard deviation must be "+
			"non-negative \n\thave(%v)", n.StdDev)
	}
	if n.StdDev == 0 {
		return actions, nil
	}
	if !actions.IsMatrix() {
		return nil, fmt.Errorf("noise: actions must be a matrix")
	}

	shape := actions.Shape()
	noise := G.GaussianRandomNode(actions.Graph(), tensor.Float64, 0,
		n.StdDev, shape...)

	return G.Add(actions, noise)
}

// NoiseSeq adds elementwise Gaussian noise to each per-timestep
// actions node in turn
func (n GaussianNoiser) NoiseSeq(actions []*G.Node) ([]*G.Node, error) {
	noised := make([]*G.Node, len(actions))
	for t, actionsT := range actions {
		var err error
		noised[t], err = n.Noise(actionsT)
		if err != nil {
			return nil, fmt.Errorf("noiseseq: could not noise actions at "+
				"timestep %v: %v", t, err)
		}
	}
	return noised, nil
}
