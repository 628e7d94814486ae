// Package dpg implements deep deterministic policy gradient learners
// as described in Lillicrap et al. (2015), including sequence
// variants: a recurrent policy-over-time and a pointer-network
// encoder/attention/decoder. The package builds static Gorgonia
// computation graphs; gradient descent on the exposed objectives is
// left to the client training loop.
package dpg

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/rlcomp/gorlcomp/network"
	"github.com/rlcomp/gorlcomp/spec"
)

const (
	// Weight initialization scales for the policy and critic networks
	policyInitStdDev float64 = 0.5
	criticInitStdDev float64 = 0.25

	// Default standard deviation of exploratory action noise
	defaultNoiseStdDev float64 = 0.1
)

// newPolicyNet returns the policy network: a feedforward stack mapping
// a batch of state vectors (batch, StateDim) to a batch of action
// vectors (batch, ActionDim). The output layer is linear with no bias.
func newPolicyNet(g *G.ExprGraph, name string, mdp spec.MDP,
	model spec.Model, init G.InitWFn) (*network.MLP, error) {
	return network.NewMLP(g, name, mdp.StateDim, mdp.ActionDim,
		model.PolicyDims, false, init, network.TanH())
}

// criticNet predicts the Q-value of state-action pairs. The state and
// action batches are concatenated along the feature axis and passed
// through a feedforward stack with a bias-bearing linear output
// squashed by tanh, so value estimates always lie in (-1, 1).
type criticNet struct {
	net *network.MLP
}

func newCriticNet(g *G.ExprGraph, name string, mdp spec.MDP,
	model spec.Model, init G.InitWFn) (*criticNet, error) {
	net, err := network.NewMLP(g, name, mdp.StateDim+mdp.ActionDim, 1,
		model.CriticDims, true, init, network.TanH())
	if err != nil {
		return nil, err
	}
	return &criticNet{net: net}, nil
}

// Eval adds one evaluation of the critic on the given state and action
// batches to the graph, returning a (batch,) vector of value
// estimates. Every evaluation shares the critic's parameters.
func (c *criticNet) Eval(states, actions *G.Node) (*G.Node, error) {
	in, err := G.Concat(1, states, actions)
	if err != nil {
		return nil, fmt.Errorf("eval: could not concatenate states and "+
			"actions: %v", err)
	}

	out, err := c.net.Fwd(in)
	if err != nil {
		return nil, fmt.Errorf("eval: could not compute critic forward "+
			"pass: %v", err)
	}

	out = G.Must(G.Tanh(out))
	return G.Ravel(out)
}

func (c *criticNet) Learnables() G.Nodes {
	return c.net.Learnables()
}

// objectives builds the two training objectives of a DPG instance. The
// policy ascends the on-policy value estimate; the critic descends the
// squared error of the off-policy value estimate against the supplied
// targets.
func objectives(criticOn, criticOff, qTargets *G.Node) (policyObjective,
	criticObjective *G.Node) {
	policyObjective = G.Must(G.Neg(G.Must(G.Mean(criticOn))))

	qErrors := G.Must(G.Square(G.Must(G.Sub(criticOff, qTargets))))
	criticObjective = G.Must(G.Mean(qErrors))

	return policyObjective, criticObjective
}

// addN sums a list of nodes elementwise
func addN(ns []*G.Node) *G.Node {
	sum := ns[0]
	for _, n := range ns[1:] {
		sum = G.Must(G.Add(sum, n))
	}
	return sum
}

// zeroConstant returns a constant zero matrix node, used for dummy
// decoder inputs and initial recurrence states.
func zeroConstant(g *G.ExprGraph, name string, rows, cols int) *G.Node {
	zeros := tensor.New(tensor.Of(tensor.Float64),
		tensor.WithShape(rows, cols))
	return G.NewConstant(zeros, G.WithName(name))
}

// setValue feeds data into a variable node before running the graph
func setValue(node *G.Node, data []float64) error {
	size := node.Shape().TotalSize()
	if len(data) != size {
		return fmt.Errorf("setvalue: invalid number of values for %v"+
			"\n\twant(%v)\n\thave(%v)", node.Name(), size, len(data))
	}
	val := tensor.New(
		tensor.WithBacking(data),
		tensor.WithShape(node.Shape()...),
	)
	return G.Let(node, val)
}
