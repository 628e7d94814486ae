package dpg

import (
	G "gorgonia.org/gorgonia"

	"github.com/rlcomp/gorlcomp/initwfn"
)

// config collects the optional construction parameters shared by the
// DPG graph variants. Each constructor rejects options that do not
// apply to its variant.
type config struct {
	g    *G.ExprGraph
	name string

	noiser     Noiser
	policyInit G.InitWFn
	criticInit G.InitWFn

	inputs   *G.Node
	qTargets *G.Node

	seqInputs   []*G.Node
	seqQTargets []*G.Node

	hardener  Hardener
	batchNorm bool
}

func newConfig(name string, opts ...Option) *config {
	noiser, _ := NewGaussianNoiser(defaultNoiseStdDev)
	c := &config{
		name:       name,
		noiser:     noiser,
		policyInit: G.Gaussian(0, policyInitStdDev),
		criticInit: G.Gaussian(0, criticInitStdDev),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// graph returns the configured graph, creating one when none was
// supplied
func (c *config) graph() *G.ExprGraph {
	if c.g == nil {
		c.g = G.NewGraph()
	}
	return c.g
}

// Option modifies the construction of a DPG graph variant
type Option func(*config)

// WithGraph builds the instance into an existing computational graph
// instead of a fresh one
func WithGraph(g *G.ExprGraph) Option {
	return func(c *config) {
		c.g = g
	}
}

// WithName sets the name scope under which the instance's parameters
// are created. Distinct instances sharing a graph must use distinct
// names.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithNoiser sets the noiser used to build exploratory actions
func WithNoiser(n Noiser) Option {
	return func(c *config) {
		c.noiser = n
	}
}

// WithPolicyInit sets the weight initialization scheme of the policy
// network (and of the encoder/decoder cells of sequence variants)
func WithPolicyInit(w *initwfn.InitWFn) Option {
	return func(c *config) {
		c.policyInit = w.InitWFn()
	}
}

// WithCriticInit sets the weight initialization scheme of the critic
// network
func WithCriticInit(w *initwfn.InitWFn) Option {
	return func(c *config) {
		c.criticInit = w.InitWFn()
	}
}

// WithInputs supplies an externally created input node instead of
// having the instance create its own
func WithInputs(inputs *G.Node) Option {
	return func(c *config) {
		c.inputs = inputs
	}
}

// WithQTargets supplies an externally created Q-value target node
// instead of having the instance create its own
func WithQTargets(qTargets *G.Node) Option {
	return func(c *config) {
		c.qTargets = qTargets
	}
}

// WithSeqInputs supplies externally created per-timestep input nodes
// to a pointer-network instance
func WithSeqInputs(inputs []*G.Node) Option {
	return func(c *config) {
		c.seqInputs = inputs
	}
}

// WithSeqQTargets supplies externally created per-timestep Q-value
// target nodes to a pointer-network instance
func WithSeqQTargets(qTargets []*G.Node) Option {
	return func(c *config) {
		c.seqQTargets = qTargets
	}
}

// WithHardener supplies the concrete action-hardening policy of a
// sequence variant
func WithHardener(h Hardener) Option {
	return func(c *config) {
		c.hardener = h
	}
}

// WithBatchNorm batch-normalizes the predicted actions of a
// pointer-network instance
func WithBatchNorm() Option {
	return func(c *config) {
		c.batchNorm = true
	}
}
