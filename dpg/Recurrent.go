package dpg

import (
	"errors"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/rlcomp/gorlcomp/network"
	"github.com/rlcomp/gorlcomp/spec"
)

var (
	// ErrNotImplemented is returned when an abstract operation is
	// invoked without a concrete override
	ErrNotImplemented = errors.New("abstract operation not implemented")

	// ErrNoTracking is returned by the sequence variants, which do not
	// implement target-network tracking
	ErrNoTracking = errors.New("target tracking not supported")
)

// Dynamics implements environment dynamics within the computation
// graph: it maps the action predicted at timestep t to the decoder
// input for timestep t+1. Sequence variants cannot be constructed
// without it.
type Dynamics interface {
	NextInput(action *G.Node, t int) (*G.Node, error)
}

// Hardener converts a batch of soft (continuous) per-timestep action
// matrices into a concrete discrete trajectory: one sequence of action
// indices per batch element.
type Hardener interface {
	HardenActions(actions []*tensor.Dense) ([][]int, error)
}

// RecurrentDPG implements a DPG over a sequential decision process. A
// gated recurrent decoder is unrolled for a fixed number of steps from
// a zero initial state; the actual per-step input carries no
// information (state is carried entirely in the hidden recurrence)
// except where the supplied Dynamics feeds a predicted action back in
// as the next input. At each step the policy network maps the decoder
// hidden state to that step's action, and the critic is evaluated
// against the step's hidden state and action for both the on-policy
// and exploratory branches, with parameters shared across timesteps.
//
// Outside the unrolled sequence, a companion single-step path allows
// querying the critic in isolation: DecStateInd accepts an externally
// supplied decoder state, from which one policy-cell step on Inputs
// produces CriticOn/CriticOff; DecActionInd accepts an externally
// supplied action scored by CriticInd. The training objectives are
// built on this single-step path.
//
// Target tracking is not implemented for this variant: TrackUpdate
// always returns ErrNoTracking.
type RecurrentDPG struct {
	g    *G.ExprGraph
	name string

	mdp       spec.MDP
	model     spec.Model
	inputDim  int
	seqLength int
	batchSize int

	noiser   Noiser
	dynamics Dynamics
	hardener Hardener

	// Inputs and targets, fed by the client before each run
	Inputs   *G.Node
	QTargets *G.Node

	// Single-step evaluation placeholders
	DecStateInd  *G.Node
	DecActionInd *G.Node

	// Rollout: per-timestep decoder states, predicted and exploratory
	// actions, and value estimates
	DecoderStates []*G.Node
	APred         []*G.Node
	AExplore      []*G.Node
	CriticOnSeq   []*G.Node
	CriticOffSeq  []*G.Node

	// Single-step value estimates
	CriticOn  *G.Node
	CriticOff *G.Node
	CriticInd *G.Node

	// Training objectives
	PolicyObjective *G.Node
	CriticObjective *G.Node

	cell   *network.GRUCell
	policy *network.MLP
	critic *criticNet

	policyParams G.Nodes
	criticParams G.Nodes
}

// NewRecurrent creates and returns a new recurrent DPG instance whose
// decoder consumes inputs of dimension inputDim and is unrolled for
// seqLength steps on batches of batchSize rollouts. The dynamics
// argument supplies the in-graph feedback from one step's action to
// the next step's input and is required.
func NewRecurrent(mdp spec.MDP, model spec.Model, inputDim, seqLength,
	batchSize int, dynamics Dynamics, opts ...Option) (*RecurrentDPG,
	error) {
	if err := mdp.Validate(); err != nil {
		return nil, fmt.Errorf("newrecurrent: invalid MDP "+
			"specification: %v", err)
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("newrecurrent: invalid model "+
			"specification: %v", err)
	}
	if len(model.PolicyDims) < 1 {
		return nil, fmt.Errorf("newrecurrent: policy must have at least " +
			"one hidden layer")
	}
	if inputDim < 1 || seqLength < 1 || batchSize < 1 {
		return nil, fmt.Errorf("newrecurrent: input dimension, sequence "+
			"length, and batch size must be positive \n\thave(%v, %v, %v)",
			inputDim, seqLength, batchSize)
	}
	if dynamics == nil {
		return nil, fmt.Errorf("newrecurrent: dynamics is required: %w",
			ErrNotImplemented)
	}

	// The decoder hidden state is the critic's state representation
	if mdp.StateDim != model.PolicyDims[0] {
		return nil, fmt.Errorf("newrecurrent: state dimension must equal "+
			"the first policy hidden width \n\twant(%v) \n\thave(%v)",
			model.PolicyDims[0], mdp.StateDim)
	}

	c := newConfig("rdpg", opts...)
	if c.batchNorm {
		return nil, fmt.Errorf("newrecurrent: batch normalization " +
			"requires a pointer-network variant")
	}
	if c.seqInputs != nil || c.seqQTargets != nil {
		return nil, fmt.Errorf("newrecurrent: per-timestep inputs and " +
			"targets require a pointer-network variant")
	}

	g := c.graph()
	hidden := model.PolicyDims[0]

	inputs, err := matrixVariable(g, c.inputs, c.name+"/inputs",
		batchSize, inputDim)
	if err != nil {
		return nil, fmt.Errorf("newrecurrent: %v", err)
	}
	qTargets, err := vectorVariable(g, c.qTargets, c.name+"/q_targets",
		batchSize)
	if err != nil {
		return nil, fmt.Errorf("newrecurrent: %v", err)
	}

	// Placeholders for single steps in the recurrence
	decStateInd := G.NewMatrix(g, G.Float64,
		G.WithShape(batchSize, hidden),
		G.WithName(c.name+"/dec_state_ind"), G.WithInit(G.Zeroes()))
	decActionInd := G.NewMatrix(g, G.Float64,
		G.WithShape(batchSize, mdp.ActionDim),
		G.WithName(c.name+"/dec_action_ind"), G.WithInit(G.Zeroes()))

	cell, err := network.NewGRUCell(g, c.name+"/policy/cell", inputDim,
		hidden, c.policyInit)
	if err != nil {
		return nil, fmt.Errorf("newrecurrent: could not create decoder "+
			"cell: %v", err)
	}
	policy, err := newPolicyNet(g, c.name+"/policy/net", mdp, model,
		c.policyInit)
	if err != nil {
		return nil, fmt.Errorf("newrecurrent: could not create policy "+
			"network: %v", err)
	}
	critic, err := newCriticNet(g, c.name+"/critic", mdp, model,
		c.criticInit)
	if err != nil {
		return nil, fmt.Errorf("newrecurrent: could not create critic "+
			"network: %v", err)
	}

	// Unroll the decoder from a zero state. The dummy zero input at
	// step 0 carries no information; subsequent inputs are computed by
	// the dynamics from the previous step's action.
	input := zeroConstant(g, c.name+"/dec_input0", batchSize, inputDim)
	h := zeroConstant(g, c.name+"/dec_state0", batchSize, hidden)

	decoderStates := make([]*G.Node, 0, seqLength)
	aPred := make([]*G.Node, 0, seqLength)
	for t := 0; t < seqLength; t++ {
		if t > 0 {
			input, err = dynamics.NextInput(aPred[t-1], t)
			if err != nil {
				return nil, fmt.Errorf("newrecurrent: could not compute "+
					"decoder input for timestep %v: %v", t, err)
			}
			if err := validFeedback(input, g, batchSize, inputDim); err != nil {
				return nil, fmt.Errorf("newrecurrent: invalid decoder "+
					"input for timestep %v: %v", t, err)
			}
		}

		if h, err = cell.Step(input, h); err != nil {
			return nil, fmt.Errorf("newrecurrent: could not step decoder "+
				"at timestep %v: %v", t, err)
		}
		actions, err := policy.Fwd(h)
		if err != nil {
			return nil, fmt.Errorf("newrecurrent: could not evaluate "+
				"policy at timestep %v: %v", t, err)
		}

		decoderStates = append(decoderStates, h)
		aPred = append(aPred, actions)
	}

	aExplore, err := c.noiser.NoiseSeq(aPred)
	if err != nil {
		return nil, fmt.Errorf("newrecurrent: could not noise actions: %v",
			err)
	}

	// Evaluate the critic once per timestep against that timestep's
	// decoder state and action. The single critic network is shared
	// across timesteps and branches.
	criticOnSeq := make([]*G.Node, seqLength)
	criticOffSeq := make([]*G.Node, seqLength)
	for t := 0; t < seqLength; t++ {
		if criticOnSeq[t], err = critic.Eval(decoderStates[t],
			aPred[t]); err != nil {
			return nil, fmt.Errorf("newrecurrent: could not evaluate "+
				"on-policy critic at timestep %v: %v", t, err)
		}
		if criticOffSeq[t], err = critic.Eval(decoderStates[t],
			aExplore[t]); err != nil {
			return nil, fmt.Errorf("newrecurrent: could not evaluate "+
				"off-policy critic at timestep %v: %v", t, err)
		}
	}

	// Build the helper for predicting Q-values in an isolated state,
	// outside a full rollout
	hInd, err := cell.Step(inputs, decStateInd)
	if err != nil {
		return nil, fmt.Errorf("newrecurrent: could not step decoder on "+
			"the isolated state: %v", err)
	}
	aPredInd, err := policy.Fwd(hInd)
	if err != nil {
		return nil, fmt.Errorf("newrecurrent: could not evaluate policy "+
			"on the isolated state: %v", err)
	}
	aExploreInd, err := c.noiser.Noise(aPredInd)
	if err != nil {
		return nil, fmt.Errorf("newrecurrent: could not noise isolated "+
			"actions: %v", err)
	}

	criticOn, err := critic.Eval(decStateInd, aPredInd)
	if err != nil {
		return nil, fmt.Errorf("newrecurrent: could not evaluate "+
			"isolated on-policy critic: %v", err)
	}
	criticOff, err := critic.Eval(decStateInd, aExploreInd)
	if err != nil {
		return nil, fmt.Errorf("newrecurrent: could not evaluate "+
			"isolated off-policy critic: %v", err)
	}
	criticInd, err := critic.Eval(decStateInd, decActionInd)
	if err != nil {
		return nil, fmt.Errorf("newrecurrent: could not evaluate critic "+
			"on the supplied action: %v", err)
	}

	policyObjective, criticObjective := objectives(criticOn, criticOff,
		qTargets)

	policyParams := make(G.Nodes, 0,
		len(cell.Learnables())+len(policy.Learnables()))
	policyParams = append(policyParams, cell.Learnables()...)
	policyParams = append(policyParams, policy.Learnables()...)

	return &RecurrentDPG{
		g:    g,
		name: c.name,

		mdp:       mdp,
		model:     model,
		inputDim:  inputDim,
		seqLength: seqLength,
		batchSize: batchSize,

		noiser:   c.noiser,
		dynamics: dynamics,
		hardener: c.hardener,

		Inputs:   inputs,
		QTargets: qTargets,

		DecStateInd:  decStateInd,
		DecActionInd: decActionInd,

		DecoderStates: decoderStates,
		APred:         aPred,
		AExplore:      aExplore,
		CriticOnSeq:   criticOnSeq,
		CriticOffSeq:  criticOffSeq,

		CriticOn:  criticOn,
		CriticOff: criticOff,
		CriticInd: criticInd,

		PolicyObjective: policyObjective,
		CriticObjective: criticObjective,

		cell:   cell,
		policy: policy,
		critic: critic,

		policyParams: policyParams,
		criticParams: critic.Learnables(),
	}, nil
}

// Graph returns the computational graph holding the instance
func (r *RecurrentDPG) Graph() *G.ExprGraph {
	return r.g
}

// Name returns the name scope of the instance
func (r *RecurrentDPG) Name() string {
	return r.name
}

// SeqLength returns the number of decoder steps in the unrolled
// rollout
func (r *RecurrentDPG) SeqLength() int {
	return r.seqLength
}

// BatchSize returns the batch size of inputs to the instance
func (r *RecurrentDPG) BatchSize() int {
	return r.batchSize
}

// PolicyParams returns the trainable parameters of the decoder cell
// and policy network
func (r *RecurrentDPG) PolicyParams() G.Nodes {
	return r.policyParams
}

// CriticParams returns the trainable parameters of the critic network
func (r *RecurrentDPG) CriticParams() G.Nodes {
	return r.criticParams
}

// TrackUpdate always returns ErrNoTracking: the recurrent variant does
// not maintain tracked target copies
func (r *RecurrentDPG) TrackUpdate(float64) error {
	return fmt.Errorf("trackupdate: %w", ErrNoTracking)
}

// HardenActions converts the given batch of soft per-timestep action
// matrices into a concrete discrete trajectory. The hardening policy
// is abstract: without a Hardener supplied at construction,
// HardenActions returns ErrNotImplemented.
func (r *RecurrentDPG) HardenActions(
	actions []*tensor.Dense) ([][]int, error) {
	if r.hardener == nil {
		return nil, fmt.Errorf("hardenactions: %w", ErrNotImplemented)
	}
	return r.hardener.HardenActions(actions)
}

// SetInputs feeds a batch of input vectors into the instance's input
// node
func (r *RecurrentDPG) SetInputs(data []float64) error {
	return setValue(r.Inputs, data)
}

// SetQTargets feeds a batch of Q-value targets for the single-step
// evaluation path
func (r *RecurrentDPG) SetQTargets(data []float64) error {
	return setValue(r.QTargets, data)
}

// SetDecoderState feeds an externally computed decoder state into the
// single-step evaluation path
func (r *RecurrentDPG) SetDecoderState(data []float64) error {
	return setValue(r.DecStateInd, data)
}

// SetDecoderAction feeds an externally chosen action into the
// single-step evaluation path, scored by CriticInd
func (r *RecurrentDPG) SetDecoderAction(data []float64) error {
	return setValue(r.DecActionInd, data)
}

// validFeedback checks that a dynamics-computed decoder input is
// usable by the recurrence
func validFeedback(input *G.Node, g *G.ExprGraph, batch,
	inputDim int) error {
	if input == nil {
		return fmt.Errorf("no input returned")
	}
	if input.Graph() != g {
		return fmt.Errorf("input belongs to a different graph")
	}
	if !input.IsMatrix() || input.Shape()[0] != batch ||
		input.Shape()[1] != inputDim {
		return fmt.Errorf("invalid input shape \n\twant(%v, %v) "+
			"\n\thave(%v)", batch, inputDim, input.Shape())
	}
	return nil
}
