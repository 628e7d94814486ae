package dpg

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/rlcomp/gorlcomp/network"
	"github.com/rlcomp/gorlcomp/spec"
)

// Epsilon added to the pooled batch variance when normalizing actions
const bnEpsilon float64 = 1e-3

// PointerNetDPG implements a sequence-to-sequence pointer-network DPG.
//
// An encoder recurrence consumes the input sequence x1...xT and
// retains every intermediate hidden state e1...eT as memory. A decoder
// recurrence of the same cell type starts from the encoder's final
// state; at each step the decoder hidden state is scored against every
// memory vector by an additive attention head, and the resulting
// logits over the T memory positions are that step's action. The
// internal loop function softmaxes the previous step's logits into
// attention weights, forms the weighted sum of memory vectors, and
// feeds it to the decoder as the next input; the weighted sums are
// retained as the per-timestep processed representations
// (DecoderInputs).
//
// The critic is evaluated once per timestep against the concatenation
// of that timestep's decoder input and decoder hidden state, so the
// MDP state dimension must equal twice the first policy hidden width.
// Objectives average the per-timestep value estimates and squared
// target errors over all timesteps.
//
// When batch normalization is enabled, all timesteps' predicted
// actions are pooled into one batch and normalized with the pooled
// batch's own mean and variance. No running average is maintained, so
// normalization statistics differ between training and any later
// evaluation use. The scale and shift parameters belong to both the
// policy and critic parameter sets.
//
// Target tracking is not implemented for this variant: TrackUpdate
// always returns ErrNoTracking.
type PointerNetDPG struct {
	g    *G.ExprGraph
	name string

	mdp       spec.MDP
	model     spec.Model
	inputDim  int
	seqLength int
	batchSize int

	noiser   Noiser
	hardener Hardener

	// Per-timestep inputs and targets, fed by the client
	Inputs   []*G.Node
	QTargets []*G.Node

	// Encoder memory and decoder rollout
	EncoderStates []*G.Node
	DecoderStates []*G.Node
	DecoderInputs []*G.Node

	// AttnWeights[t] holds the attention weights derived from APred[t]
	// and consumed as the decoder input of timestep t+1; each row sums
	// to 1 across the memory axis
	AttnWeights []*G.Node

	// Predicted and exploratory actions per timestep
	APred    []*G.Node
	AExplore []*G.Node

	// Per-timestep on- and off-policy value estimates
	CriticOn  []*G.Node
	CriticOff []*G.Node

	// Training objectives, averaged over all timesteps
	PolicyObjective *G.Node
	CriticObjective *G.Node

	encoder *network.GRUCell
	decoder *network.GRUCell
	attn    *attnHead
	critic  *criticNet

	// Batch-normalization scale and shift, nil unless enabled
	bnBeta  *G.Node
	bnGamma *G.Node

	policyParams G.Nodes
	criticParams G.Nodes
}

// NewPointerNet creates and returns a new pointer-network DPG instance
// encoding sequences of seqLength inputs of dimension inputDim, on
// batches of batchSize sequences
func NewPointerNet(mdp spec.MDP, model spec.Model, inputDim, seqLength,
	batchSize int, opts ...Option) (*PointerNetDPG, error) {
	if err := mdp.Validate(); err != nil {
		return nil, fmt.Errorf("newpointernet: invalid MDP "+
			"specification: %v", err)
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("newpointernet: invalid model "+
			"specification: %v", err)
	}
	if len(model.PolicyDims) < 1 {
		return nil, fmt.Errorf("newpointernet: policy must have at " +
			"least one hidden layer")
	}
	if inputDim < 1 || seqLength < 1 || batchSize < 1 {
		return nil, fmt.Errorf("newpointernet: input dimension, sequence "+
			"length, and batch size must be positive \n\thave(%v, %v, %v)",
			inputDim, seqLength, batchSize)
	}

	// The critic state is the concatenation of a decoder input and a
	// decoder hidden state, each of the first policy hidden width
	if mdp.StateDim != 2*model.PolicyDims[0] {
		return nil, fmt.Errorf("newpointernet: state dimension must "+
			"equal twice the first policy hidden width \n\twant(%v) "+
			"\n\thave(%v)", 2*model.PolicyDims[0], mdp.StateDim)
	}

	// Actions are attention logits over the memory positions
	if mdp.ActionDim != seqLength {
		return nil, fmt.Errorf("newpointernet: action dimension must "+
			"equal the sequence length \n\twant(%v) \n\thave(%v)",
			seqLength, mdp.ActionDim)
	}

	c := newConfig("ptrdpg", opts...)
	if c.inputs != nil || c.qTargets != nil {
		return nil, fmt.Errorf("newpointernet: inputs and targets must " +
			"be supplied per timestep")
	}

	g := c.graph()
	hidden := model.PolicyDims[0]

	inputs, err := seqMatrixVariables(g, c.seqInputs,
		c.name+"/inputs", seqLength, batchSize, inputDim)
	if err != nil {
		return nil, fmt.Errorf("newpointernet: %v", err)
	}
	qTargets, err := seqVectorVariables(g, c.seqQTargets,
		c.name+"/q_targets", seqLength, batchSize)
	if err != nil {
		return nil, fmt.Errorf("newpointernet: %v", err)
	}

	encoder, err := network.NewGRUCell(g, c.name+"/encoder", inputDim,
		hidden, c.policyInit)
	if err != nil {
		return nil, fmt.Errorf("newpointernet: could not create encoder "+
			"cell: %v", err)
	}
	decoder, err := network.NewGRUCell(g, c.name+"/decoder", hidden,
		hidden, c.policyInit)
	if err != nil {
		return nil, fmt.Errorf("newpointernet: could not create decoder "+
			"cell: %v", err)
	}
	attn, err := newAttnHead(g, c.name+"/decoder/attention", hidden,
		c.policyInit)
	if err != nil {
		return nil, fmt.Errorf("newpointernet: could not create "+
			"attention head: %v", err)
	}
	critic, err := newCriticNet(g, c.name+"/critic", mdp, model,
		c.criticInit)
	if err != nil {
		return nil, fmt.Errorf("newpointernet: could not create critic "+
			"network: %v", err)
	}

	// Encode the input sequence, retaining every hidden state as
	// memory
	h := zeroConstant(g, c.name+"/enc_state0", batchSize, hidden)
	encoderStates := make([]*G.Node, 0, seqLength)
	for t := 0; t < seqLength; t++ {
		if h, err = encoder.Step(inputs[t], h); err != nil {
			return nil, fmt.Errorf("newpointernet: could not step encoder "+
				"at timestep %v: %v", t, err)
		}
		encoderStates = append(encoderStates, h)
	}

	// The memory-side attention projections do not depend on the
	// decoder state, so compute them once
	memProj, err := attn.projectMemory(encoderStates)
	if err != nil {
		return nil, fmt.Errorf("newpointernet: could not project encoder "+
			"memory: %v", err)
	}

	// Decode. The decoder starts from the encoder's final state with a
	// dummy zero input; every subsequent input is the attention-
	// weighted combination of encoder memory under the previous step's
	// softmaxed logits.
	input := zeroConstant(g, c.name+"/dec_input0", batchSize, hidden)
	h = encoderStates[seqLength-1]

	decoderStates := make([]*G.Node, 0, seqLength)
	decoderInputs := make([]*G.Node, 0, seqLength)
	attnWeights := make([]*G.Node, 0, seqLength-1)
	aPred := make([]*G.Node, 0, seqLength)
	for t := 0; t < seqLength; t++ {
		if t > 0 {
			weights, err := G.SoftMax(aPred[t-1], 1)
			if err != nil {
				return nil, fmt.Errorf("newpointernet: could not "+
					"normalize attention logits at timestep %v: %v", t, err)
			}
			attnWeights = append(attnWeights, weights)

			if input, err = attendMemory(weights, encoderStates,
				batchSize); err != nil {
				return nil, fmt.Errorf("newpointernet: could not attend "+
					"encoder memory at timestep %v: %v", t, err)
			}
		}

		if h, err = decoder.Step(input, h); err != nil {
			return nil, fmt.Errorf("newpointernet: could not step decoder "+
				"at timestep %v: %v", t, err)
		}
		logits, err := attn.score(memProj, h)
		if err != nil {
			return nil, fmt.Errorf("newpointernet: could not score "+
				"encoder memory at timestep %v: %v", t, err)
		}

		decoderStates = append(decoderStates, h)
		decoderInputs = append(decoderInputs, input)
		aPred = append(aPred, logits)
	}

	// Optional batch normalization of the predicted actions, using the
	// pooled batch's own statistics
	var bnBeta, bnGamma *G.Node
	if c.batchNorm {
		aPred, bnBeta, bnGamma = batchNormActions(g, c.name+"/bn", aPred,
			batchSize, mdp.ActionDim)
	}

	// Use the noiser to build exploratory rollouts
	aExplore, err := c.noiser.NoiseSeq(aPred)
	if err != nil {
		return nil, fmt.Errorf("newpointernet: could not noise "+
			"actions: %v", err)
	}

	// Recurrently apply the critic over the entire rollout. The state
	// representation at each timestep is the concatenation of the
	// decoder input and the decoder hidden state.
	criticOn := make([]*G.Node, seqLength)
	criticOff := make([]*G.Node, seqLength)
	for t := 0; t < seqLength; t++ {
		states, err := G.Concat(1, decoderInputs[t], decoderStates[t])
		if err != nil {
			return nil, fmt.Errorf("newpointernet: could not build state "+
				"representation at timestep %v: %v", t, err)
		}

		if criticOn[t], err = critic.Eval(states, aPred[t]); err != nil {
			return nil, fmt.Errorf("newpointernet: could not evaluate "+
				"on-policy critic at timestep %v: %v", t, err)
		}
		if criticOff[t], err = critic.Eval(states, aExplore[t]); err != nil {
			return nil, fmt.Errorf("newpointernet: could not evaluate "+
				"off-policy critic at timestep %v: %v", t, err)
		}
	}

	// Policy objective: maximize the on-policy value estimates,
	// averaged over timesteps and batch
	seqLen := G.NewConstant(float64(seqLength),
		G.WithName(c.name+"/seq_length"))
	meanCriticOverTime := G.Must(G.HadamardDiv(addN(criticOn), seqLen))
	policyObjective := G.Must(G.Neg(G.Must(G.Mean(meanCriticOverTime))))

	// Critic objective: minimize the MSE of the off-policy value
	// estimates against the per-timestep targets, averaged over
	// timesteps
	var qErrors *G.Node
	for t := 0; t < seqLength; t++ {
		diff := G.Must(G.Sub(criticOff[t], qTargets[t]))
		mse := G.Must(G.Mean(G.Must(G.Square(diff))))
		if qErrors == nil {
			qErrors = mse
		} else {
			qErrors = G.Must(G.Add(qErrors, mse))
		}
	}
	criticObjective := G.Must(G.HadamardDiv(qErrors, seqLen))

	policyParams := make(G.Nodes, 0, len(encoder.Learnables())+
		len(decoder.Learnables())+len(attn.Learnables()))
	policyParams = append(policyParams, encoder.Learnables()...)
	policyParams = append(policyParams, decoder.Learnables()...)
	policyParams = append(policyParams, attn.Learnables()...)

	criticParams := make(G.Nodes, 0, len(critic.Learnables()))
	criticParams = append(criticParams, critic.Learnables()...)

	// The normalization scale and shift sit between the policy's
	// outputs and the critic's inputs, so both objectives reach them
	if c.batchNorm {
		policyParams = append(policyParams, bnBeta, bnGamma)
		criticParams = append(criticParams, bnBeta, bnGamma)
	}

	return &PointerNetDPG{
		g:    g,
		name: c.name,

		mdp:       mdp,
		model:     model,
		inputDim:  inputDim,
		seqLength: seqLength,
		batchSize: batchSize,

		noiser:   c.noiser,
		hardener: c.hardener,

		Inputs:   inputs,
		QTargets: qTargets,

		EncoderStates: encoderStates,
		DecoderStates: decoderStates,
		DecoderInputs: decoderInputs,
		AttnWeights:   attnWeights,

		APred:    aPred,
		AExplore: aExplore,

		CriticOn:  criticOn,
		CriticOff: criticOff,

		PolicyObjective: policyObjective,
		CriticObjective: criticObjective,

		encoder: encoder,
		decoder: decoder,
		attn:    attn,
		critic:  critic,

		bnBeta:  bnBeta,
		bnGamma: bnGamma,

		policyParams: policyParams,
		criticParams: criticParams,
	}, nil
}

// Graph returns the computational graph holding the instance
func (p *PointerNetDPG) Graph() *G.ExprGraph {
	return p.g
}

// Name returns the name scope of the instance
func (p *PointerNetDPG) Name() string {
	return p.name
}

// SeqLength returns the number of encoder/decoder steps
func (p *PointerNetDPG) SeqLength() int {
	return p.seqLength
}

// BatchSize returns the batch size of inputs to the instance
func (p *PointerNetDPG) BatchSize() int {
	return p.batchSize
}

// PolicyParams returns the trainable parameters of the encoder,
// decoder, and attention head, plus the normalization parameters when
// batch normalization is enabled
func (p *PointerNetDPG) PolicyParams() G.Nodes {
	return p.policyParams
}

// CriticParams returns the trainable parameters of the critic network,
// plus the normalization parameters when batch normalization is
// enabled
func (p *PointerNetDPG) CriticParams() G.Nodes {
	return p.criticParams
}

// TrackUpdate always returns ErrNoTracking: the pointer-network
// variant does not maintain tracked target copies
func (p *PointerNetDPG) TrackUpdate(float64) error {
	return fmt.Errorf("trackupdate: %w", ErrNoTracking)
}

// HardenActions converts the given batch of soft per-timestep action
// matrices into a concrete discrete trajectory. The hardening policy
// is abstract: without a Hardener supplied at construction,
// HardenActions returns ErrNotImplemented.
func (p *PointerNetDPG) HardenActions(
	actions []*tensor.Dense) ([][]int, error) {
	if p.hardener == nil {
		return nil, fmt.Errorf("hardenactions: %w", ErrNotImplemented)
	}
	return p.hardener.HardenActions(actions)
}

// SetInput feeds a batch of input vectors for timestep t
func (p *PointerNetDPG) SetInput(t int, data []float64) error {
	if t < 0 || t >= p.seqLength {
		return fmt.Errorf("setinput: timestep out of range "+
			"\n\twant[0, %v) \n\thave(%v)", p.seqLength, t)
	}
	return setValue(p.Inputs[t], data)
}

// SetQTargets feeds a batch of Q-value targets for timestep t
func (p *PointerNetDPG) SetQTargets(t int, data []float64) error {
	if t < 0 || t >= p.seqLength {
		return fmt.Errorf("setqtargets: timestep out of range "+
			"\n\twant[0, %v) \n\thave(%v)", p.seqLength, t)
	}
	return setValue(p.QTargets[t], data)
}

// attnHead implements additive attention over the encoder memory: the
// score of memory vector e under decoder state d is v·tanh(e·W1+d·W2).
type attnHead struct {
	w1 *G.Node
	w2 *G.Node
	v  *G.Node
}

func newAttnHead(g *G.ExprGraph, name string, dim int,
	init G.InitWFn) (*attnHead, error) {
	if dim < 1 {
		return nil, fmt.Errorf("newattnhead: dimension must be positive "+
			"\n\thave(%v)", dim)
	}
	return &attnHead{
		w1: G.NewMatrix(g, G.Float64, G.WithShape(dim, dim),
			G.WithName(name+"/w1"), G.WithInit(init)),
		w2: G.NewMatrix(g, G.Float64, G.WithShape(dim, dim),
			G.WithName(name+"/w2"), G.WithInit(init)),
		v: G.NewMatrix(g, G.Float64, G.WithShape(dim, 1),
			G.WithName(name+"/v"), G.WithInit(init)),
	}, nil
}

// projectMemory computes the memory-side term e·W1 of the attention
// score for every memory vector
func (a *attnHead) projectMemory(memory []*G.Node) ([]*G.Node, error) {
	proj := make([]*G.Node, len(memory))
	for i, mem := range memory {
		var err error
		if proj[i], err = G.Mul(mem, a.w1); err != nil {
			return nil, fmt.Errorf("projectmemory: could not project "+
				"memory vector %v: %v", i, err)
		}
	}
	return proj, nil
}

// score computes attention logits of shape (batch, len(memProj)) for
// the given decoder state against every projected memory vector
func (a *attnHead) score(memProj []*G.Node, state *G.Node) (*G.Node,
	error) {
	stateProj, err := G.Mul(state, a.w2)
	if err != nil {
		return nil, fmt.Errorf("score: could not project decoder "+
			"state: %v", err)
	}

	scores := make([]*G.Node, len(memProj))
	for i, proj := range memProj {
		hidden := G.Must(G.Tanh(G.Must(G.Add(proj, stateProj))))
		if scores[i], err = G.Mul(hidden, a.v); err != nil {
			return nil, fmt.Errorf("score: could not score memory "+
				"vector %v: %v", i, err)
		}
	}
	return G.Concat(1, scores...)
}

func (a *attnHead) Learnables() G.Nodes {
	return G.Nodes{a.w1, a.w2, a.v}
}

// attendMemory computes the weighted sum of the memory vectors under
// the given attention weights of shape (batch, len(memory))
func attendMemory(weights *G.Node, memory []*G.Node, batch int) (*G.Node,
	error) {
	var sum *G.Node
	for i, mem := range memory {
		col, err := G.Slice(weights, nil, G.S(i))
		if err != nil {
			return nil, fmt.Errorf("attendmemory: could not slice "+
				"attention weights for position %v: %v", i, err)
		}
		col = G.Must(G.Reshape(col, tensor.Shape{batch, 1}))

		weighted, err := G.BroadcastHadamardProd(mem, col, nil, []byte{1})
		if err != nil {
			return nil, fmt.Errorf("attendmemory: could not weight memory "+
				"vector %v: %v", i, err)
		}

		if sum == nil {
			sum = weighted
		} else {
			sum = G.Must(G.Add(sum, weighted))
		}
	}
	return sum, nil
}

// batchNormActions pools the per-timestep action predictions into one
// batch, normalizes them with the pooled mean and variance, applies
// the learned scale and shift, and splits the result back into
// per-timestep nodes. The pooled statistics are those of the current
// batch only; no running average is tracked for later evaluation use.
func batchNormActions(g *G.ExprGraph, name string, actions []*G.Node,
	batch, actionDim int) ([]*G.Node, *G.Node, *G.Node) {
	beta := G.NewVector(g, G.Float64, G.WithShape(actionDim),
		G.WithName(name+"/beta"), G.WithInit(G.Zeroes()))
	gamma := G.NewVector(g, G.Float64, G.WithShape(actionDim),
		G.WithName(name+"/gamma"), G.WithInit(G.Ones()))

	// Compute moments over all timesteps, treated as one big batch
	pooled := G.Must(G.Concat(0, actions...))
	mean := G.Must(G.Mean(pooled, 0))
	centered := G.Must(G.BroadcastSub(pooled, mean, nil, []byte{0}))
	variance := G.Must(G.Mean(G.Must(G.Square(centered)), 0))

	std := G.Must(G.Sqrt(G.Must(G.Add(variance,
		G.NewConstant(bnEpsilon)))))
	norm := G.Must(G.BroadcastHadamardDiv(centered, std, nil, []byte{0}))
	scaled := G.Must(G.BroadcastHadamardProd(norm, gamma, nil, []byte{0}))
	out := G.Must(G.BroadcastAdd(scaled, beta, nil, []byte{0}))

	split := make([]*G.Node, len(actions))
	for t := range actions {
		split[t] = G.Must(G.Slice(out, G.S(t*batch, (t+1)*batch)))
	}
	return split, beta, gamma
}

// seqMatrixVariables returns the supplied per-timestep nodes after
// shape validation, or creates zero-initialized variables of the
// wanted shape
func seqMatrixVariables(g *G.ExprGraph, supplied []*G.Node, name string,
	seqLength, rows, cols int) ([]*G.Node, error) {
	if supplied == nil {
		nodes := make([]*G.Node, seqLength)
		for t := range nodes {
			nodes[t] = G.NewMatrix(g, G.Float64, G.WithShape(rows, cols),
				G.WithName(fmt.Sprintf("%v_%d", name, t)),
				G.WithInit(G.Zeroes()))
		}
		return nodes, nil
	}

	if len(supplied) != seqLength {
		return nil, fmt.Errorf("wrong number of supplied nodes "+
			"\n\twant(%v) \n\thave(%v)", seqLength, len(supplied))
	}
	for t, node := range supplied {
		if _, err := matrixVariable(g, node, node.Name(), rows,
			cols); err != nil {
			return nil, fmt.Errorf("timestep %v: %v", t, err)
		}
	}
	return supplied, nil
}

// seqVectorVariables returns the supplied per-timestep nodes after
// shape validation, or creates zero-initialized variables of the
// wanted shape
func seqVectorVariables(g *G.ExprGraph, supplied []*G.Node, name string,
	seqLength, size int) ([]*G.Node, error) {
	if supplied == nil {
		nodes := make([]*G.Node, seqLength)
		for t := range nodes {
			nodes[t] = G.NewVector(g, G.Float64, G.WithShape(size),
				G.WithName(fmt.Sprintf("%v_%d", name, t)),
				G.WithInit(G.Zeroes()))
		}
		return nodes, nil
	}

	if len(supplied) != seqLength {
		return nil, fmt.Errorf("wrong number of supplied nodes "+
			"\n\twant(%v) \n\thave(%v)", seqLength, len(supplied))
	}
	for t, node := range supplied {
		if _, err := vectorVariable(g, node, node.Name(),
			size); err != nil {
			return nil, fmt.Errorf("timestep %v: %v", t, err)
		}
	}
	return supplied, nil
}
