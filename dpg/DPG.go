package dpg

import (
	"fmt"

	G "gorgonia.org/gorgonia"

	"github.com/rlcomp/gorlcomp/network"
	"github.com/rlcomp/gorlcomp/spec"
)

// DPG implements the base deep deterministic policy gradient graph. A
// single construction wires the policy, noiser, critic and target
// tracker together:
//
//   - the policy network maps the input states to predicted actions
//     (APred), which the noiser perturbs into exploratory actions
//     (AExplore);
//   - one critic network, evaluated twice with shared parameters,
//     produces value estimates of the predicted actions (CriticOn) and
//     of the exploratory actions (CriticOff);
//   - a fully separate policy+critic pair with tracked parameters,
//     synced to the live parameters at construction and advanced only
//     by TrackUpdate, is evaluated on the predicted actions
//     (APredTrack, CriticOnTrack).
//
// The exposed objectives are minimized by the client training loop:
// PolicyObjective is the negated mean on-policy value estimate and
// CriticObjective is the mean squared error of the off-policy value
// estimates against QTargets.
type DPG struct {
	g    *G.ExprGraph
	name string

	mdp       spec.MDP
	model     spec.Model
	batchSize int

	noiser Noiser

	// Inputs and targets, fed by the client before each run
	Inputs   *G.Node
	QTargets *G.Node

	// Predicted and exploratory actions
	APred    *G.Node
	AExplore *G.Node

	// On- and off-policy value estimates
	CriticOn  *G.Node
	CriticOff *G.Node

	// Tracked-copy evaluations of the predicted actions
	APredTrack    *G.Node
	CriticOnTrack *G.Node

	// Training objectives
	PolicyObjective *G.Node
	CriticObjective *G.Node

	policy      *network.MLP
	policyTrack *network.MLP
	critic      *criticNet
	criticTrack *criticNet

	policyParams G.Nodes
	criticParams G.Nodes

	tracker *Tracker

	aPredVal    G.Value
	aExploreVal G.Value
	criticOnVal G.Value
}

// New creates and returns a new base DPG instance for the given MDP
// and model specifications, operating on input batches of batchSize
// states
func New(mdp spec.MDP, model spec.Model, batchSize int,
	opts ...Option) (*DPG, error) {
	if err := mdp.Validate(); err != nil {
		return nil, fmt.Errorf("new: invalid MDP specification: %v", err)
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("new: invalid model specification: %v", err)
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("new: batch size must be positive "+
			"\n\thave(%v)", batchSize)
	}

	c := newConfig("dpg", opts...)
	if c.hardener != nil {
		return nil, fmt.Errorf("new: action hardening requires a " +
			"sequence variant")
	}
	if c.batchNorm {
		return nil, fmt.Errorf("new: batch normalization requires a " +
			"pointer-network variant")
	}
	if c.seqInputs != nil || c.seqQTargets != nil {
		return nil, fmt.Errorf("new: per-timestep inputs and targets " +
			"require a sequence variant")
	}

	g := c.graph()

	inputs, err := matrixVariable(g, c.inputs, c.name+"/inputs",
		batchSize, mdp.StateDim)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	qTargets, err := vectorVariable(g, c.qTargets, c.name+"/q_targets",
		batchSize)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	// Build main model: actor
	policy, err := newPolicyNet(g, c.name+"/policy", mdp, model,
		c.policyInit)
	if err != nil {
		return nil, fmt.Errorf("new: could not create policy network: %v",
			err)
	}
	aPred, err := policy.Fwd(inputs)
	if err != nil {
		return nil, fmt.Errorf("new: could not evaluate policy: %v", err)
	}
	aExplore, err := c.noiser.Noise(aPred)
	if err != nil {
		return nil, fmt.Errorf("new: could not noise actions: %v", err)
	}

	// Build main model: critic (on- and off-policy). A single critic
	// network is evaluated twice so that both branches share
	// parameters and differ only in the action they are fed.
	critic, err := newCriticNet(g, c.name+"/critic", mdp, model,
		c.criticInit)
	if err != nil {
		return nil, fmt.Errorf("new: could not create critic network: %v",
			err)
	}
	criticOn, err := critic.Eval(inputs, aPred)
	if err != nil {
		return nil, fmt.Errorf("new: could not evaluate on-policy "+
			"critic: %v", err)
	}
	criticOff, err := critic.Eval(inputs, aExplore)
	if err != nil {
		return nil, fmt.Errorf("new: could not evaluate off-policy "+
			"critic: %v", err)
	}

	// Build tracking models: architecturally identical policy and
	// critic copies with their own parameters, evaluated on the
	// on-policy actions only.
	policyTrack, err := newPolicyNet(g, c.name+"/policy_track", mdp,
		model, c.policyInit)
	if err != nil {
		return nil, fmt.Errorf("new: could not create tracked policy: %v",
			err)
	}
	aPredTrack, err := policyTrack.Fwd(inputs)
	if err != nil {
		return nil, fmt.Errorf("new: could not evaluate tracked "+
			"policy: %v", err)
	}
	criticTrack, err := newCriticNet(g, c.name+"/critic_track", mdp,
		model, c.criticInit)
	if err != nil {
		return nil, fmt.Errorf("new: could not create tracked critic: %v",
			err)
	}
	criticOnTrack, err := criticTrack.Eval(inputs, aPred)
	if err != nil {
		return nil, fmt.Errorf("new: could not evaluate tracked "+
			"critic: %v", err)
	}

	policyObjective, criticObjective := objectives(criticOn, criticOff,
		qTargets)

	// Make tracking updates. The policy- and critic-side trackers are
	// grouped so one Update call advances both tracked copies. SGD
	// updates are left to the client.
	policyTracker, err := NewTracker(c.name+"/policy",
		c.name+"/policy_track", policy.Learnables(),
		policyTrack.Learnables())
	if err != nil {
		return nil, fmt.Errorf("new: could not pair tracked policy "+
			"parameters: %v", err)
	}
	criticTracker, err := NewTracker(c.name+"/critic",
		c.name+"/critic_track", critic.Learnables(),
		criticTrack.Learnables())
	if err != nil {
		return nil, fmt.Errorf("new: could not pair tracked critic "+
			"parameters: %v", err)
	}
	tracker := Group(policyTracker, criticTracker)

	// Tracked parameters start equal to their live counterparts
	if err := tracker.Update(1.0); err != nil {
		return nil, fmt.Errorf("new: could not initialize tracked "+
			"parameters: %v", err)
	}

	d := &DPG{
		g:         g,
		name:      c.name,
		mdp:       mdp,
		model:     model,
		batchSize: batchSize,
		noiser:    c.noiser,

		Inputs:   inputs,
		QTargets: qTargets,

		APred:    aPred,
		AExplore: aExplore,

		CriticOn:  criticOn,
		CriticOff: criticOff,

		APredTrack:    aPredTrack,
		CriticOnTrack: criticOnTrack,

		PolicyObjective: policyObjective,
		CriticObjective: criticObjective,

		policy:      policy,
		policyTrack: policyTrack,
		critic:      critic,
		criticTrack: criticTrack,

		policyParams: policy.Learnables(),
		criticParams: critic.Learnables(),

		tracker: tracker,
	}

	G.Read(d.APred, &d.aPredVal)
	G.Read(d.AExplore, &d.aExploreVal)
	G.Read(d.CriticOn, &d.criticOnVal)

	return d, nil
}

// Graph returns the computational graph holding the instance
func (d *DPG) Graph() *G.ExprGraph {
	return d.g
}

// Name returns the name scope of the instance
func (d *DPG) Name() string {
	return d.name
}

// BatchSize returns the batch size of inputs to the instance
func (d *DPG) BatchSize() int {
	return d.batchSize
}

// PolicyParams returns the trainable parameters of the policy network
func (d *DPG) PolicyParams() G.Nodes {
	return d.policyParams
}

// CriticParams returns the trainable parameters of the critic network.
// PolicyParams and CriticParams are disjoint; together with the
// tracked copies they are exactly the instance's trainable state.
func (d *DPG) CriticParams() G.Nodes {
	return d.criticParams
}

// TrackUpdate advances the tracked policy and critic parameters toward
// the live parameters at rate tau. It should be invoked periodically
// by the client training loop.
func (d *DPG) TrackUpdate(tau float64) error {
	return d.tracker.Update(tau)
}

// SetInputs feeds a batch of state vectors, in row-major order, into
// the instance's input node
func (d *DPG) SetInputs(data []float64) error {
	return setValue(d.Inputs, data)
}

// SetQTargets feeds a batch of Q-value targets into the instance's
// target node
func (d *DPG) SetQTargets(data []float64) error {
	return setValue(d.QTargets, data)
}

// APredValue returns the predicted actions computed by the most recent
// run of the graph
func (d *DPG) APredValue() G.Value {
	return d.aPredVal
}

// AExploreValue returns the exploratory actions computed by the most
// recent run of the graph
func (d *DPG) AExploreValue() G.Value {
	return d.aExploreVal
}

// CriticOnValue returns the on-policy value estimates computed by the
// most recent run of the graph
func (d *DPG) CriticOnValue() G.Value {
	return d.criticOnVal
}

// matrixVariable returns the supplied node after shape validation, or
// creates a zero-initialized variable of the wanted shape
func matrixVariable(g *G.ExprGraph, supplied *G.Node, name string,
	rows, cols int) (*G.Node, error) {
	if supplied == nil {
		return G.NewMatrix(
			g,
			G.Float64,
			G.WithShape(rows, cols),
			G.WithName(name),
			G.WithInit(G.Zeroes()),
		), nil
	}

	if supplied.Graph() != g {
		return nil, fmt.Errorf("supplied node %v belongs to a different "+
			"graph", supplied.Name())
	}
	if !supplied.IsMatrix() || supplied.Shape()[0] != rows ||
		supplied.Shape()[1] != cols {
		return nil, fmt.Errorf("supplied node %v has invalid shape "+
			"\n\twant(%v, %v) \n\thave(%v)", supplied.Name(), rows, cols,
			supplied.Shape())
	}
	return supplied, nil
}

// vectorVariable returns the supplied node after shape validation, or
// creates a zero-initialized variable of the wanted shape
func vectorVariable(g *G.ExprGraph, supplied *G.Node, name string,
	size int) (*G.Node, error) {
	if supplied == nil {
		return G.NewVector(
			g,
			G.Float64,
			G.WithShape(size),
			G.WithName(name),
			G.WithInit(G.Zeroes()),
		), nil
	}

	if supplied.Graph() != g {
		return nil, fmt.Errorf("supplied node %v belongs to a different "+
			"graph", supplied.Name())
	}
	if !supplied.IsVector() || supplied.Shape()[0] != size {
		return nil, fmt.Errorf("supplied node %v has invalid shape "+
			"\n\twant(%v) \n\thave(%v)", supplied.Name(), size,
			supplied.Shape())
	}
	return supplied, nil
}
