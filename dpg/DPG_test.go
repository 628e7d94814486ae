package dpg_test

import (
	"math"
	"strings"
	"testing"

	G "gorgonia.org/gorgonia"

	"github.com/rlcomp/gorlcomp/dpg"
	"github.com/rlcomp/gorlcomp/initwfn"
	"github.com/rlcomp/gorlcomp/solver"
	"github.com/rlcomp/gorlcomp/spec"
)

func TestNew(t *testing.T) {
	const (
		stateDim  = 4
		actionDim = 2
		batchSize = 3
	)

	mdp := spec.NewMDP(stateDim, actionDim)
	model := spec.NewModel([]int{8, 8}, []int{8, 8})

	d, err := dpg.New(mdp, model, batchSize)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	shape := d.APred.Shape()
	if shape[0] != batchSize || shape[1] != actionDim {
		t.Errorf("new: invalid action shape \n\twant(%v, %v) \n\thave(%v)",
			batchSize, actionDim, shape)
	}
	for name, node := range map[string]*G.Node{
		"criticon":      d.CriticOn,
		"criticoff":     d.CriticOff,
		"criticontrack": d.CriticOnTrack,
	} {
		if !node.IsVector() || node.Shape()[0] != batchSize {
			t.Errorf("new: invalid %v shape \n\twant(%v) \n\thave(%v)",
				name, batchSize, node.Shape())
		}
	}
	if !d.PolicyObjective.IsScalar() || !d.CriticObjective.IsScalar() {
		t.Error("new: objectives should be scalars")
	}
}

// Policy and critic parameters must be disjoint, and together with the
// tracked copies they are exactly the graph's trainable state.
func TestNewDisjointParams(t *testing.T) {
	mdp := spec.NewMDP(4, 2)
	model := spec.NewModel([]int{8}, []int{8})

	d, err := dpg.New(mdp, model, 3)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	seen := make(map[string]bool)
	for _, node := range d.PolicyParams() {
		if !strings.HasPrefix(node.Name(), "dpg/policy/") {
			t.Errorf("policyparams: parameter %q is out of scope",
				node.Name())
		}
		seen[node.Name()] = true
	}
	for _, node := range d.CriticParams() {
		if !strings.HasPrefix(node.Name(), "dpg/critic/") {
			t.Errorf("criticparams: parameter %q is out of scope",
				node.Name())
		}
		if seen[node.Name()] {
			t.Errorf("criticparams: parameter %q shared with the policy",
				node.Name())
		}
	}
}

func TestNewForwardPass(t *testing.T) {
	const (
		stateDim  = 4
		actionDim = 2
		batchSize = 3
	)

	mdp := spec.NewMDP(stateDim, actionDim)
	model := spec.NewModel([]int{8, 8}, []int{8, 8})

	d, err := dpg.New(mdp, model, batchSize)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var trackVal G.Value
	G.Read(d.APredTrack, &trackVal)

	vm := G.NewTapeMachine(d.Graph())
	defer vm.Close()

	states := make([]float64, batchSize*stateDim)
	for i := range states {
		states[i] = float64(i) / float64(len(states))
	}
	if err := d.SetInputs(states); err != nil {
		t.Fatalf("setinputs: %v", err)
	}
	if err := vm.RunAll(); err != nil {
		t.Fatalf("runall: %v", err)
	}

	// The critic output is squashed by tanh
	for i, v := range d.CriticOnValue().Data().([]float64) {
		if v <= -1.0 || v >= 1.0 || math.IsNaN(v) {
			t.Errorf("new: critic estimate %v out of (-1, 1) at index %v",
				v, i)
		}
	}

	// Tracked parameters start equal to the live parameters, so the
	// tracked policy must agree with the live policy exactly
	live := d.APredValue().Data().([]float64)
	tracked := trackVal.Data().([]float64)
	for i := range live {
		if live[i] != tracked[i] {
			t.Fatalf("new: tracked policy disagrees with live policy at "+
				"index %v: %v != %v", i, live[i], tracked[i])
		}
	}
}

// A graph can be differentiated symbolically only once, so training
// uses two mirrored copies of the DPG graph: one carries the critic's
// gradients and the other the policy's, each from a single Grad call.
// Gradients must materialize for every parameter of the differentiated
// set, and a solver step must move the parameters.
func TestGradientStep(t *testing.T) {
	const (
		stateDim  = 4
		actionDim = 2
		batchSize = 3
	)

	mdp := spec.NewMDP(stateDim, actionDim)
	model := spec.NewModel([]int{8}, []int{8})

	policyInit, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		t.Fatalf("newglorotu: %v", err)
	}
	opts := []dpg.Option{dpg.WithPolicyInit(policyInit)}

	criticD, err := dpg.New(mdp, model, batchSize, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	policyD, err := dpg.New(mdp, model, batchSize, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// One symbolic differentiation pass per graph
	if _, err := G.Grad(criticD.CriticObjective,
		criticD.CriticParams()...); err != nil {
		t.Fatalf("grad: could not differentiate the critic objective: %v",
			err)
	}
	if _, err := G.Grad(policyD.PolicyObjective,
		policyD.PolicyParams()...); err != nil {
		t.Fatalf("grad: could not differentiate the policy objective: %v",
			err)
	}

	criticVM := G.NewTapeMachine(criticD.Graph(),
		G.BindDualValues(criticD.CriticParams()...))
	defer criticVM.Close()
	policyVM := G.NewTapeMachine(policyD.Graph(),
		G.BindDualValues(policyD.PolicyParams()...))
	defer policyVM.Close()

	states := make([]float64, batchSize*stateDim)
	for i := range states {
		states[i] = float64(i+1) / float64(len(states))
	}
	qTargets := make([]float64, batchSize)
	for i := range qTargets {
		qTargets[i] = 0.5
	}

	if err := criticD.SetInputs(states); err != nil {
		t.Fatalf("setinputs: %v", err)
	}
	if err := criticD.SetQTargets(qTargets); err != nil {
		t.Fatalf("setqtargets: %v", err)
	}
	if err := policyD.SetInputs(states); err != nil {
		t.Fatalf("setinputs: %v", err)
	}

	if err := criticVM.RunAll(); err != nil {
		t.Fatalf("runall: %v", err)
	}
	if err := policyVM.RunAll(); err != nil {
		t.Fatalf("runall: %v", err)
	}

	for _, node := range criticD.CriticParams() {
		grad, err := node.Grad()
		if err != nil {
			t.Errorf("grad: no gradient for critic parameter %q: %v",
				node.Name(), err)
		} else if !grad.Shape().Eq(node.Shape()) {
			t.Errorf("grad: invalid gradient shape for %q \n\twant(%v) "+
				"\n\thave(%v)", node.Name(), node.Shape(), grad.Shape())
		}
	}
	for _, node := range policyD.PolicyParams() {
		grad, err := node.Grad()
		if err != nil {
			t.Errorf("grad: no gradient for policy parameter %q: %v",
				node.Name(), err)
		} else if !grad.Shape().Eq(node.Shape()) {
			t.Errorf("grad: invalid gradient shape for %q \n\twant(%v) "+
				"\n\thave(%v)", node.Name(), node.Shape(), grad.Shape())
		}
	}

	sol, err := solver.NewVanilla(0.1, 1, -1.0)
	if err != nil {
		t.Fatalf("newvanilla: %v", err)
	}

	criticWeights := criticD.CriticParams()[0]
	before := make([]float64, len(criticWeights.Value().Data().([]float64)))
	copy(before, criticWeights.Value().Data().([]float64))

	err = sol.Step(G.NodesToValueGrads(criticD.CriticParams()))
	if err != nil {
		t.Fatalf("step: %v", err)
	}

	changed := false
	for i, v := range criticWeights.Value().Data().([]float64) {
		if v != before[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Errorf("step: solver step did not move critic parameter %q",
			criticWeights.Name())
	}

	policyWeights := policyD.PolicyParams()[0]
	before = make([]float64, len(policyWeights.Value().Data().([]float64)))
	copy(before, policyWeights.Value().Data().([]float64))

	err = sol.Step(G.NodesToValueGrads(policyD.PolicyParams()))
	if err != nil {
		t.Fatalf("step: %v", err)
	}

	changed = false
	for i, v := range policyWeights.Value().Data().([]float64) {
		if v != before[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Errorf("step: solver step did not move policy parameter %q",
			policyWeights.Name())
	}
}

func TestNewInvalid(t *testing.T) {
	mdp := spec.NewMDP(4, 2)
	model := spec.NewModel([]int{8}, []int{8})

	if _, err := dpg.New(spec.NewMDP(0, 2), model, 3); err == nil {
		t.Error("new: invalid MDP should error")
	}
	if _, err := dpg.New(mdp, spec.NewModel([]int{0}, nil),
		3); err == nil {
		t.Error("new: invalid model should error")
	}
	if _, err := dpg.New(mdp, model, 0); err == nil {
		t.Error("new: zero batch size should error")
	}
	if _, err := dpg.New(mdp, model, 3,
		dpg.WithBatchNorm()); err == nil {
		t.Error("new: batch normalization should be rejected")
	}
}

func TestSetInputsInvalid(t *testing.T) {
	d, err := dpg.New(spec.NewMDP(4, 2), spec.NewModel([]int{8},
		[]int{8}), 3)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := d.SetInputs(make([]float64, 5)); err == nil {
		t.Error("setinputs: wrong value count should error")
	}
	if err := d.SetQTargets(make([]float64, 4)); err == nil {
		t.Error("setqtargets: wrong value count should error")
	}
}

func TestTrackUpdateInvalidTau(t *testing.T) {
	d, err := dpg.New(spec.NewMDP(4, 2), spec.NewModel([]int{8},
		[]int{8}), 3)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := d.TrackUpdate(0.0); err == nil {
		t.Error("trackupdate: tau of 0 should error")
	}
	if err := d.TrackUpdate(1.5); err == nil {
		t.Error("trackupdate: tau above 1 should error")
	}
	if err := d.TrackUpdate(0.1); err != nil {
		t.Errorf("trackupdate: legal tau should not error: %v", err)
	}
}
