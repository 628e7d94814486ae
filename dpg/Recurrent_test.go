package dpg_test

import (
	"errors"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/rlcomp/gorlcomp/dpg"
	"github.com/rlcomp/gorlcomp/spec"
)

// identityFeedback feeds each predicted action back in as the next
// decoder input, which requires the decoder input dimension to equal
// the action dimension
type identityFeedback struct{}

func (identityFeedback) NextInput(action *G.Node, t int) (*G.Node,
	error) {
	return action, nil
}

func TestNewRecurrent(t *testing.T) {
	const (
		hidden    = 8
		actionDim = 2
		seqLength = 4
		batchSize = 3
	)

	mdp := spec.NewMDP(hidden, actionDim)
	model := spec.NewModel([]int{hidden}, []int{hidden})

	r, err := dpg.NewRecurrent(mdp, model, actionDim, seqLength,
		batchSize, identityFeedback{})
	if err != nil {
		t.Fatalf("newrecurrent: %v", err)
	}

	if len(r.APred) != seqLength || len(r.DecoderStates) != seqLength ||
		len(r.CriticOnSeq) != seqLength ||
		len(r.CriticOffSeq) != seqLength {
		t.Fatalf("newrecurrent: rollout should have %v timesteps",
			seqLength)
	}
	for i, node := range r.APred {
		shape := node.Shape()
		if shape[0] != batchSize || shape[1] != actionDim {
			t.Errorf("newrecurrent: invalid action shape at timestep %v "+
				"\n\twant(%v, %v) \n\thave(%v)", i, batchSize, actionDim,
				shape)
		}
	}
	for i, node := range r.DecoderStates {
		shape := node.Shape()
		if shape[0] != batchSize || shape[1] != hidden {
			t.Errorf("newrecurrent: invalid state shape at timestep %v "+
				"\n\twant(%v, %v) \n\thave(%v)", i, batchSize, hidden,
				shape)
		}
	}
	for i, node := range r.CriticOnSeq {
		if !node.IsVector() || node.Shape()[0] != batchSize {
			t.Errorf("newrecurrent: invalid value-estimate shape at "+
				"timestep %v \n\twant(%v) \n\thave(%v)", i, batchSize,
				node.Shape())
		}
	}

	// The whole graph, rollout and single-step path alike, must be
	// executable with the default zero-valued placeholders
	vm := G.NewTapeMachine(r.Graph())
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("runall: %v", err)
	}
}

func TestNewRecurrentNilDynamics(t *testing.T) {
	mdp := spec.NewMDP(8, 2)
	model := spec.NewModel([]int{8}, []int{8})

	_, err := dpg.NewRecurrent(mdp, model, 2, 4, 3, nil)
	if err == nil {
		t.Fatal("newrecurrent: nil dynamics should error")
	}
	if !errors.Is(err, dpg.ErrNotImplemented) {
		t.Errorf("newrecurrent: nil dynamics should wrap "+
			"ErrNotImplemented, got %v", err)
	}
}

func TestNewRecurrentStateDimMismatch(t *testing.T) {
	// The decoder hidden state is the critic's state representation,
	// so the state dimension must equal the first policy hidden width
	mdp := spec.NewMDP(7, 2)
	model := spec.NewModel([]int{8}, []int{8})

	if _, err := dpg.NewRecurrent(mdp, model, 2, 4, 3,
		identityFeedback{}); err == nil {
		t.Error("newrecurrent: state dimension mismatch should error")
	}
}

func TestNewRecurrentInvalidOptions(t *testing.T) {
	mdp := spec.NewMDP(8, 2)
	model := spec.NewModel([]int{8}, []int{8})

	if _, err := dpg.NewRecurrent(mdp, model, 2, 4, 3,
		identityFeedback{}, dpg.WithBatchNorm()); err == nil {
		t.Error("newrecurrent: batch normalization should be rejected")
	}
}

func TestRecurrentTrackUpdate(t *testing.T) {
	mdp := spec.NewMDP(8, 2)
	model := spec.NewModel([]int{8}, []int{8})

	r, err := dpg.NewRecurrent(mdp, model, 2, 4, 3, identityFeedback{})
	if err != nil {
		t.Fatalf("newrecurrent: %v", err)
	}

	if err := r.TrackUpdate(0.1); !errors.Is(err, dpg.ErrNoTracking) {
		t.Errorf("trackupdate: should wrap ErrNoTracking, got %v", err)
	}
}

func TestRecurrentHardenActions(t *testing.T) {
	mdp := spec.NewMDP(8, 2)
	model := spec.NewModel([]int{8}, []int{8})

	r, err := dpg.NewRecurrent(mdp, model, 2, 4, 3, identityFeedback{})
	if err != nil {
		t.Fatalf("newrecurrent: %v", err)
	}

	actions := []*tensor.Dense{
		tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(3, 2)),
	}
	if _, err := r.HardenActions(actions); !errors.Is(err,
		dpg.ErrNotImplemented) {
		t.Errorf("hardenactions: should wrap ErrNotImplemented without "+
			"a hardener, got %v", err)
	}
}
