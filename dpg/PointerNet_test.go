package dpg_test

import (
	"errors"
	"math"
	"testing"

	G "gorgonia.org/gorgonia"

	"github.com/rlcomp/gorlcomp/dpg"
	"github.com/rlcomp/gorlcomp/spec"
)

func TestNewPointerNet(t *testing.T) {
	const (
		inputDim  = 1
		hidden    = 3
		seqLength = 5
		batchSize = 2
	)

	mdp := spec.NewMDP(2*hidden, seqLength)
	model := spec.NewModel([]int{hidden}, []int{hidden})

	p, err := dpg.NewPointerNet(mdp, model, inputDim, seqLength,
		batchSize)
	if err != nil {
		t.Fatalf("newpointernet: %v", err)
	}

	if len(p.EncoderStates) != seqLength ||
		len(p.DecoderStates) != seqLength ||
		len(p.DecoderInputs) != seqLength || len(p.APred) != seqLength ||
		len(p.CriticOn) != seqLength || len(p.CriticOff) != seqLength {
		t.Fatalf("newpointernet: rollout should have %v timesteps",
			seqLength)
	}
	if len(p.AttnWeights) != seqLength-1 {
		t.Fatalf("newpointernet: should have %v attention nodes "+
			"\n\thave(%v)", seqLength-1, len(p.AttnWeights))
	}

	// Each action is a batch of logits over the memory positions
	for i, node := range p.APred {
		shape := node.Shape()
		if shape[0] != batchSize || shape[1] != seqLength {
			t.Errorf("newpointernet: invalid action shape at timestep %v "+
				"\n\twant(%v, %v) \n\thave(%v)", i, batchSize, seqLength,
				shape)
		}
	}
	for i, node := range p.DecoderInputs {
		shape := node.Shape()
		if shape[0] != batchSize || shape[1] != hidden {
			t.Errorf("newpointernet: invalid decoder input shape at "+
				"timestep %v \n\twant(%v, %v) \n\thave(%v)", i, batchSize,
				hidden, shape)
		}
	}
	if !p.PolicyObjective.IsScalar() || !p.CriticObjective.IsScalar() {
		t.Error("newpointernet: objectives should be scalars")
	}

	// Without batch normalization there are no shared scale/shift
	// parameters
	params := append(p.PolicyParams(), p.CriticParams()...)
	for _, node := range params {
		switch node.Name() {
		case "ptrdpg/bn/beta", "ptrdpg/bn/gamma":
			t.Errorf("newpointernet: unexpected normalization parameter %q",
				node.Name())
		}
	}
}

// Attention weights are softmaxed logits, so every row must sum to 1
func TestPointerNetAttentionWeights(t *testing.T) {
	const (
		inputDim  = 1
		hidden    = 3
		seqLength = 5
		batchSize = 2
	)

	mdp := spec.NewMDP(2*hidden, seqLength)
	model := spec.NewModel([]int{hidden}, []int{hidden})

	p, err := dpg.NewPointerNet(mdp, model, inputDim, seqLength,
		batchSize)
	if err != nil {
		t.Fatalf("newpointernet: %v", err)
	}

	weightVals := make([]G.Value, len(p.AttnWeights))
	for i, node := range p.AttnWeights {
		G.Read(node, &weightVals[i])
	}

	vm := G.NewTapeMachine(p.Graph())
	defer vm.Close()

	for i := 0; i < seqLength; i++ {
		inputs := make([]float64, batchSize*inputDim)
		for j := range inputs {
			inputs[j] = float64(i*batchSize+j) / 10.0
		}
		if err := p.SetInput(i, inputs); err != nil {
			t.Fatalf("setinput: %v", err)
		}
	}
	if err := vm.RunAll(); err != nil {
		t.Fatalf("runall: %v", err)
	}

	for i, val := range weightVals {
		weights := val.Data().([]float64)
		for row := 0; row < batchSize; row++ {
			var sum float64
			for col := 0; col < seqLength; col++ {
				sum += weights[row*seqLength+col]
			}
			if math.Abs(sum-1.0) > 1e-9 {
				t.Errorf("attention node %v: row %v sums to %v", i, row,
					sum)
			}
		}
	}
}

func TestNewPointerNetStateDimMismatch(t *testing.T) {
	// The critic state concatenates a decoder input and a decoder
	// hidden state, so the state dimension must be twice the first
	// policy hidden width
	mdp := spec.NewMDP(5, 5)
	model := spec.NewModel([]int{3}, []int{3})

	if _, err := dpg.NewPointerNet(mdp, model, 1, 5, 2); err == nil {
		t.Error("newpointernet: state dimension mismatch should error")
	}
}

func TestNewPointerNetActionDimMismatch(t *testing.T) {
	// Actions point into the input sequence, so the action dimension
	// must equal the sequence length
	mdp := spec.NewMDP(6, 4)
	model := spec.NewModel([]int{3}, []int{3})

	if _, err := dpg.NewPointerNet(mdp, model, 1, 5, 2); err == nil {
		t.Error("newpointernet: action dimension mismatch should error")
	}
}

// The normalization scale and shift sit between the policy's outputs
// and the critic's inputs, so both parameter sets must contain them
func TestPointerNetBatchNorm(t *testing.T) {
	mdp := spec.NewMDP(6, 5)
	model := spec.NewModel([]int{3}, []int{3})

	p, err := dpg.NewPointerNet(mdp, model, 1, 5, 2,
		dpg.WithBatchNorm())
	if err != nil {
		t.Fatalf("newpointernet: %v", err)
	}

	for _, params := range []G.Nodes{p.PolicyParams(),
		p.CriticParams()} {
		var beta, gamma bool
		for _, node := range params {
			switch node.Name() {
			case "ptrdpg/bn/beta":
				beta = true
			case "ptrdpg/bn/gamma":
				gamma = true
			}
		}
		if !beta || !gamma {
			t.Error("newpointernet: normalization parameters should " +
				"belong to both parameter sets")
		}
	}

	// The normalized graph must still execute
	vm := G.NewTapeMachine(p.Graph())
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("runall: %v", err)
	}
}

func TestPointerNetTrackUpdate(t *testing.T) {
	mdp := spec.NewMDP(6, 5)
	model := spec.NewModel([]int{3}, []int{3})

	p, err := dpg.NewPointerNet(mdp, model, 1, 5, 2)
	if err != nil {
		t.Fatalf("newpointernet: %v", err)
	}

	if err := p.TrackUpdate(0.1); !errors.Is(err, dpg.ErrNoTracking) {
		t.Errorf("trackupdate: should wrap ErrNoTracking, got %v", err)
	}
}

func TestPointerNetSetInputInvalid(t *testing.T) {
	mdp := spec.NewMDP(6, 5)
	model := spec.NewModel([]int{3}, []int{3})

	p, err := dpg.NewPointerNet(mdp, model, 1, 5, 2)
	if err != nil {
		t.Fatalf("newpointernet: %v", err)
	}

	if err := p.SetInput(5, make([]float64, 2)); err == nil {
		t.Error("setinput: out-of-range timestep should error")
	}
	if err := p.SetInput(0, make([]float64, 3)); err == nil {
		t.Error("setinput: wrong value count should error")
	}
	if err := p.SetQTargets(-1, make([]float64, 2)); err == nil {
		t.Error("setqtargets: out-of-range timestep should error")
	}
}
