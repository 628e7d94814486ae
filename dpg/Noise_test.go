package dpg_test

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
	"gonum.org/v1/gonum/stat"

	"github.com/rlcomp/gorlcomp/dpg"
)

func TestNewGaussianNoiser(t *testing.T) {
	if _, err := dpg.NewGaussianNoiser(-0.1); err == nil {
		t.Error("newgaussiannoiser: negative standard deviation should " +
			"error")
	}
	if _, err := dpg.NewGaussianNoiser(0.0); err != nil {
		t.Errorf("newgaussiannoiser: zero standard deviation should not "+
			"error: %v", err)
	}
}

func TestGaussianNoiserZeroStdDev(t *testing.T) {
	noiser, err := dpg.NewGaussianNoiser(0.0)
	if err != nil {
		t.Fatalf("newgaussiannoiser: %v", err)
	}

	g := G.NewGraph()
	actions := G.NewMatrix(g, G.Float64, G.WithShape(3, 2),
		G.WithName("actions"), G.WithInit(G.Zeroes()))

	noised, err := noiser.Noise(actions)
	if err != nil {
		t.Fatalf("noise: %v", err)
	}
	if noised != actions {
		t.Error("noise: zero standard deviation should return the " +
			"actions node unchanged")
	}
}

func TestGaussianNoiserStatistics(t *testing.T) {
	const (
		rows   = 100
		cols   = 100
		stddev = 0.5
	)

	noiser, err := dpg.NewGaussianNoiser(stddev)
	if err != nil {
		t.Fatalf("newgaussiannoiser: %v", err)
	}

	g := G.NewGraph()
	actions := G.NewMatrix(g, G.Float64, G.WithShape(rows, cols),
		G.WithName("actions"), G.WithInit(G.Zeroes()))

	noised, err := noiser.Noise(actions)
	if err != nil {
		t.Fatalf("noise: %v", err)
	}
	if !noised.Shape().Eq(actions.Shape()) {
		t.Fatalf("noise: noise changed the action shape \n\twant(%v) "+
			"\n\thave(%v)", actions.Shape(), noised.Shape())
	}

	var val G.Value
	G.Read(noised, &val)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("runall: %v", err)
	}

	// Noising zeros exposes the raw noise
	noise := val.Data().([]float64)
	mean, variance := stat.MeanVariance(noise, nil)
	if math.Abs(mean) > 0.05 {
		t.Errorf("noise: mean should be near 0 \n\thave(%v)", mean)
	}
	if math.Abs(variance-stddev*stddev) > 0.05 {
		t.Errorf("noise: variance should be near %v \n\thave(%v)",
			stddev*stddev, variance)
	}
}

func TestGaussianNoiserSeq(t *testing.T) {
	noiser, err := dpg.NewGaussianNoiser(0.1)
	if err != nil {
		t.Fatalf("newgaussiannoiser: %v", err)
	}

	g := G.NewGraph()
	actions := make([]*G.Node, 3)
	for i := range actions {
		actions[i] = G.NewMatrix(g, G.Float64, G.WithShape(4, 2),
			G.WithName("actions"+string(rune('0'+i))),
			G.WithInit(G.Zeroes()))
	}

	noised, err := noiser.NoiseSeq(actions)
	if err != nil {
		t.Fatalf("noiseseq: %v", err)
	}
	if len(noised) != len(actions) {
		t.Fatalf("noiseseq: wrong number of noised nodes \n\twant(%v) "+
			"\n\thave(%v)", len(actions), len(noised))
	}
	for i, node := range noised {
		if !node.Shape().Eq(actions[i].Shape()) {
			t.Errorf("noiseseq: noise changed the shape of timestep %v", i)
		}
	}
}
