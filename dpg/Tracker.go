package dpg

import (
	"fmt"
	"strings"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Tracker maintains exponentially smoothed shadow copies of a set of
// live parameters. Tracked parameters are mutated exclusively by
// Update, never by gradient descent, and provide the stable
// bootstrapped targets that DPG training relies on.
//
// Live and tracked parameters are paired by node name after stripping
// their respective scope prefixes, so a live parameter named
// dpg/policy/l0/weights pairs with dpg/policy_track/l0/weights. A live
// parameter with no tracked counterpart is a configuration error and
// fails construction.
type Tracker struct {
	live    G.Nodes
	tracked G.Nodes
}

// NewTracker pairs the given live and tracked parameter sets under
// their scope prefixes and returns a Tracker over the pairs
func NewTracker(liveScope, trackScope string, live,
	tracked G.Nodes) (*Tracker, error) {
	if len(live) != len(tracked) {
		return nil, fmt.Errorf("newtracker: mismatched parameter counts "+
			"\n\tlive(%v) \n\ttracked(%v)", len(live), len(tracked))
	}

	bySuffix := make(map[string]*G.Node, len(tracked))
	for _, node := range tracked {
		if !strings.HasPrefix(node.Name(), trackScope) {
			return nil, fmt.Errorf("newtracker: parameter %q is not in "+
				"scope %q", node.Name(), trackScope)
		}
		bySuffix[strings.TrimPrefix(node.Name(), trackScope)] = node
	}

	pairedLive := make(G.Nodes, 0, len(live))
	pairedTracked := make(G.Nodes, 0, len(live))
	for _, node := range live {
		if !strings.HasPrefix(node.Name(), liveScope) {
			return nil, fmt.Errorf("newtracker: parameter %q is not in "+
				"scope %q", node.Name(), liveScope)
		}

		suffix := strings.TrimPrefix(node.Name(), liveScope)
		counterpart, ok := bySuffix[suffix]
		if !ok {
			return nil, fmt.Errorf("newtracker: no tracked counterpart "+
				"for parameter %q", node.Name())
		}
		if !node.Shape().Eq(counterpart.Shape()) {
			return nil, fmt.Errorf("newtracker: shape mismatch for "+
				"parameter %q \n\tlive(%v) \n\ttracked(%v)", node.Name(),
				node.Shape(), counterpart.Shape())
		}

		pairedLive = append(pairedLive, node)
		pairedTracked = append(pairedTracked, counterpart)
	}

	return &Tracker{live: pairedLive, tracked: pairedTracked}, nil
}

// Group combines multiple Trackers into one, so that a single Update
// call advances every tracked parameter set
func Group(trackers ...*Tracker) *Tracker {
	combined := &Tracker{}
	for _, t := range trackers {
		combined.live = append(combined.live, t.live...)
		combined.tracked = append(combined.tracked, t.tracked...)
	}
	return combined
}

// Update moves every tracked parameter toward its live counterpart:
//
//	tracked ← tracked + tau*(live − tracked)
//
// Each call shrinks the tracking error by a factor of (1 − tau). The
// update is applied once per call and must be invoked explicitly by
// the client training loop.
func (t *Tracker) Update(tau float64) error {
	if tau <= 0 || tau > 1 {
		return fmt.Errorf("update: tau must be in (0, 1] \n\thave(%v)", tau)
	}

	for i := range t.tracked {
		weights := t.tracked[i].Value().(*tensor.Dense)
		liveWeights := t.live[i].Value().(*tensor.Dense)

		weights, err := weights.MulScalar(1-tau, true)
		if err != nil {
			return err
		}

		liveWeights, err = liveWeights.MulScalar(tau, true)
		if err != nil {
			return err
		}

		var newWeights *tensor.Dense
		newWeights, err = weights.Add(liveWeights)
		if err != nil {
			return err
		}

		if err := G.Let(t.tracked[i], newWeights); err != nil {
			return err
		}
	}
	return nil
}
