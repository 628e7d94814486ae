// Package spec implements specifications/configurations for MDPs and
// the neural network architectures of DPG learners.
package spec

import "fmt"

// MDP describes the state and action dimensions of a Markov decision
// process with continuous states and actions. An MDP is immutable and
// supplied by the caller; graph builders depend on it structurally.
type MDP struct {
	StateDim  int
	ActionDim int
}

// NewMDP constructs a new MDP specification
func NewMDP(stateDim, actionDim int) MDP {
	return MDP{StateDim: stateDim, ActionDim: actionDim}
}

// Validate returns an error if the MDP specification is illegal
func (m MDP) Validate() error {
	if m.StateDim < 1 {
		return fmt.Errorf("validate: state dimension must be positive "+
			"\n\thave(%v)", m.StateDim)
	}
	if m.ActionDim < 1 {
		return fmt.Errorf("validate: action dimension must be positive "+
			"\n\thave(%v)", m.ActionDim)
	}
	return nil
}

// Model describes the hidden-layer widths of the policy and critic
// networks of a DPG learner. Model is immutable once constructed.
type Model struct {
	PolicyDims []int
	CriticDims []int
}

// NewModel constructs a new model specification
func NewModel(policyDims, criticDims []int) Model {
	return Model{PolicyDims: policyDims, CriticDims: criticDims}
}

// Validate returns an error if the model specification is illegal
func (m Model) Validate() error {
	for i, dim := range m.PolicyDims {
		if dim < 1 {
			return fmt.Errorf("validate: policy hidden layer %v must have "+
				"positive width \n\thave(%v)", i, dim)
		}
	}
	for i, dim := range m.CriticDims {
		if dim < 1 {
			return fmt.Errorf("validate: critic hidden layer %v must have "+
				"positive width \n\thave(%v)", i, dim)
		}
	}
	return nil
}
