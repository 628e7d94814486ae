package main

import "github.com/rlcomp/gorlcomp/examples"

func main() {
	examples.Bandit()
	examples.RecurrentRollout()
	examples.PointerRollout()
}
