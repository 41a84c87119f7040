// Package nut07 contains the bodies of the proof state check.
// See https://github.com/cashubtc/nuts/blob/main/07.md
package nut07

type State string

const (
	Unspent State = "UNSPENT"
	Pending State = "PENDING"
	Spent   State = "SPENT"
)

type PostCheckStateRequest struct {
	Ys []string `json:"Ys"`
}

type PostCheckStateResponse struct {
	States []ProofState `json:"states"`
}

type ProofState struct {
	Y       string `json:"Y"`
	State   State  `json:"state"`
	Witness string `json:"witness,omitempty"`
}
