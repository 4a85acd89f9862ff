// Package agent contains the step orchestrator. One Execute call drives a
// request through a fixed sequence of stages: resolve the wallet context,
// record the entry state, then for every flow step refine the prompt, ask
// the model, parse its reply, run the selected tool or the direct
// instructions and fold the result back into the context. Errors are
// classified and the exit state is recorded on every path.
//
// A failed critical step stops the flow; failed non-critical steps are
// recorded and the flow moves on.
package agent
