// Package chain holds the chain-facing contracts used by the orchestrator:
// the canonical instruction every parsing and execution path converges on,
// arbitrary precision amounts, the account state provider and transaction
// submitter interfaces, an in-process signer keyring and the YAML chain
// definitions. Concrete EVM support lives in the ethereum sub package.
package chain
