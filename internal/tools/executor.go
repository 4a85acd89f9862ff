package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"AgentFlow-Chain/internal/chain"
	apperrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/resolver"

	"github.com/tidwall/gjson"
)

// Result is the outcome of one tool execution. A failed result still
// carries the raw provider payload.
type Result struct {
	Tool         Operation           `json:"tool"`
	Success      bool                `json:"success"`
	Output       json.RawMessage     `json:"output,omitempty"`
	Raw          json.RawMessage     `json:"raw,omitempty"`
	Instructions []chain.Instruction `json:"instructions,omitempty"`
	Signatures   []string            `json:"signatures,omitempty"`
	Rejected     []string            `json:"rejected,omitempty"`
	Error        string              `json:"error,omitempty"`
	Elapsed      time.Duration       `json:"elapsed"`
}

// Executor runs tool calls against a chain.
type Executor struct {
	state     chain.AccountStateProvider
	submitter chain.Submitter
	keys      *chain.Keyring
	contracts Contracts
	log       *slog.Logger
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

func WithContracts(c Contracts) Option {
	return func(e *Executor) { e.contracts = c }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor builds an executor. state may be nil, in which case balance
// queries fail and swaps are not quoted.
func NewExecutor(state chain.AccountStateProvider, submitter chain.Submitter, keys *chain.Keyring, opts ...Option) *Executor {
	e := &Executor{
		state:     state,
		submitter: submitter,
		keys:      keys,
		log:       slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs call. The returned Result is never nil; when err is non-nil
// the result is marked failed.
func (e *Executor) Execute(ctx context.Context, call Call, book AddressBook) (*Result, error) {
	start := e.now()
	if call == nil {
		return e.fail(&Result{}, start, apperrors.New(CodeUnknownTool, "no tool call"))
	}
	res := &Result{Tool: call.Operation()}

	var (
		payload []byte
		err     error
		submit  = true
	)
	switch c := call.(type) {
	case NativeTransferArgs:
		payload, err = e.nativeTransfer(c, book)
	case TokenTransferArgs:
		payload, err = e.tokenTransfer(c, book)
	case SwapArgs:
		payload, err = e.swap(ctx, c, book)
	case LendDepositArgs:
		payload, err = e.lendDeposit(c, book)
	case LendWithdrawArgs:
		payload, err = e.lendWithdraw(c, book)
	case BalanceQueryArgs:
		payload, err = e.balanceQuery(ctx, c, book)
		submit = false
	default:
		err = apperrors.New(CodeUnknownTool, fmt.Sprintf("unsupported call %T", call))
	}
	res.Raw = payload
	if err != nil {
		return e.fail(res, start, err)
	}
	if !submit {
		res.Success, res.Output = true, payload
		res.Elapsed = e.now().Sub(start)
		return res, nil
	}

	instructions, rejected, err := Normalize(payload)
	res.Rejected = rejected
	for _, reason := range rejected {
		e.log.Warn("instruction rejected", "tool", string(res.Tool), "reason", reason)
	}
	if err != nil {
		return e.fail(res, start, err)
	}
	return e.submit(ctx, res, start, instructions, book)
}

// SubmitInstructions signs and submits instructions the model returned
// directly, after the same validation tool results go through.
func (e *Executor) SubmitInstructions(ctx context.Context, instructions []chain.Instruction, book AddressBook) (*Result, error) {
	start := e.now()
	res := &Result{Tool: OpDirect}
	raw, _ := json.Marshal(map[string]any{"instructions": instructions})
	res.Raw = raw

	valid := make([]chain.Instruction, 0, len(instructions))
	for i, ix := range instructions {
		if err := ix.Validate(); err != nil {
			reason := fmt.Sprintf("instruction %d: %v", i, err)
			res.Rejected = append(res.Rejected, reason)
			e.log.Warn("instruction rejected", "tool", string(OpDirect), "reason", reason)
			continue
		}
		valid = append(valid, ix)
	}
	if len(valid) == 0 {
		return e.fail(res, start, apperrors.New(CodeNoInstructions, "no valid instructions in model reply"))
	}
	return e.submit(ctx, res, start, valid, book)
}

func (e *Executor) submit(ctx context.Context, res *Result, start time.Time, instructions []chain.Instruction, book AddressBook) (*Result, error) {
	res.Instructions = instructions
	if e.submitter == nil {
		return e.fail(res, start, apperrors.New(apperrors.CodeInitializationFailure, "transaction submitter is not configured"))
	}
	feePayer, err := resolveRef(book, resolver.PrimaryWallet)
	if err != nil {
		return e.fail(res, start, err)
	}
	var signer chain.Signer
	if e.keys != nil {
		signer, _ = e.keys.Signer(feePayer)
	}
	if signer == nil {
		return e.fail(res, start, apperrors.New(CodeNoSigner, fmt.Sprintf("no signer for fee payer %s", feePayer.Hex())))
	}

	sigs, err := e.submitter.Submit(ctx, instructions, feePayer, signer)
	if err != nil {
		category := apperrors.ClassifyMessage(err.Error())
		return e.fail(res, start, apperrors.Wrap(apperrors.CodeFor(category), err, "submit transaction"))
	}
	res.Signatures = sigs
	res.Success = true
	res.Output = withSignatures(res.Raw, sigs)
	res.Elapsed = e.now().Sub(start)
	e.log.Info("tool executed", "tool", string(res.Tool), "instructions", len(instructions), "signatures", len(sigs), "fee_payer", feePayer.Hex())
	return res, nil
}

func (e *Executor) fail(res *Result, start time.Time, err error) (*Result, error) {
	res.Success = false
	res.Error = err.Error()
	res.Output = res.Raw
	res.Elapsed = e.now().Sub(start)
	e.log.Warn("tool execution failed", "tool", string(res.Tool), "error", err)
	return res, err
}

// Normalize extracts canonical instructions from a provider payload: the
// "instructions" array when present, otherwise the whole payload as one
// instruction. Invalid entries are rejected with a reason instead of
// failing the batch; an error is returned only when nothing valid remains.
func Normalize(payload []byte) ([]chain.Instruction, []string, error) {
	if !gjson.ValidBytes(payload) {
		return nil, nil, apperrors.New(CodeNoInstructions, "tool result is not valid JSON")
	}
	var candidates []string
	if list := gjson.GetBytes(payload, "instructions"); list.IsArray() {
		for _, item := range list.Array() {
			candidates = append(candidates, item.Raw)
		}
	} else {
		candidates = []string{string(payload)}
	}

	var (
		out      []chain.Instruction
		rejected []string
	)
	for i, raw := range candidates {
		var ix chain.Instruction
		if err := json.Unmarshal([]byte(raw), &ix); err != nil {
			rejected = append(rejected, fmt.Sprintf("instruction %d: %v", i, err))
			continue
		}
		if err := ix.Validate(); err != nil {
			rejected = append(rejected, fmt.Sprintf("instruction %d: %v", i, err))
			continue
		}
		out = append(out, ix)
	}
	if len(out) == 0 {
		return nil, rejected, apperrors.New(CodeNoInstructions, fmt.Sprintf("no valid instructions (%d rejected)", len(rejected)))
	}
	return out, rejected, nil
}

func withSignatures(payload []byte, sigs []string) json.RawMessage {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil || doc == nil {
		doc = map[string]any{}
	}
	doc["signatures"] = sigs
	doc["success"] = true
	out, err := json.Marshal(doc)
	if err != nil {
		return payload
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, chain.ErrAccountNotFound)
}

var _ AddressBook = (*resolver.Snapshot)(nil)
