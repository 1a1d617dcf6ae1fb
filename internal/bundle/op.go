package bundle

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
)

// Op is one operation inside an instruction payload. The set of implementations is closed.
type Op interface {
	Instruction() solana.Instruction
	isOp()
}

// Call is a state-mutating instruction against an arbitrary program.
type Call struct {
	Program  solana.PublicKey
	Accounts []*solana.AccountMeta
	Data     []byte
}

func (Call) isOp() {}

// Instruction implements Op.
func (c Call) Instruction() solana.Instruction {
	return solana.NewInstruction(c.Program, solana.AccountMetaSlice(c.Accounts), c.Data)
}

// Inert is a memo carrying no accounts. It can consume compute but cannot touch account state.
type Inert struct {
	memo []byte
}

func (Inert) isOp() {}

// NewInert wraps printable bytes as an inert memo.
func NewInert(memo string) Inert {
	return Inert{memo: []byte(memo)}
}

// RandomInert returns an inert memo holding n random bytes, hex encoded so the memo stays valid UTF-8.
func RandomInert(n int) (Inert, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return Inert{}, fmt.Errorf("random memo: %w", err)
	}
	return Inert{memo: []byte(hex.EncodeToString(raw))}, nil
}

// Memo returns a copy of the memo bytes.
func (i Inert) Memo() []byte { return append([]byte(nil), i.memo...) }

// Instruction implements Op.
func (i Inert) Instruction() solana.Instruction {
	return solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{}, i.memo)
}

// ComputePrice sets the compute unit price for the enclosing transaction.
type ComputePrice struct {
	MicroLamports uint64
}

func (ComputePrice) isOp() {}

// Instruction implements Op.
func (p ComputePrice) Instruction() solana.Instruction {
	return computebudget.NewSetComputeUnitPriceInstruction(p.MicroLamports).Build()
}

// WithComputePrice strips every ComputePrice from ops and prepends a single one.
func WithComputePrice(ops []Op, microLamports uint64) []Op {
	out := make([]Op, 0, len(ops)+1)
	out = append(out, ComputePrice{MicroLamports: microLamports})
	return append(out, StripComputePrice(ops)...)
}

// StripComputePrice returns ops without any ComputePrice entries.
func StripComputePrice(ops []Op) []Op {
	out := make([]Op, 0, len(ops))
	for _, op := range ops {
		if _, ok := op.(ComputePrice); ok {
			continue
		}
		out = append(out, op)
	}
	return out
}

// MaxComputePrice reports the highest ComputePrice in ops.
func MaxComputePrice(ops []Op) (uint64, bool) {
	var (
		best  uint64
		found bool
	)
	for _, op := range ops {
		if p, ok := op.(ComputePrice); ok {
			found = true
			if p.MicroLamports > best {
				best = p.MicroLamports
			}
		}
	}
	return best, found
}

// Instructions converts ops to network instructions in order.
func Instructions(ops []Op) []solana.Instruction {
	out := make([]solana.Instruction, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Instruction())
	}
	return out
}
