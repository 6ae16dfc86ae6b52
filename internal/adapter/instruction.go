package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
)

// Op is a foreign-protocol operation.
type Op string

const (
	OpFlashBorrow       Op = "flash_borrow"
	OpFlashRepay        Op = "flash_repay"
	OpSwap              Op = "swap"
	OpIncreaseLiquidity Op = "increase_liquidity"
	OpDecreaseLiquidity Op = "decrease_liquidity"
	OpCollectFees       Op = "collect_fees"
	OpBorrow            Op = "borrow"
	OpRepay             Op = "repay"
	OpQuoteDebt         Op = "quote_debt"
	OpTransfer          Op = "transfer"
	OpBalance           Op = "balance"
)

// Instruction is one call into a foreign protocol. Data is the wire payload
// in the program's own layout; the typed fields carry the same values for
// executors that do not decode wire formats.
type Instruction struct {
	Program   ProviderID
	Op        Op
	Owner     Account
	To        Account
	Tokens    []Token
	Amounts   []uint64
	Ticks     [2]int32
	Liquidity *uint256.Int
	Handle    string
	Data      []byte
}

// Receipt is what a foreign call returns.
type Receipt struct {
	Handle    string
	Amounts   []uint64
	Liquidity *uint256.Int
}

// Amount returns Amounts[i], or zero when absent.
func (r Receipt) Amount(i int) uint64 {
	if i < len(r.Amounts) {
		return r.Amounts[i]
	}
	return 0
}

// Executor submits instructions to foreign protocols.
type Executor interface {
	Execute(ctx context.Context, ix Instruction) (Receipt, error)
}

// Discriminator is the 8-byte method selector for op on program:
// sha256("<program>:<op>")[:8].
func Discriminator(program ProviderID, op Op) [8]byte {
	sum := sha256.Sum256([]byte(string(program) + ":" + string(op)))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// EncodeData builds discriminator-prefixed instruction data with each field
// little-endian.
func EncodeData(program ProviderID, op Op, fields ...any) []byte {
	d := Discriminator(program, op)
	buf := append([]byte{}, d[:]...)
	for _, f := range fields {
		switch v := f.(type) {
		case uint64:
			buf = binary.LittleEndian.AppendUint64(buf, v)
		case int32:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		case uint8:
			buf = append(buf, v)
		case bool:
			if v {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case *uint256.Int:
			// u128 little-endian.
			b := v.Bytes32()
			for i := 31; i >= 16; i-- {
				buf = append(buf, b[i])
			}
		case []byte:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
			buf = append(buf, v...)
		default:
			panic(fmt.Sprintf("adapter: unsupported field type %T", f))
		}
	}
	return buf
}

// CheckDiscriminator verifies that data targets op on program.
func CheckDiscriminator(ix Instruction) error {
	d := Discriminator(ix.Program, ix.Op)
	if len(ix.Data) < len(d) || string(ix.Data[:len(d)]) != string(d[:]) {
		return fmt.Errorf("adapter: %s instruction data does not target %s", ix.Program, ix.Op)
	}
	return nil
}
