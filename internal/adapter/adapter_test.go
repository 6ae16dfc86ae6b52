package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/leverage-engine/internal/fault"
)

type stubShortLoan struct {
	id     ProviderID
	feeBps uint64
	atomic bool
}

func (s stubShortLoan) ID() ProviderID { return s.id }
func (s stubShortLoan) Atomic() bool   { return s.atomic }
func (s stubShortLoan) Fee(p uint64) (uint64, error) {
	return (p*s.feeBps + 9_999) / 10_000, nil
}
func (s stubShortLoan) Borrow(context.Context, Account, Token, uint64) (ShortLoanReceipt, error) {
	return ShortLoanReceipt{}, nil
}
func (s stubShortLoan) Repay(context.Context, Account, ShortLoanReceipt, uint64) error { return nil }

type stubSwap struct{ id ProviderID }

func (s stubSwap) ID() ProviderID                                    { return s.id }
func (s stubSwap) Swap(context.Context, SwapRequest) (uint64, error) { return 0, nil }

func TestRoute_RoundTrip(t *testing.T) {
	in, out := DeriveToken("SOL"), DeriveToken("USDC")
	blob := EncodeRoute(RouteHeader{InToken: in, OutToken: out, ValidUntil: 1_700_000_000}, []byte{1, 2, 3})

	require.Len(t, blob, RouteHeaderLen+3)
	h, payload, err := ParseRoute(blob)
	require.NoError(t, err)
	assert.Equal(t, in, h.InToken)
	assert.Equal(t, out, h.OutToken)
	assert.Equal(t, int64(1_700_000_000), h.ValidUntil)
	assert.Equal(t, []byte{1, 2, 3}, payload)
}

func TestRoute_Layout(t *testing.T) {
	blob := EncodeRoute(RouteHeader{ValidUntil: 0x0102030405060708}, nil)
	assert.Equal(t, []byte{8, 7, 6, 5, 4, 3, 2, 1}, blob[64:72], "valid_until is little-endian")
}

func TestCheckRoute(t *testing.T) {
	in, out := DeriveToken("SOL"), DeriveToken("USDC")
	blob := EncodeRoute(RouteHeader{InToken: in, OutToken: out, ValidUntil: 100}, nil)

	_, err := CheckRoute(blob, in, out, 100)
	assert.NoError(t, err, "route valid through its expiry second")

	tests := []struct {
		name string
		blob []byte
		in   Token
		now  int64
	}{
		{"short", blob[:RouteHeaderLen-1], in, 0},
		{"wrong direction", blob, out, 0},
		{"expired", blob, in, 101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CheckRoute(tt.blob, tt.in, out, tt.now)
			assert.True(t, errors.Is(err, fault.InvalidRoute), "got %v", err)
		})
	}
}

func TestRegistry_RejectsNonAtomicShortLoan(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterShortLoan(stubShortLoan{id: "slow", atomic: false})
	assert.True(t, errors.Is(err, fault.ProviderUnsupported), "got %v", err)

	_, err = r.ShortLoan("slow")
	assert.True(t, errors.Is(err, fault.ProviderUnsupported), "got %v", err)
}

func TestRegistry_FamilyMismatch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterShortLoan(stubShortLoan{id: "solend", feeBps: 5, atomic: true}))

	err := r.RegisterSwap(stubSwap{id: "solend"})
	assert.True(t, errors.Is(err, fault.ProviderMismatch), "got %v", err)

	_, err = r.Clmm("solend")
	assert.True(t, errors.Is(err, fault.ProviderMismatch), "got %v", err)
}

func TestRegistry_DefaultSwap(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSwap(stubSwap{id: "jupiter"}))
	require.NoError(t, r.RegisterSwap(stubSwap{id: "other"}))

	p, err := r.Swap("")
	require.NoError(t, err)
	assert.Equal(t, ProviderID("jupiter"), p.ID())
}

func TestRegistry_CheapestShortLoan(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterShortLoan(stubShortLoan{id: "solend", feeBps: 5, atomic: true}))
	require.NoError(t, r.RegisterShortLoan(stubShortLoan{id: "kamino", feeBps: 3, atomic: true}))
	require.NoError(t, r.RegisterShortLoan(stubShortLoan{id: "port", feeBps: 10, atomic: true}))

	p, err := r.CheapestShortLoan(1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, ProviderID("kamino"), p.ID())
	assert.Len(t, r.List(), 3)
}

func TestRateCurve(t *testing.T) {
	c := RateCurve{BaseBps: 200, KinkBps: 800, MaxBps: 3_000, KinkUtilisationBps: 8_000}

	assert.Equal(t, uint64(200), c.Rate(0))
	assert.Equal(t, uint64(500), c.Rate(4_000))
	assert.Equal(t, uint64(800), c.Rate(8_000))
	assert.Equal(t, uint64(1_900), c.Rate(9_000))
	assert.Equal(t, uint64(3_000), c.Rate(10_000))
	assert.Equal(t, uint64(3_000), c.Rate(12_000))
}

func TestIdentity_Base58(t *testing.T) {
	tok := DeriveToken("SOL")
	parsed, err := ParseToken(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)

	_, err = ParseAccount("short")
	assert.Error(t, err)

	acct := DeriveAccount("owner", "1")
	text, _ := acct.MarshalText()
	var back Account
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, acct, back)
}

func TestEncodeData(t *testing.T) {
	data := EncodeData("solend", OpFlashBorrow, uint64(1), int32(-1), true)
	require.Len(t, data, 8+8+4+1)
	assert.NoError(t, CheckDiscriminator(Instruction{Program: "solend", Op: OpFlashBorrow, Data: data}))
	assert.Error(t, CheckDiscriminator(Instruction{Program: "kamino", Op: OpFlashBorrow, Data: data}))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, data[16:20])
}
