package fault

// Stage names a transition of the coordinator state machine. Adapter errors
// are reported together with the stage they surfaced in.
type Stage string

const (
	StageValidate   Stage = "Validate"
	StageBorrow     Stage = "Borrow"
	StageSwap       Stage = "Swap"
	StageDeposit    Stage = "Deposit"
	StageLongBorrow Stage = "LongBorrow"
	StageShortRepay Stage = "ShortRepay"
	StageCommit     Stage = "Commit"

	StageCollectFees  Stage = "CollectFees"
	StageWithdraw     Stage = "Withdraw"
	StageSwapOptimise Stage = "SwapOptimise"
	StageRepayDebt    Stage = "RepayDebt"
	StageFinalise     Stage = "Finalise"
)
