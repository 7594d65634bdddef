package ledger

const (
	operationIssue   = "issue"
	operationConsume = "consume"
	operationExpire  = "expire"
	operationRefund  = "refund"
	operationSweep   = "sweep"

	causeIssued    = "issued"
	causeActivated = "activated"
	causeExpired   = "expired"
	causeConsumed  = "consumed"

	causeRefundedSuffix = " refunded"
	displayCauseRefund  = "Credit Reversal"

	// 9999-12-31T23:59:59Z, the "never expires" sentinel.
	neverExpiresUnixUTC int64 = 253402300799

	freeGrantCredits int64 = 75

	defaultHistoryTake       = 50
	maxHistoryTake           = 200
	defaultHistoryWindowDays = 30

	secondsPerDay int64 = 86400
)
