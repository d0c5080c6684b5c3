package ledger

const (
	operationEnsureProfile = "ensure_profile"
	operationReserve       = "reserve"
	operationRefund        = "refund"

	operationStatusOK       = "ok"
	operationStatusDeclined = "declined"
	operationStatusError    = "error"

	errorOperationService  = "service"
	errorSubjectProfile    = "profile"
	errorSubjectRefund     = "refund"
	errorCodeCreateFailed  = "create_failed"
	errorCodeDuplicate     = "duplicate"
	errorCodeMissingDebit  = "missing_debit"
	errorCodeDebitMismatch = "debit_mismatch"

	grantDelimiter = "/"

	defaultListLimit = 50
	maxListLimit     = 200
)
