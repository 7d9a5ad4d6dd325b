package service

// Fully-qualified service names.
const (
	LedgerServiceName = "cashflow.v1.LedgerService"
	AuthServiceName   = "cashflow.v1.AuthService"
)

// Procedure paths of LedgerService.
const (
	LedgerServiceCreatePersonProcedure      = "/cashflow.v1.LedgerService/CreatePerson"
	LedgerServiceUpdatePersonProcedure      = "/cashflow.v1.LedgerService/UpdatePerson"
	LedgerServiceDeletePersonProcedure      = "/cashflow.v1.LedgerService/DeletePerson"
	LedgerServiceCreateTransactionProcedure = "/cashflow.v1.LedgerService/CreateTransaction"
	LedgerServiceUpdateTransactionProcedure = "/cashflow.v1.LedgerService/UpdateTransaction"
	LedgerServiceDeleteTransactionProcedure = "/cashflow.v1.LedgerService/DeleteTransaction"
	LedgerServiceGetViewProcedure           = "/cashflow.v1.LedgerService/GetView"
	LedgerServiceGetReportProcedure         = "/cashflow.v1.LedgerService/GetReport"
	LedgerServiceRefreshProcedure           = "/cashflow.v1.LedgerService/Refresh"
	LedgerServiceWatchViewProcedure         = "/cashflow.v1.LedgerService/WatchView"
)

// Procedure paths of AuthService.
const (
	AuthServiceRegisterProcedure       = "/cashflow.v1.AuthService/Register"
	AuthServiceLoginProcedure          = "/cashflow.v1.AuthService/Login"
	AuthServiceLogoutProcedure         = "/cashflow.v1.AuthService/Logout"
	AuthServiceGetCurrentUserProcedure = "/cashflow.v1.AuthService/GetCurrentUser"
)
