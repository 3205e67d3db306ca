package app

// StopReason is logged by Stop and reported to systemd.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopRequested  StopReason = "stop_requested"
	StopFatalError StopReason = "fatal_error"
)
