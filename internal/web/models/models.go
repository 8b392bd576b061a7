package models

type EnableRuleRequest struct {
	Enabled *bool `json:"enabled"`
}

type PreviewRequest struct {
	MeasuredEC *float64 `json:"measured_ec"`
}

type ManualDoseRequest struct {
	RelayNumber *int `json:"relay_number"`
}

type SetpointRequest struct {
	ECSetpoint *float64 `json:"ec_setpoint"`
}

type RegisterDeviceRequest struct {
	DeviceName string `json:"device_name"`
	MACAddress string `json:"mac_address"`
	UserEmail  string `json:"user_email"`
	IPAddress  string `json:"ip_address"`
}

// AcksQuery is the query string of the acknowledgment feed.
type AcksQuery struct {
	MasterDeviceID string `form:"master_device_id"`
	CommandID      int64  `form:"command_id"`
	Limit          int    `form:"limit"`
}
