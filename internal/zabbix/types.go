package zabbix

// Host represents a Zabbix host
type Host struct {
	HostID string `json:"hostid"`
	Host   string `json:"host"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// APIResponse represents a generic Zabbix API response
type APIResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result"`
	Error   *APIError   `json:"error,omitempty"`
	ID      int         `json:"id"`
}

// APIError represents a Zabbix API error
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *APIError) Error() string {
	return e.Message + ": " + e.Data
}

// LLDData represents Low-Level Discovery data for Zabbix
type LLDData struct {
	Data []map[string]interface{} `json:"data"`
}

// Item keys published for every patched host.
const (
	KeyStatus   = "esxi.patch.status"
	KeyMessage  = "esxi.patch.message"
	KeyDuration = "esxi.patch.duration"
)
