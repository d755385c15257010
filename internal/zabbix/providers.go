package zabbix

import "go.uber.org/fx"

// Module provides the Zabbix maintenance suppressor and trapper sender.
var Module = fx.Module("zabbix",
	fx.Provide(NewSuppressor, NewSender),
)
