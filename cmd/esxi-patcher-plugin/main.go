package main

import (
	"fmt"
	"os"

	"golang.zabbix.com/sdk/plugin"
	"golang.zabbix.com/sdk/plugin/container"

	"github.com/kidoz/esxi-patcher-go/internal/agent2"
)

func main() {
	p := agent2.NewPlugin()

	err := plugin.RegisterMetrics(
		p, agent2.Name,
		agent2.KeyHostsLLD, "Returns LLD JSON for hosts in the last patch run.",
		agent2.KeyStatus, "Returns 1 if the host was patched successfully, 0 otherwise.",
		agent2.KeyMessage, "Returns the result message of a host.",
		agent2.KeyDuration, "Returns the run duration of a host in seconds.",
		agent2.KeyStats, "Returns patch run statistics.",
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to register metrics: %s\n", err)
		os.Exit(1)
	}

	h, err := container.NewHandler(agent2.Name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create handler: %s\n", err)
		os.Exit(1)
	}

	if err := h.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "plugin execution failed: %s\n", err)
		os.Exit(1)
	}
}
