package zabbix

import (
	"context"
	"fmt"
)

// GetHostByName returns a monitored host by its technical name
func (c *Client) GetHostByName(ctx context.Context, name string) (*Host, error) {
	params := map[string]interface{}{
		"output": []string{"hostid", "host", "name", "status"},
		"filter": map[string]interface{}{"host": name},
	}

	result, err := c.call(ctx, "host.get", params)
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	hosts, err := decode[Host](result)
	if err != nil {
		return nil, err
	}

	if len(hosts) == 0 {
		return nil, fmt.Errorf("host not found: %s", name)
	}

	return &hosts[0], nil
}
