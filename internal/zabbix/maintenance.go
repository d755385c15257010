package zabbix

import (
	"context"
	"fmt"
	"time"
)

const (
	// maintenanceWithData keeps collecting data while suppressing problems.
	maintenanceWithData = 0
	// timeperiodOnce is a one-time maintenance period.
	timeperiodOnce = 0
)

// CreateMaintenance opens a one-time maintenance period covering hostIDs from
// start for window. It returns the new maintenance id.
func (c *Client) CreateMaintenance(ctx context.Context, name, description string, hostIDs []string, start time.Time, window time.Duration) (string, error) {
	params := map[string]interface{}{
		"name":             name,
		"description":      description,
		"maintenance_type": maintenanceWithData,
		"active_since":     unixTime(start),
		"active_till":      unixTime(start.Add(window)),
		"timeperiods": []map[string]interface{}{
			{
				"timeperiod_type": timeperiodOnce,
				"start_date":      unixTime(start),
				"period":          int64(window.Seconds()),
			},
		},
	}

	// 6.0 replaced hostids with a list of host objects.
	if c.getAPIVersionFloat() >= 6.0 {
		hosts := make([]map[string]string, len(hostIDs))
		for i, id := range hostIDs {
			hosts[i] = map[string]string{"hostid": id}
		}
		params["hosts"] = hosts
	} else {
		params["hostids"] = hostIDs
	}

	result, err := c.call(ctx, "maintenance.create", params)
	if err != nil {
		return "", fmt.Errorf("failed to create maintenance: %w", err)
	}

	resultMap, ok := result.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("unexpected response type: %T", result)
	}
	ids, ok := resultMap["maintenanceids"].([]interface{})
	if !ok || len(ids) == 0 {
		return "", fmt.Errorf("no maintenanceid in response")
	}
	id, ok := ids[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected maintenanceid type: %T", ids[0])
	}
	return id, nil
}

// DeleteMaintenance removes maintenance periods by id.
func (c *Client) DeleteMaintenance(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := c.call(ctx, "maintenance.delete", ids); err != nil {
		return fmt.Errorf("failed to delete maintenance: %w", err)
	}
	return nil
}
