package soap

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"mastr/internal/schema"
)

// Quota is the state of the daily request allowance.
type Quota struct {
	Used  int
	Limit int
}

// Remaining returns the requests left today.
func (q Quota) Remaining() int { return q.Limit - q.Used }

// Quota reads the daily allowance.
func (c *Client) Quota(ctx context.Context) (Quota, error) {
	m, err := c.Call(ctx, schema.OpQuota, nil)
	if err != nil {
		return Quota{}, err
	}
	used, err := intField(m, "AktuellerStandTageskontingent")
	if err != nil {
		return Quota{}, err
	}
	limit, err := intField(m, "AktuellesLimitTageskontingent")
	if err != nil {
		return Quota{}, err
	}
	return Quota{Used: used, Limit: limit}, nil
}

// LocalTime returns the server clock. It doubles as the reachability check.
func (c *Client) LocalTime(ctx context.Context) (time.Time, error) {
	m, err := c.Call(ctx, schema.OpLocalTime, nil)
	if err != nil {
		return time.Time{}, err
	}
	s, _ := m["LokaleUhrzeit"].(string)
	for _, lay := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.9999999", dateTimeLayout} {
		if t, err := time.Parse(lay, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%s: unexpected LokaleUhrzeit %q", schema.OpLocalTime, s)
}

func intField(m map[string]any, k string) (int, error) {
	s, ok := m[k].(string)
	if !ok {
		return 0, fmt.Errorf("%s: missing %s", schema.OpQuota, k)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %s=%q: %w", schema.OpQuota, k, s, err)
	}
	return n, nil
}
