package telemetry

import "time"

// SetRetryWait acorta el backoff en tests.
func SetRetryWait(c *Client, d time.Duration) { c.wait = d }
