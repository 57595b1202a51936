package kdbview

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultDelay throttles automatic continuation between pages.
const DefaultDelay = 500 * time.Millisecond

// SystemConfig is runtime policy for a view session, not query content.
type SystemConfig struct {
	// Asynch fetches the remaining pages in the background after the
	// first one and reports them through more-data/completed.
	Asynch bool
	// CacheSize bounds how many pages a session fetches. Zero or less
	// is unbounded.
	CacheSize int
	// PageSize is the number of rows per page. Zero fetches the whole
	// result in one request.
	PageSize int
	// Delay between automatically fetched pages.
	Delay time.Duration
}

// DefaultSystemConfig returns an unpaged, synchronous configuration.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{Delay: DefaultDelay}
}

// Effective returns the configuration a session runs q with. Reduced
// views are not paginated.
func (c SystemConfig) Effective(q ViewQuery) SystemConfig {
	if q.Reduce {
		c.PageSize = 0
		c.Asynch = false
	}
	if !q.Paginable() {
		c.PageSize = 0
	}
	if c.PageSize < 0 {
		c.PageSize = 0
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	return c
}

// budget returns the number of fetches allowed, -1 when unbounded.
func (c SystemConfig) budget() int {
	if c.CacheSize <= 0 {
		return -1
	}
	return c.CacheSize
}

// ParseSystemConfig reads the hash form of the configuration: asynch,
// cache-size, page-size and delay (seconds). Unknown keys are ignored.
func ParseSystemConfig(values map[string]string) (SystemConfig, error) {
	c := DefaultSystemConfig()
	for k, v := range values {
		v = strings.TrimSpace(v)
		switch strings.ToLower(k) {
		case "asynch":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return c, fmt.Errorf("asynch: %w", err)
			}
			c.Asynch = b
		case "cache-size":
			if v == "" || v == "unbounded" {
				c.CacheSize = 0
				continue
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return c, fmt.Errorf("cache-size: %w", err)
			}
			c.CacheSize = n
		case "page-size":
			n, err := strconv.Atoi(v)
			if err != nil {
				return c, fmt.Errorf("page-size: %w", err)
			}
			c.PageSize = n
		case "delay":
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil {
				if d, derr := time.ParseDuration(v); derr == nil {
					c.Delay = d
					continue
				}
				return c, fmt.Errorf("delay: %w", err)
			}
			c.Delay = time.Duration(math.Round(secs * float64(time.Second)))
		}
	}
	return c, nil
}
