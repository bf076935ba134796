// Package handlers provides the HTTP handlers of the governor control API.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/lifecycle"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/monitor"
	"plugin-governor/internal/notify"
	"plugin-governor/internal/resource"
	"plugin-governor/internal/store"
)

// RecentReader reads back recently published notifications
type RecentReader interface {
	Recent(ctx context.Context, kind monitor.NotificationKind, n int64) ([]monitor.Notification, error)
	Stats() notify.PublisherStats
}

// Dependencies are the components the handlers operate on. Store, Publisher
// and History are optional.
type Dependencies struct {
	Manager   *resource.Manager
	Lifecycle *lifecycle.Manager
	Monitor   *monitor.Monitor
	Store     *store.HistoryStore
	Publisher RecentReader
	// History receives monitor history purges beyond the in-memory buffers
	History monitor.Purger
	Logger  logging.Logger

	MaxBodyBytes int64
}

func (d *Dependencies) logger(component string) logging.Logger {
	return logging.OrNoOp(d.Logger).WithComponent(component)
}

func parseResourceType(s string) (resource.ResourceType, error) {
	if s == "" {
		return 0, govErrors.InvalidArgument("resource type is required")
	}
	return resource.ParseResourceType(s)
}

func parsePriority(s string) (resource.Priority, error) {
	if s == "" {
		return resource.Normal, nil
	}
	return resource.ParsePriority(s)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, govErrors.InvalidArgument("%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, govErrors.InvalidArgument("%s must be a boolean", key)
	}
	return b, nil
}

// parseTime accepts RFC3339 timestamps or a duration meaning that long
// before now ("1h" and "-1h" are the same). Empty yields the zero time.
func parseTime(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(strings.TrimPrefix(v, "-"))
	if err != nil {
		return time.Time{}, govErrors.InvalidArgument("invalid time %q: want RFC3339 or a duration", v)
	}
	return now.Add(-d), nil
}
