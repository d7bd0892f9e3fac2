// Package handler holds the HTTP handlers of the operational server.
package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt returns the named parameter when it parses and is at least floor.
func queryInt(q url.Values, name string, fallback, floor int) int {
	n, err := strconv.Atoi(q.Get(name))
	if err != nil || n < floor {
		return fallback
	}
	return n
}

// queryTime parses an RFC 3339 parameter; unset or malformed yields nil.
func queryTime(q url.Values, name string) *time.Time {
	t, err := time.Parse(time.RFC3339, q.Get(name))
	if err != nil {
		return nil
	}
	return &t
}

// parseListOpts reads limit, offset, since and until. The limit is capped
// at maxPageSize.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	return domain.ListOpts{
		Limit:  min(queryInt(q, "limit", defaultPageSize, 1), maxPageSize),
		Offset: queryInt(q, "offset", 0, 0),
		Since:  queryTime(q, "since"),
		Until:  queryTime(q, "until"),
	}
}
