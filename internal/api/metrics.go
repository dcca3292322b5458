package api

import (
	"net/http"
	"sync/atomic"
)

// Metrics is a snapshot-able set of server counters.
type Metrics struct {
	requests     atomic.Int64
	errors       atomic.Int64
	clientErrors atomic.Int64
	pushCommits  atomic.Int64
	pullRequests atomic.Int64
	broadcasts   atomic.Int64
}

// NewMetrics returns zeroed metrics.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) RecordRequest()     { m.requests.Add(1) }
func (m *Metrics) RecordError()       { m.errors.Add(1) }
func (m *Metrics) RecordClientError() { m.clientErrors.Add(1) }
func (m *Metrics) RecordPushCommit()  { m.pushCommits.Add(1) }
func (m *Metrics) RecordPullRequest() { m.pullRequests.Add(1) }
func (m *Metrics) RecordBroadcast()   { m.broadcasts.Add(1) }

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"requests":      m.requests.Load(),
		"errors":        m.errors.Load(),
		"client_errors": m.clientErrors.Load(),
		"push_commits":  m.pushCommits.Load(),
		"pull_requests": m.pullRequests.Load(),
		"broadcasts":    m.broadcasts.Load(),
	}
}

// metricsMiddleware records request counts and categorizes response codes.
func metricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.RecordRequest()
			sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sc, r)
			switch {
			case sc.code >= 500:
				m.RecordError()
			case sc.code >= 400:
				m.RecordClientError()
			}
		})
	}
}
