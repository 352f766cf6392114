// Package replica implements the per-bucket replica set: priority-
// ordered failover across backend endpoints, each gated by its own
// circuit breaker, with per-attempt retry handled by internal/retry.
// Each replica gets one shared *http.Transport/*http.Client pair,
// built lazily with double-checked locking.
package replica

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbaradwaj/s3proxy/internal/circuitbreaker"
	"github.com/sbaradwaj/s3proxy/internal/retry"
)

// Replica is one addressable backend endpoint within a bucket's
// failover set.
type Replica struct {
	Name     string
	Bucket   string
	Region   string
	Endpoint string
	Priority uint8
	Timeout  time.Duration

	breaker *circuitbreaker.CircuitBreaker
}

// Config configures one replica's circuit breaker and retry policy.
type Config struct {
	Name       string
	Bucket     string
	Region     string
	Endpoint   string
	Priority   uint8
	Timeout    time.Duration
	Breaker    circuitbreaker.Config
	RetryPolicy retry.Policy
}

// PoolConfig bounds the shared HTTP transport built for each replica.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	DialTimeout         time.Duration
	KeepAlive           time.Duration
}

// DefaultPoolConfig is sized for a busy proxy instance fronting a
// handful of backends.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 32,
		MaxConnsPerHost:     64,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialTimeout:         10 * time.Second,
		KeepAlive:           30 * time.Second,
	}
}

// Result is the outcome of one backend round-trip attempt.
type Result struct {
	Response *http.Response
	Status   int
	Err      error
}

func (r Result) ok() bool {
	return r.Err == nil && r.Status >= 200 && r.Status < 300
}

// Set is a priority-ordered collection of replicas for one bucket, with
// shared HTTP connection pools and priority-ordered failover.
type Set struct {
	bucket   string
	replicas []*Replica
	policies map[string]retry.Policy

	mu         sync.RWMutex
	transports map[string]*http.Transport
	clients    map[string]*http.Client
	poolCfg    PoolConfig

	obs    Observer
	logger zerolog.Logger
}

// Observer receives per-replica events the metrics layer cares about.
// Any callback may be nil. OnRetry fires only for re-issues after a
// transient failure, never for the first attempt, so an authoritative
// first-attempt answer (e.g. 404) produces zero retry events.
type Observer struct {
	OnRetry func(replica string)
	OnError func(replica string, status int)
	OnState func(replica string, state circuitbreaker.State)
}

// Observe registers o. Call before serving traffic; not synchronized
// against in-flight TryRequest calls.
func (s *Set) Observe(o Observer) { s.obs = o }

// HealthSnapshot reports each replica's current breaker state by name,
// for the /ready endpoint's per-backend health map.
func (s *Set) HealthSnapshot() map[string]string {
	now := time.Now()
	out := make(map[string]string, len(s.replicas))
	for _, r := range s.replicas {
		out[r.Name] = r.breaker.State(now).String()
	}
	return out
}

// New builds a replica Set from cfgs, sorted by ascending Priority
// (ties keep insertion order, matching sort.SliceStable).
func New(bucket string, cfgs []Config, poolCfg PoolConfig, logger zerolog.Logger) *Set {
	s := &Set{
		bucket:     bucket,
		policies:   make(map[string]retry.Policy, len(cfgs)),
		transports: make(map[string]*http.Transport, len(cfgs)),
		clients:    make(map[string]*http.Client, len(cfgs)),
		poolCfg:    poolCfg,
		logger:     logger.With().Str("component", "replica_set").Str("bucket", bucket).Logger(),
	}
	for _, c := range cfgs {
		r := &Replica{
			Name:     c.Name,
			Bucket:   c.Bucket,
			Region:   c.Region,
			Endpoint: c.Endpoint,
			Priority: c.Priority,
			Timeout:  c.Timeout,
			breaker:  circuitbreaker.New(c.Breaker),
		}
		s.replicas = append(s.replicas, r)
		s.policies[c.Name] = c.RetryPolicy
	}
	sort.SliceStable(s.replicas, func(i, j int) bool {
		return s.replicas[i].Priority < s.replicas[j].Priority
	})
	return s
}

// Replicas returns the priority-ordered replica list.
func (s *Set) Replicas() []*Replica { return s.replicas }

// clientFor lazily builds and caches the shared client/transport pair
// for a replica, double-checked under s.mu.
func (s *Set) clientFor(r *Replica) *http.Client {
	s.mu.RLock()
	if c, ok := s.clients[r.Name]; ok {
		s.mu.RUnlock()
		return c
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[r.Name]; ok {
		return c
	}

	dialer := &net.Dialer{Timeout: s.poolCfg.DialTimeout, KeepAlive: s.poolCfg.KeepAlive}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        s.poolCfg.MaxIdleConns,
		MaxIdleConnsPerHost: s.poolCfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     s.poolCfg.MaxConnsPerHost,
		IdleConnTimeout:     s.poolCfg.IdleConnTimeout,
		TLSHandshakeTimeout: s.poolCfg.TLSHandshakeTimeout,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:   true,
	}
	client := &http.Client{Transport: transport, Timeout: r.Timeout}
	s.transports[r.Name] = transport
	s.clients[r.Name] = client
	return client
}

// Issuer performs one HTTP round-trip against a replica. The proxy
// pipeline supplies an implementation that SigV4-signs the outgoing
// request before sending it.
type Issuer func(ctx context.Context, client *http.Client, r *Replica) Result

// ErrAllReplicasExhausted is returned when every replica in the set
// either failed retriably or was skipped due to an open circuit.
var ErrAllReplicasExhausted = errors.New("all replicas exhausted")

// ErrNoHealthyReplica is returned when every replica's breaker is open
// and none reached HalfOpen, so no attempt was even issued.
var ErrNoHealthyReplica = errors.New("no healthy replica available")

// TryRequest walks replicas in priority order, skipping any whose
// breaker denies a slot, retrying transient failures within a replica
// via internal/retry, and stopping at the first non-retriable result
// (an authoritative answer, not a liveness signal) without trying
// further replicas.
func (s *Set) TryRequest(ctx context.Context, issue Issuer) (Result, error) {
	now := time.Now()
	attemptedAny := false

	for _, r := range s.replicas {
		ok, halfOpenProbe := r.breaker.TryAcquire(now)
		if !ok {
			continue
		}
		attemptedAny = true

		result := s.retryLoop(ctx, r, issue)
		r.breaker.Release(halfOpenProbe)

		if result.ok() {
			r.breaker.RecordSuccess(time.Now())
			s.notifyState(r)
			return result, nil
		}
		if result.Err == nil && !retry.IsRetriableStatus(result.Status) {
			// Authoritative non-retriable response (e.g. 404, 403): the
			// replica answered, so its circuit is healthy, and the answer
			// is final. 404 is not a liveness signal.
			r.breaker.RecordSuccess(time.Now())
			s.notifyState(r)
			return result, nil
		}
		r.breaker.RecordFailure(time.Now())
		s.notifyState(r)
	}

	if !attemptedAny {
		return Result{}, ErrNoHealthyReplica
	}
	return Result{}, ErrAllReplicasExhausted
}

// retryLoop issues up to MaxAttempts tries against one replica,
// sleeping the configured backoff between attempts and returning
// immediately on success or on a non-retriable status. Connection
// errors and timeouts are treated as 504-equivalent (retriable).
func (s *Set) retryLoop(ctx context.Context, r *Replica, issue Issuer) Result {
	policy := s.policies[r.Name]
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	client := s.clientFor(r)

	var last Result
	for attempt := uint32(0); attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if s.obs.OnRetry != nil {
				s.obs.OnRetry(r.Name)
			}
			d := policy.BackoffDuration(attempt)
			if d > 0 {
				timer := time.NewTimer(d)
				select {
				case <-ctx.Done():
					timer.Stop()
					return Result{Err: ctx.Err()}
				case <-timer.C:
				}
			}
		}

		result := issue(ctx, client, r)
		status := result.Status
		if result.Err != nil {
			status = 504
		}
		last = result

		if result.ok() {
			return result
		}
		if s.obs.OnError != nil {
			s.obs.OnError(r.Name, status)
		}
		if !policy.ShouldRetry(attempt, status) {
			return result
		}
	}
	return last
}

func (s *Set) notifyState(r *Replica) {
	if s.obs.OnState != nil {
		s.obs.OnState(r.Name, r.breaker.State(time.Now()))
	}
}

// Close releases idle connections held by every replica's transport.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transports {
		t.CloseIdleConnections()
	}
}
