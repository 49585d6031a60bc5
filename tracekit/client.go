package tracekit

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/trace"
)

// ControlPlaneClient polls a backend for active Breakpoint wire objects,
// drives them through the core Agent (Set/Clear/Wait), and ships
// completed Snapshots back. It evolves the teacher's SnapshotClient: the
// polling/caching/shipping shape is unchanged, but matching and capture
// are delegated entirely to the Agent instead of being done ad hoc
// in-line.
type ControlPlaneClient struct {
	apiKey      string
	baseURL     string
	serviceName string
	client      *http.Client
	stopChan    chan struct{}

	agent *Agent
	cache BreakpointCache

	active map[string]*Breakpoint // id (stringified) -> live Breakpoint, for Clear on expiry
	mu     sync.RWMutex

	pollInterval time.Duration
	auditStore   AuditStore
}

// BreakpointCache is the shared, cross-replica view of active
// breakpoints a ControlPlaneClient reads, in place of the backend, before
// calling Agent.Set; redis.go's RedisBreakpointCache is the production
// implementation. ControlPlaneClient only calls List: nothing in this
// package calls Put, so the cache is filled from outside the package.
type BreakpointCache interface {
	Put(ctx context.Context, bp *Breakpoint) error
	List(ctx context.Context, serviceName string) ([]*Breakpoint, error)
}

// AuditStore durably records a completed Snapshot. database.go, gorm.go,
// and mongodb.go each provide an implementation.
type AuditStore interface {
	Record(ctx context.Context, snap *Snapshot) error
}

// NewControlPlaneClient creates a client bound to agent; cache and
// auditStore may be nil, in which case breakpoints are fetched directly
// from baseURL on every poll and completed snapshots are not durably
// recorded beyond being shipped to the control plane.
func NewControlPlaneClient(apiKey, baseURL, serviceName string, agent *Agent, cache BreakpointCache, auditStore AuditStore) *ControlPlaneClient {
	return &ControlPlaneClient{
		apiKey:       apiKey,
		baseURL:      baseURL,
		serviceName:  serviceName,
		client:       &http.Client{Timeout: 10 * time.Second},
		stopChan:     make(chan struct{}),
		agent:        agent,
		cache:        cache,
		active:       make(map[string]*Breakpoint),
		pollInterval: 30 * time.Second,
		auditStore:   auditStore,
	}
}

// Start begins polling for active breakpoints.
func (c *ControlPlaneClient) Start() {
	go c.pollBreakpoints()
	log.Printf("📸 control-plane client started for service: %s", c.serviceName)
}

// Stop stops the poll loop and clears every breakpoint it registered.
func (c *ControlPlaneClient) Stop() {
	close(c.stopChan)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bp := range c.active {
		c.agent.Clear(bp)
	}
	c.active = make(map[string]*Breakpoint)
	log.Println("📸 control-plane client stopped")
}

func (c *ControlPlaneClient) pollBreakpoints() {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	if err := c.fetchActiveBreakpoints(); err != nil {
		log.Printf("⚠️  failed to fetch initial breakpoints: %v", err)
	}

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if err := c.fetchActiveBreakpoints(); err != nil {
				log.Printf("⚠️  failed to fetch breakpoints: %v", err)
			}
		}
	}
}

// fetchActiveBreakpoints retrieves the current breakpoint set, from the
// shared BreakpointCache alone when one is configured (the backend is not
// queried then, even if the cache read fails), and reconciles it
// against what is currently registered with the Agent: new entries are
// Set, expired or removed entries are Cleared.
func (c *ControlPlaneClient) fetchActiveBreakpoints() error {
	var breakpoints []*Breakpoint
	ctx := context.Background()

	if c.cache != nil {
		list, err := c.cache.List(ctx, c.serviceName)
		if err != nil {
			return err
		}
		breakpoints = list
	} else {
		fetched, err := c.fetchFromBackend()
		if err != nil {
			return err
		}
		breakpoints = fetched
	}

	c.reconcile(breakpoints)
	return nil
}

func (c *ControlPlaneClient) fetchFromBackend() ([]*Breakpoint, error) {
	url := fmt.Sprintf("%s/sdk/snapshots/active/%s", c.baseURL, c.serviceName)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var result struct {
		Breakpoints []*Breakpoint `json:"breakpoints"`
	}
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Breakpoints, nil
}

func idKey(id any) string { return fmt.Sprintf("%v", id) }

// jsonMarshalSnapshot is shared by the AuditStore implementations
// (database.go, gorm.go, mongodb.go) that persist a Snapshot as an
// opaque JSON payload column/field.
func jsonMarshalSnapshot(snap *Snapshot) ([]byte, error) {
	return sonic.Marshal(snap)
}

func (c *ControlPlaneClient) reconcile(breakpoints []*Breakpoint) {
	c.mu.Lock()
	want := make(map[string]*Breakpoint, len(breakpoints))
	for _, bp := range breakpoints {
		want[idKey(bp.ID)] = bp
	}

	var toClear []*Breakpoint
	expired := make(map[string]bool)
	for key, bp := range c.active {
		if _, stillWanted := want[key]; !stillWanted {
			toClear = append(toClear, bp)
			delete(c.active, key)
			continue
		}
		if bp.ExpireAt != nil && time.Now().After(*bp.ExpireAt) {
			toClear = append(toClear, bp)
			delete(c.active, key)
			expired[key] = true
		}
	}

	var toSet []*Breakpoint
	for key, bp := range want {
		if expired[key] {
			// Still present in the desired set but past its own
			// ExpireAt: the control plane will drop it from the list on
			// its own next poll. Clearing it here without immediately
			// re-registering avoids an endless clear/set cycle.
			continue
		}
		if _, already := c.active[key]; !already {
			c.active[key] = bp
			toSet = append(toSet, bp)
		}
	}
	c.mu.Unlock()

	for _, bp := range toClear {
		c.agent.Clear(bp)
	}
	for _, bp := range toSet {
		bp := bp
		c.agent.Set(bp, func(err error) {
			if err != nil {
				log.Printf("⚠️  failed to set breakpoint %v: %v", bp.ID, err)
				return
			}
			c.agent.Wait(bp, func(err error) {
				c.onHit(bp, err)
			})
		})
	}
}

// onHit runs once a Breakpoint registered through reconcile has captured
// (or failed to). It builds the wire Snapshot, scans it for sensitive
// data, ships it to the backend, and clears one-shot CAPTURE
// breakpoints.
func (c *ControlPlaneClient) onHit(bp *Breakpoint, waitErr error) {
	ctx := bp.hitContext()
	traceID, spanID := traceAndSpanID(ctx)
	snap := &Snapshot{
		BreakpointID:         bp.ID,
		ServiceName:          c.serviceName,
		StackFrames:          bp.StackFrames,
		VariableTable:        bp.VariableTable,
		EvaluatedExpressions: bp.EvaluatedExpressions,
		RequestContext:       extractRequestContext(ctx),
		TraceID:              traceID,
		SpanID:               spanID,
		DiagnosticStackTrace: bp.DiagnosticStackTrace,
		CapturedAt:           time.Now(),
	}
	snap.VariableTable, snap.SecurityFlags = c.scanForSecurityIssues(snap.VariableTable)

	go c.shipSnapshot(snap)

	if c.auditStore != nil {
		go func() {
			if err := c.auditStore.Record(context.Background(), snap); err != nil {
				log.Printf("⚠️  failed to record snapshot audit: %v", err)
			}
		}()
	}

	if bp.action() == ActionCapture {
		c.agent.Clear(bp)
		c.mu.Lock()
		delete(c.active, idKey(bp.ID))
		c.mu.Unlock()
	}
}

// shipSnapshot sends the snapshot to the backend.
func (c *ControlPlaneClient) shipSnapshot(snap *Snapshot) {
	url := fmt.Sprintf("%s/sdk/snapshots/capture", c.baseURL)

	body, err := sonic.Marshal(snap)
	if err != nil {
		log.Printf("⚠️  failed to marshal snapshot: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("⚠️  failed to create snapshot request: %v", err)
		return
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("⚠️  failed to send snapshot: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		log.Printf("⚠️  failed to capture snapshot: status %d", resp.StatusCode)
		return
	}

	log.Printf("📸 snapshot captured for breakpoint %v", snap.BreakpointID)
}

// SecurityFlag represents a security issue found in a snapshot's
// variable table.
type SecurityFlag struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Variable string `json:"variable,omitempty"`
}

var sensitivePatterns = map[string]*regexp.Regexp{
	"password":    regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*["']?[^\s"']{6,}`),
	"api_key":     regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[=:]\s*["']?[A-Za-z0-9_-]{20,}`),
	"jwt":         regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`),
	"credit_card": regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14})\b`),
}

var sensitiveNamePattern = regexp.MustCompile(`(?i)(password|secret|token|key|credential)`)

// scanForSecurityIssues walks a captured VariableTable for sensitive
// names/values, redacting matches in place. This is the teacher's
// scanForSecurityIssues retargeted from a flat map[string]interface{} to
// the engine's own Variable/VariableTable shape.
func (c *ControlPlaneClient) scanForSecurityIssues(table []Variable) ([]Variable, []SecurityFlag) {
	var flags []SecurityFlag
	out := make([]Variable, len(table))
	copy(out, table)

	for i, v := range out {
		if v.Name != "" && sensitiveNamePattern.MatchString(v.Name) {
			flags = append(flags, SecurityFlag{Type: "sensitive_variable_name", Severity: "medium", Variable: v.Name})
			out[i].Value = "[REDACTED]"
			out[i].Status = &StatusMessage{IsError: false, RefersTo: ReferUnspecified, Description: staticDescription("Redacted sensitive variable")}
			continue
		}
		for kind, pattern := range sensitivePatterns {
			if pattern.MatchString(v.Value) {
				flags = append(flags, SecurityFlag{Type: "sensitive_data_" + kind, Severity: "high", Variable: v.Name})
				out[i].Value = "[REDACTED]"
				out[i].Status = &StatusMessage{IsError: false, RefersTo: ReferUnspecified, Description: staticDescription("Redacted sensitive variable")}
				break
			}
		}
	}
	return out, flags
}

// extractRequestContext pulls the HTTP request details a framework
// middleware (gin.go) stashed on ctx.
func extractRequestContext(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(requestContextKey{}).(*RequestContext); ok {
		return rc
	}
	return nil
}

func traceAndSpanID(ctx context.Context) (string, string) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return "", ""
	}
	return span.SpanContext().TraceID().String(), span.SpanContext().SpanID().String()
}
