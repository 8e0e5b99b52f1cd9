// Package control implements the risk-gated governance layer described in
// spec §4.G: it classifies proposed improvement actions by risk, either
// auto-executes them or queues them for human approval, and learns from
// repeated dismissals by adding standing protections.
//
// It shares the awareness file with internal/observer — both components
// load-modify-save the same JSON blob under one lock, per spec §5's
// ordering guarantee for components sharing a file.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pavlenko-dev/ctxd/internal/observer"
	"github.com/pavlenko-dev/ctxd/internal/store"
)

// ErrNotPending names the case of an action that is missing or has already
// left the pending state. Approve and Dismiss do not return it: they report
// that case as an ExecResult with Applicable false and a nil error.
var ErrNotPending = errors.New("action is not pending")

// Risk is one of the three levels the improver's action kinds map to.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// riskTable is the fixed classification from spec §4.G.
var riskTable = map[string]Risk{
	"auto_tag":               RiskLow,
	"create_gap_stubs":       RiskLow,
	"suggest_schema":         RiskLow,
	"merge_duplicates":       RiskMedium,
	"promote_to_type":        RiskMedium,
	"archive_stale":          RiskHigh,
	"resolve_contradictions": RiskHigh,
}

// Classify returns the risk level for an action kind.
func Classify(kind string) Risk {
	if r, ok := riskTable[kind]; ok {
		return r
	}
	return RiskHigh // unknown kinds are treated conservatively
}

// Policy holds the three AUTO_APPROVE_* flags from spec §4.G / §6.
type Policy struct {
	AutoApproveLow    bool
	AutoApproveMedium bool
	AutoApproveHigh   bool
}

// DefaultPolicy matches the documented defaults: low auto-approves,
// medium and high require human review.
func DefaultPolicy() Policy {
	return Policy{AutoApproveLow: true, AutoApproveMedium: false, AutoApproveHigh: false}
}

func (p Policy) allows(r Risk) bool {
	switch r {
	case RiskLow:
		return p.AutoApproveLow
	case RiskMedium:
		return p.AutoApproveMedium
	case RiskHigh:
		return p.AutoApproveHigh
	}
	return false
}

// Action is a concrete improvement proposed by the improver: a kind plus
// the entry IDs it targets and any kind-specific data needed to execute it
// or build a preview (survivor/archive IDs, suggested type, queries, …).
type Action struct {
	Kind    string         `json:"kind"`
	Targets []string       `json:"targets,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// PendingAction is a proposed action awaiting human approval.
type PendingAction struct {
	ID            string `json:"id"`
	CreatedAt     string `json:"createdAt"`
	ExpiresAt     string `json:"expiresAt"`
	Action        Action `json:"action"`
	Risk          Risk   `json:"risk"`
	Description   string `json:"description"`
	Reasoning     string `json:"reasoning"`
	Preview       any    `json:"preview,omitempty"`
	Status        string `json:"status"` // pending, approved, dismissed, expired
	DismissReason string `json:"dismissReason,omitempty"`
}

const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusDismissed = "dismissed"
	StatusExpired   = "expired"
)

// Protection blocks re-proposal of one or more action kinds, either for a
// specific entry or for any entry matching a scope (e.g. typeName).
type Protection struct {
	EntryID   string            `json:"entryId,omitempty"`
	Pattern   string            `json:"pattern,omitempty"`
	Scope     map[string]string `json:"scope,omitempty"`
	Blocks    []string          `json:"blocks"`
	Reason    string            `json:"reason"`
	CreatedAt string            `json:"createdAt"`
}

// awarenessExtra is the shape control.go reads/writes into
// observer.Blob.PendingRaw / .ProtectionRaw.
type awarenessExtra struct {
	Pending     []PendingAction `json:"-"`
	Protections []Protection    `json:"-"`
}

// Executor performs the mutation for one action kind, returning how many
// targets it affected for journaling. Implemented by internal/improver so
// that Approve can reuse the same execution logic the tick uses for
// auto-executed actions, per spec §4.G.
type Executor interface {
	Execute(a Action) (observer.ActionCount, error)
}

// DefaultPendingTTL is the lifetime of a pending action before it expires
// when the caller doesn't override it — 7 days.
const DefaultPendingTTL = 7 * 24 * time.Hour

// dismissLearnThreshold is how many same-kind, same-scope dismissals
// trigger a broader standing protection, per spec §4.G.
const dismissLearnThreshold = 3

// Plane is the control plane: risk classification, the pending queue, and
// protection learning, all persisted through the shared awareness file.
type Plane struct {
	obs        *observer.Observer
	st         *store.Store
	exec       Executor
	policy     Policy
	pendingTTL time.Duration
	now        func() time.Time
}

// New creates a Plane. exec is used to actually run approved/auto-executed
// actions; it is typically the same *improver.Improver that proposed them.
// pendingTTL of 0 uses DefaultPendingTTL.
func New(obs *observer.Observer, st *store.Store, exec Executor, policy Policy, pendingTTL time.Duration) *Plane {
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	return &Plane{obs: obs, st: st, exec: exec, policy: policy, pendingTTL: pendingTTL, now: func() time.Time { return time.Now().UTC() }}
}

// SetExecutor wires the executor after construction, for the common case
// where the executor (the improver) itself needs a reference to this Plane.
func (p *Plane) SetExecutor(exec Executor) {
	p.exec = exec
}

func (p *Plane) loadExtra() (observer.Blob, awarenessExtra, error) {
	b, err := p.obs.Load()
	if err != nil {
		return observer.Blob{}, awarenessExtra{}, err
	}
	var ex awarenessExtra
	if len(b.PendingRaw) > 0 {
		if err := json.Unmarshal(b.PendingRaw, &ex.Pending); err != nil {
			return observer.Blob{}, awarenessExtra{}, fmt.Errorf("parsing pending actions: %w", err)
		}
	}
	if len(b.ProtectionRaw) > 0 {
		if err := json.Unmarshal(b.ProtectionRaw, &ex.Protections); err != nil {
			return observer.Blob{}, awarenessExtra{}, fmt.Errorf("parsing protections: %w", err)
		}
	}
	return b, ex, nil
}

func (p *Plane) saveExtra(b observer.Blob, ex awarenessExtra) error {
	pendingJSON, err := json.Marshal(ex.Pending)
	if err != nil {
		return err
	}
	protJSON, err := json.Marshal(ex.Protections)
	if err != nil {
		return err
	}
	b.PendingRaw = pendingJSON
	b.ProtectionRaw = protJSON
	return p.obs.Save(b)
}

// entryAttrs resolves an entry's protection-relevant attributes. Missing
// entries (already deleted) resolve to an empty map — defensive resolution
// per spec Design Note on weak references.
func (p *Plane) entryAttrs(entryID string) map[string]string {
	e, err := p.st.Get(entryID)
	if err != nil {
		return map[string]string{}
	}
	attrs := map[string]string{"content": e.Content}
	if e.TypeName != "" {
		attrs["typeName"] = e.TypeName
	}
	return attrs
}

// IsProtected reports whether kind is blocked for entryID by any
// entry-scoped or pattern/scope-scoped protection.
func (p *Plane) IsProtected(entryID, kind string) (bool, error) {
	_, ex, err := p.loadExtra()
	if err != nil {
		return false, err
	}
	attrs := p.entryAttrs(entryID)
	return isProtected(ex.Protections, entryID, attrs, kind), nil
}

func isProtected(protections []Protection, entryID string, attrs map[string]string, kind string) bool {
	for _, pr := range protections {
		if !containsStr(pr.Blocks, kind) {
			continue
		}
		if pr.EntryID != "" && pr.EntryID == entryID {
			return true
		}
		if pr.EntryID == "" && scopeMatches(pr.Scope, attrs) && patternMatches(pr.Pattern, attrs["content"]) {
			return true
		}
	}
	return false
}

func scopeMatches(scope map[string]string, attrs map[string]string) bool {
	if len(scope) == 0 {
		return true
	}
	for k, v := range scope {
		if attrs[k] != v {
			return false
		}
	}
	return true
}

func patternMatches(pattern, content string) bool {
	if pattern == "" {
		return true
	}
	return containsFold(content, pattern)
}

func containsStr(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// RouteResult describes what happened to a routed action.
type RouteResult struct {
	AutoExecuted bool
	Skipped      bool // dropped: protected, or a duplicate pending action
	PendingID    string
	Count        observer.ActionCount
}

// Route classifies an action and either executes it immediately or
// enqueues it as pending, per the auto-execute policy in spec §4.G.
// De-duplication: if a pending action of the same kind already targets an
// overlapping entry set, the new one is skipped rather than enqueued twice.
func (p *Plane) Route(a Action, description, reasoning string, preview any) (RouteResult, error) {
	risk := Classify(a.Kind)

	if p.policy.allows(risk) {
		count, err := p.exec.Execute(a)
		if err != nil {
			return RouteResult{}, err
		}
		return RouteResult{AutoExecuted: true, Count: count}, nil
	}

	b, ex, err := p.loadExtra()
	if err != nil {
		return RouteResult{}, err
	}
	if hasOverlappingPending(ex.Pending, a) {
		return RouteResult{Skipped: true}, nil
	}

	now := p.now()
	pa := PendingAction{
		ID:          newID("pa"),
		CreatedAt:   now.Format(time.RFC3339Nano),
		ExpiresAt:   now.Add(p.pendingTTL).Format(time.RFC3339Nano),
		Action:      a,
		Risk:        risk,
		Description: description,
		Reasoning:   reasoning,
		Preview:     preview,
		Status:      StatusPending,
	}
	ex.Pending = append(ex.Pending, pa)
	if err := p.saveExtra(b, ex); err != nil {
		return RouteResult{}, err
	}
	return RouteResult{PendingID: pa.ID}, nil
}

func hasOverlappingPending(pending []PendingAction, a Action) bool {
	for _, p := range pending {
		if p.Status != StatusPending || p.Action.Kind != a.Kind {
			continue
		}
		if overlaps(p.Action.Targets, a.Targets) {
			return true
		}
	}
	return false
}

func overlaps(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	for _, x := range b {
		if set[x] {
			return true
		}
	}
	return false
}

// ExecResult is returned by Approve for both the success and
// not-applicable cases, per spec §4.G: "Approving a non-pending or missing
// ID returns a structured 'not applicable' result and otherwise is a
// no-op."
type ExecResult struct {
	ID          string               `json:"id"`
	Applicable  bool                 `json:"applicable"`
	Count       observer.ActionCount `json:"count,omitempty"`
	Description string               `json:"description,omitempty"`
}

// Approve executes a pending action by ID and marks it approved.
func (p *Plane) Approve(id string) (ExecResult, error) {
	b, ex, err := p.loadExtra()
	if err != nil {
		return ExecResult{}, err
	}
	idx := findPending(ex.Pending, id)
	if idx < 0 || ex.Pending[idx].Status != StatusPending {
		return ExecResult{ID: id, Applicable: false}, nil
	}

	count, err := p.exec.Execute(ex.Pending[idx].Action)
	if err != nil {
		return ExecResult{}, err
	}
	ex.Pending[idx].Status = StatusApproved
	if err := p.saveExtra(b, ex); err != nil {
		return ExecResult{}, err
	}
	if err := p.obs.AppendImprovement(observer.ImprovementRecord{
		Timestamp:    p.now().Format(time.RFC3339Nano),
		Actions:      []observer.ActionCount{count},
		AutoExecuted: false,
	}); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{ID: id, Applicable: true, Count: count, Description: ex.Pending[idx].Description}, nil
}

// ApproveBulk approves each ID in turn, collecting a result per ID.
func (p *Plane) ApproveBulk(ids []string) ([]ExecResult, error) {
	results := make([]ExecResult, 0, len(ids))
	for _, id := range ids {
		r, err := p.Approve(id)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// Dismiss marks a pending action dismissed and learns a protection for its
// targets. If enough same-kind, same-scope dismissals have accumulated, a
// broader scope-level protection is added too, per spec §4.G.
func (p *Plane) Dismiss(id, reason string) (ExecResult, error) {
	b, ex, err := p.loadExtra()
	if err != nil {
		return ExecResult{}, err
	}
	idx := findPending(ex.Pending, id)
	if idx < 0 || ex.Pending[idx].Status != StatusPending {
		return ExecResult{ID: id, Applicable: false}, nil
	}
	action := ex.Pending[idx].Action
	ex.Pending[idx].Status = StatusDismissed
	ex.Pending[idx].DismissReason = reason

	now := p.now().Format(time.RFC3339Nano)
	var scope map[string]string
	for _, targetID := range action.Targets {
		attrs := p.entryAttrs(targetID)
		entryScope := map[string]string{}
		if tn, ok := attrs["typeName"]; ok {
			entryScope["typeName"] = tn
			scope = entryScope
		}
		ex.Protections = append(ex.Protections, Protection{
			EntryID:   targetID,
			Scope:     entryScope,
			Blocks:    []string{action.Kind},
			Reason:    reason,
			CreatedAt: now,
		})
	}

	if scope != nil && p.countMatchingDismissals(ex.Pending, action.Kind, scope) >= dismissLearnThreshold {
		if !hasScopeProtection(ex.Protections, action.Kind, scope) {
			ex.Protections = append(ex.Protections, Protection{
				Scope:     scope,
				Blocks:    []string{action.Kind},
				Reason:    fmt.Sprintf("learned after %d dismissals of %s", dismissLearnThreshold, action.Kind),
				CreatedAt: now,
			})
		}
	}

	if err := p.saveExtra(b, ex); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{ID: id, Applicable: true}, nil
}

// DismissBulk dismisses each ID in turn with a shared reason.
func (p *Plane) DismissBulk(ids []string, reason string) ([]ExecResult, error) {
	results := make([]ExecResult, 0, len(ids))
	for _, id := range ids {
		r, err := p.Dismiss(id, reason)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// countMatchingDismissals counts dismissed pending actions of kind with at
// least one target whose typeName scope equals scope.
func (p *Plane) countMatchingDismissals(pending []PendingAction, kind string, scope map[string]string) int {
	n := 0
	for _, pa := range pending {
		if pa.Status != StatusDismissed || pa.Action.Kind != kind {
			continue
		}
		for _, id := range pa.Action.Targets {
			if tn, ok := p.entryAttrs(id)["typeName"]; ok && sameScope(map[string]string{"typeName": tn}, scope) {
				n++
				break
			}
		}
	}
	return n
}

func hasScopeProtection(protections []Protection, kind string, scope map[string]string) bool {
	for _, p := range protections {
		if p.EntryID == "" && containsStr(p.Blocks, kind) && sameScope(p.Scope, scope) {
			return true
		}
	}
	return false
}

func sameScope(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func findPending(pending []PendingAction, id string) int {
	for i, p := range pending {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// ExpirePending walks the pending list and marks anything past its expiry
// timestamp as expired. Expiration never auto-approves.
func (p *Plane) ExpirePending() (int, error) {
	b, ex, err := p.loadExtra()
	if err != nil {
		return 0, err
	}
	now := p.now().Format(time.RFC3339Nano)
	n := 0
	for i := range ex.Pending {
		if ex.Pending[i].Status == StatusPending && ex.Pending[i].ExpiresAt < now {
			ex.Pending[i].Status = StatusExpired
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, p.saveExtra(b, ex)
}

// ListPending returns pending actions with the given status, or all of
// them if status is empty, most recent first.
func (p *Plane) ListPending(status string) ([]PendingAction, error) {
	_, ex, err := p.loadExtra()
	if err != nil {
		return nil, err
	}
	var out []PendingAction
	for _, pa := range ex.Pending {
		if status == "" || pa.Status == status {
			out = append(out, pa)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// PendingCount returns the number of currently pending actions.
func (p *Plane) PendingCount() (int, error) {
	pending, err := p.ListPending(StatusPending)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

func newID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New().String())
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	hl, nl := len(haystack), len(needle)
	if nl > hl {
		return false
	}
	// Simple case-insensitive substring check without importing strings
	// twice across the package; kept local since it's the only caller.
	return indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	h := []rune(toLower(haystack))
	n := []rune(toLower(needle))
	if len(n) == 0 {
		return 0
	}
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			if h[i+j] != n[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func toLower(s string) string {
	rs := []rune(s)
	for i, r := range rs {
		if r >= 'A' && r <= 'Z' {
			rs[i] = r + ('a' - 'A')
		}
	}
	return string(rs)
}
