// Package filter decides which stream events are delivered. A Pipeline runs
// a subtree stage then a name stage; an empty filter passes everything.
package filter

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/mitchellh/mapstructure"

	"github.com/assetflow/assetflow/pkg/apierr"
	"github.com/assetflow/assetflow/pkg/event"
)

// TriggerType selects which resource events a stream watches.
type TriggerType string

const (
	TriggerAny      TriggerType = "any"
	TriggerItem     TriggerType = "item"
	TriggerRevision TriggerType = "revision"
	TriggerArtifact TriggerType = "artifact"
	TriggerProject  TriggerType = "project"
	TriggerSpace    TriggerType = "space"
	TriggerEdge     TriggerType = "edge"
)

// Action selects which lifecycle action a stream watches.
type Action string

const (
	ActionAny      Action = "any"
	ActionCreated  Action = "created"
	ActionUpdated  Action = "updated"
	ActionDeleted  Action = "deleted"
	ActionTagged   Action = "tagged"
	ActionUntagged Action = "untagged"
)

// Stage names the filter stage that rejected an event.
type Stage string

const (
	StageSubtree Stage = "subtree"
	StageName    Stage = "name"
)

// Server-side filter query parameters.
const (
	ParamRoutingKeyFilter = "routing_key_filter"
	ParamKrefFilter       = "kref_filter"
)

const krefScheme = "kref://"

// Config is the user-facing filter definition. It is fixed for the lifetime
// of one connection.
type Config struct {
	TriggerType TriggerType `hcl:"trigger_type,optional" json:"trigger_type,omitempty"`
	Action      Action      `hcl:"action,optional" json:"action,omitempty"`
	Subtree     string      `hcl:"subtree,optional" json:"subtree,omitempty"`
	NamePattern string      `hcl:"name_pattern,optional" json:"name_pattern,omitempty"`
	ItemName    string      `hcl:"item_name,optional" json:"item_name,omitempty"`
	ItemKind    string      `hcl:"item_kind,optional" json:"item_kind,omitempty"`
}

var (
	triggerTypes = []interface{}{TriggerAny, TriggerItem, TriggerRevision, TriggerArtifact, TriggerProject, TriggerSpace, TriggerEdge}
	actions      = []interface{}{ActionAny, ActionCreated, ActionUpdated, ActionDeleted, ActionTagged, ActionUntagged}
)

// Validate checks the trigger type and action against the known values,
// ignoring case. Empty values mean "any".
func (c Config) Validate() error {
	if err := validation.Validate(c.triggerType(), validation.In(triggerTypes...)); err != nil {
		return apierr.WrapValidation("trigger_type", err)
	}
	if err := validation.Validate(c.action(), validation.In(actions...)); err != nil {
		return apierr.WrapValidation("action", err)
	}
	return nil
}

func (c Config) triggerType() TriggerType {
	if c.TriggerType == "" {
		return TriggerAny
	}
	return TriggerType(strings.ToLower(strings.TrimSpace(string(c.TriggerType))))
}

func (c Config) action() Action {
	if c.Action == "" {
		return ActionAny
	}
	return Action(strings.ToLower(strings.TrimSpace(string(c.Action))))
}

// RoutingKeyFilter renders the server-side routing key filter
// "<type>.<action>", using "*" for "any". Both "any" yields "".
func (c Config) RoutingKeyFilter() string {
	t, a := c.triggerType(), c.action()
	if t == TriggerAny && a == ActionAny {
		return ""
	}
	ts, as := string(t), string(a)
	if t == TriggerAny {
		ts = "*"
	}
	if a == ActionAny {
		as = "*"
	}
	return ts + "." + as
}

// HasGlob reports whether s contains wildcard characters.
func HasGlob(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// NormalizeSubtree turns a bare path or kref into "kref://<root>/**". Input
// that already contains glob characters is returned unchanged.
func NormalizeSubtree(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || HasGlob(s) {
		return s
	}
	return subtreeRoot(s) + "/**"
}

// subtreeRoot returns the canonical kref root for a non-glob subtree.
func subtreeRoot(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, krefScheme); ok {
		return krefScheme + strings.Trim(rest, "/")
	}
	return krefScheme + strings.Trim(s, "/")
}

// InSubtree reports whether kref equals root or lies beneath it. Any query
// suffix on kref is ignored.
func InSubtree(kref, root string) bool {
	if i := strings.IndexByte(kref, '?'); i >= 0 {
		kref = kref[:i]
	}
	kref = strings.TrimRight(kref, "/")
	root = strings.TrimRight(root, "/")
	return kref == root || strings.HasPrefix(kref, root+"/")
}

// Pipeline evaluates a Config against events. It is immutable and safe for
// concurrent use.
type Pipeline struct {
	cfg Config

	// root is set when the subtree is re-verified client side.
	root       string
	krefFilter string

	name     *matcher
	itemName *matcher
	itemKind *matcher
}

// New compiles cfg.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:        cfg,
		krefFilter: NormalizeSubtree(cfg.Subtree),
		name:       newMatcher(cfg.NamePattern),
		itemName:   newMatcher(cfg.ItemName),
		itemKind:   newMatcher(cfg.ItemKind),
	}
	if s := strings.TrimSpace(cfg.Subtree); s != "" && !HasGlob(s) {
		p.root = subtreeRoot(s)
	}
	return p, nil
}

// Config returns the compiled configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// ServerParams returns the query parameters that ask the server to filter.
func (p *Pipeline) ServerParams() url.Values {
	v := url.Values{}
	if rk := p.cfg.RoutingKeyFilter(); rk != "" {
		v.Set(ParamRoutingKeyFilter, rk)
	}
	if p.krefFilter != "" {
		v.Set(ParamKrefFilter, p.krefFilter)
	}
	return v
}

// Allow reports whether ev passes every stage. When it does not, the
// rejecting stage is returned.
func (p *Pipeline) Allow(ev *event.Event) (bool, Stage) {
	if !p.allowSubtree(ev) {
		return false, StageSubtree
	}
	if !p.allowName(ev) {
		return false, StageName
	}
	return true, ""
}

func (p *Pipeline) allowSubtree(ev *event.Event) bool {
	if p.root == "" {
		return true
	}
	return InSubtree(ev.Kref, p.root)
}

func (p *Pipeline) allowName(ev *event.Event) bool {
	if p.name == nil && p.itemName == nil && p.itemKind == nil {
		return true
	}

	d := decodeDetails(ev.Details)

	if p.name != nil && !p.matchName(ev, d) {
		return false
	}

	if p.itemName != nil || p.itemKind != nil {
		name, kind := ev.ItemNameKind()
		if name == "" {
			name = d.ItemName
		}
		if kind == "" {
			kind = d.Kind
		}
		if p.itemName != nil && !p.itemName.match(name) {
			return false
		}
		if p.itemKind != nil && !p.itemKind.match(kind) {
			return false
		}
	}
	return true
}

// matchName applies the name pattern. Routing key and identifier are checked
// first; type-specific detail fields refine the match.
func (p *Pipeline) matchName(ev *event.Event, d details) bool {
	m := p.name

	if m.structural {
		if m.match(ev.RoutingKey) {
			return true
		}
	} else if m.glob == nil {
		if m.contains(ev.RoutingKey) || m.contains(ev.Kref) {
			return true
		}
	}

	for _, candidate := range p.candidates(ev, d) {
		if m.match(candidate) {
			return true
		}
	}
	return false
}

// candidates returns the single-segment values a name pattern is matched
// against for the configured trigger type and action.
func (p *Pipeline) candidates(ev *event.Event, d details) []string {
	name, _ := ev.ItemNameKind()
	out := []string{ev.Name(), name, ev.Type(), ev.Action()}

	switch p.cfg.action() {
	case ActionTagged, ActionUntagged:
		out = append(out, d.Tag, d.TagName)
	}

	switch p.cfg.triggerType() {
	case TriggerRevision:
		out = append(out, d.Revision, d.RevisionNumber)
	case TriggerArtifact:
		out = append(out, d.ArtifactName, d.Name)
	case TriggerItem, TriggerProject, TriggerSpace:
		out = append(out, d.ItemName, d.Name)
	case TriggerAny:
		out = append(out, d.Tag, d.TagName, d.ArtifactName, d.ItemName, d.Name)
	}
	return out
}

// details holds the detail fields name filters inspect. Numbers and bools
// are weakly converted to strings.
type details struct {
	Tag            string `mapstructure:"tag"`
	TagName        string `mapstructure:"tag_name"`
	Revision       string `mapstructure:"revision"`
	RevisionNumber string `mapstructure:"revision_number"`
	ArtifactName   string `mapstructure:"artifact_name"`
	ItemName       string `mapstructure:"item_name"`
	Kind           string `mapstructure:"kind"`
	Name           string `mapstructure:"name"`
}

func decodeDetails(raw map[string]any) details {
	var d details
	if len(raw) == 0 {
		return d
	}
	// Fields of unexpected shape are left empty; the rest still decode.
	_ = mapstructure.WeakDecode(raw, &d)
	return d
}

// matcher is a compiled, case-insensitive name pattern.
type matcher struct {
	pattern    string
	lower      string
	glob       *regexp.Regexp
	structural bool
}

// newMatcher returns nil for an empty pattern.
func newMatcher(pattern string) *matcher {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil
	}
	m := &matcher{
		pattern:    pattern,
		lower:      strings.ToLower(pattern),
		structural: strings.Contains(pattern, "."),
	}
	if strings.ContainsAny(pattern, "*?") {
		m.glob = regexp.MustCompile(wildcardRegexp(pattern))
	}
	return m
}

func (m *matcher) contains(s string) bool {
	return s != "" && strings.Contains(strings.ToLower(s), m.lower)
}

// match is an anchored wildcard match when the pattern has globs, else a
// case-insensitive equality or substring match.
func (m *matcher) match(s string) bool {
	if s == "" {
		return false
	}
	if m.glob != nil {
		return m.glob.MatchString(s)
	}
	if m.structural {
		return strings.EqualFold(s, m.pattern)
	}
	return m.contains(s)
}

// wildcardRegexp translates '*' and '?' into an anchored, case-insensitive
// regular expression. Every other character is literal.
func wildcardRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// String renders the pipeline for logs.
func (p *Pipeline) String() string {
	return fmt.Sprintf("type=%s action=%s subtree=%q name=%q item_name=%q item_kind=%q",
		p.cfg.triggerType(), p.cfg.action(), p.krefFilter, p.cfg.NamePattern, p.cfg.ItemName, p.cfg.ItemKind)
}
