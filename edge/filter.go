package edge

import (
	"encoding/json"
	"math"
	"reflect"
	"regexp"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/syncrule"
	"github.com/openremote/openremote-sub007/types"
)

// throttleCapacity bounds the per connection throttle timestamps.
const throttleCapacity = 10000

type compiledFilter struct {
	matcher  *types.AttributeMatcher
	pattern  *regexp.Regexp
	filter   types.AttributeFilter
	duration time.Duration
}

func (f *compiledFilter) matches(ev *asset.AttributeEvent) bool {
	m := f.matcher
	if m == nil {
		return true
	}
	if len(m.AssetIDs) > 0 && !slices.Contains(m.AssetIDs, ev.Ref.ID) {
		return false
	}
	if len(m.AssetTypes) > 0 && !slices.Contains(m.AssetTypes, ev.AssetType) {
		return false
	}
	if len(m.ParentIDs) > 0 && !slices.Contains(m.ParentIDs, ev.ParentID) {
		return false
	}
	if len(m.AttributeNames) > 0 && !slices.Contains(m.AttributeNames, ev.Ref.Name) {
		return false
	}
	if f.pattern != nil && !f.pattern.MatchString(ev.Ref.Name) {
		return false
	}
	return true
}

// filterPipeline decides which local attribute events are forwarded to the
// central instance.
type filterPipeline struct {
	realm   string
	filters []compiledFilter
	rules   syncrule.Rules
	clock   clock.Clock

	// lastSent is only allocated when a duration filter exists.
	lastSent *lru.Cache[asset.AttributeRef, time.Time]
}

func newFilterPipeline(realm string, filters []types.AttributeFilter, rules syncrule.Rules, clk clock.Clock) (*filterPipeline, error) {
	p := &filterPipeline{realm: realm, rules: rules, clock: clk}

	throttled := false
	for _, f := range filters {
		cf := compiledFilter{matcher: f.Matcher, filter: f}
		if f.Matcher != nil && f.Matcher.AttributePattern != "" {
			re, err := regexp.Compile(f.Matcher.AttributePattern)
			if err != nil {
				return nil, errors.WrapInvalid(err, "ClientConnector", "newFilterPipeline", "compile filter pattern")
			}
			cf.pattern = re
		}
		if f.Duration != "" {
			d, err := types.ParseDuration(f.Duration)
			if err != nil {
				return nil, errors.WrapInvalid(err, "ClientConnector", "newFilterPipeline", "parse filter duration")
			}
			cf.duration = d
			throttled = true
		}
		p.filters = append(p.filters, cf)
	}

	if throttled {
		cache, err := lru.New[asset.AttributeRef, time.Time](throttleCapacity)
		if err != nil {
			return nil, errors.Wrap(err, "ClientConnector", "newFilterPipeline", "create throttle cache")
		}
		p.lastSent = cache
	}
	return p, nil
}

// Allow reports whether ev should be forwarded. Events written back by the
// connector itself always pass so the central sees the applied value.
func (p *filterPipeline) Allow(ev *asset.AttributeEvent) bool {
	if ev == nil || ev.Realm != p.realm {
		return false
	}
	if ev.Source == SourceGatewayClient {
		return true
	}
	if !p.decide(ev) {
		return false
	}
	return !p.rules.Excludes(ev.AssetType, ev.Ref.Name)
}

// decide applies the first filter whose matcher accepts ev. Events no filter
// matches are forwarded.
func (p *filterPipeline) decide(ev *asset.AttributeEvent) bool {
	for i := range p.filters {
		f := &p.filters[i]
		if !f.matches(ev) {
			continue
		}
		switch {
		case f.filter.Allow:
			return true
		case f.filter.SkipAlways:
			return false
		case f.filter.ValueChange && !sameValue(ev.Value, ev.OldValue):
			return true
		case f.filter.Delta != nil && exceedsDelta(ev, *f.filter.Delta):
			return true
		case f.duration > 0:
			return p.throttle(ev.Ref, f.duration)
		}
		return false
	}
	return true
}

func (p *filterPipeline) throttle(ref asset.AttributeRef, d time.Duration) bool {
	now := p.clock.Now()
	if last, ok := p.lastSent.Get(ref); ok && now.Sub(last) <= d {
		return false
	}
	p.lastSent.Add(ref, now)
	return true
}

func exceedsDelta(ev *asset.AttributeEvent, delta float64) bool {
	v, ok := toFloat(ev.Value)
	if !ok {
		return false
	}
	old, ok := toFloat(ev.OldValue)
	if !ok {
		old = 0
	}
	return math.Abs(v-old) > math.Abs(delta)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sameValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}
