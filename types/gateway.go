// Package types contains the federation configuration types shared by the
// edge and central services and the REST surface.
package types

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/errors"
)

// WildcardType selects the sync rule used when no rule exists for an asset type.
const WildcardType = "*"

// GatewayConnection configures one edge's connection to a central instance.
// A connection is immutable once in use; edits replace it wholesale.
type GatewayConnection struct {
	LocalRealm       string                   `json:"localRealm" yaml:"localRealm"`
	Realm            string                   `json:"realm" yaml:"realm"`
	Host             string                   `json:"host" yaml:"host"`
	Port             int                      `json:"port,omitempty" yaml:"port,omitempty"`
	Secured          bool                     `json:"secured" yaml:"secured"`
	ClientID         string                   `json:"clientId" yaml:"clientId"`
	ClientSecret     string                   `json:"clientSecret" yaml:"clientSecret"`
	Disabled         bool                     `json:"disabled" yaml:"disabled"`
	AssetSyncRules   map[string]AssetSyncRule `json:"assetSyncRules,omitempty" yaml:"assetSyncRules,omitempty"`
	AttributeFilters []AttributeFilter        `json:"attributeFilters,omitempty" yaml:"attributeFilters,omitempty"`
}

// Validate reports configuration errors. Invalid connections are kept but
// never connected.
func (c *GatewayConnection) Validate() error {
	var problems []string
	if c.LocalRealm == "" {
		problems = append(problems, "localRealm is required")
	}
	if c.Realm == "" {
		problems = append(problems, "realm is required")
	}
	if c.Host == "" {
		problems = append(problems, "host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		problems = append(problems, "clientId and clientSecret are required")
	}
	for i, f := range c.AttributeFilters {
		if err := f.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("attributeFilters[%d]: %v", i, err))
		}
	}
	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"GatewayConnection", "Validate", "validate connection for realm "+c.LocalRealm)
	}
	return nil
}

func (c *GatewayConnection) baseURL(scheme string) *url.URL {
	host := c.Host
	if c.Port > 0 {
		host = host + ":" + strconv.Itoa(c.Port)
	}
	return &url.URL{Scheme: scheme, Host: host}
}

// WebsocketURL is the central event endpoint for this connection.
func (c *GatewayConnection) WebsocketURL() string {
	scheme := "ws"
	if c.Secured {
		scheme = "wss"
	}
	u := c.baseURL(scheme)
	u.Path = "/websocket/events"
	u.RawQuery = url.Values{"realm": {c.Realm}}.Encode()
	return u.String()
}

// TokenURL is the client credentials token endpoint for this connection.
func (c *GatewayConnection) TokenURL() string {
	scheme := "http"
	if c.Secured {
		scheme = "https"
	}
	u := c.baseURL(scheme)
	u.Path = "/auth/realms/" + url.PathEscape(c.Realm) + "/protocol/openid-connect/token"
	return u.String()
}

// Redacted returns a copy with the client secret masked.
func (c GatewayConnection) Redacted() GatewayConnection {
	if c.ClientSecret != "" {
		c.ClientSecret = "********"
	}
	return c
}

// AssetSyncRule strips and injects attribute data for one asset type.
// Per attribute maps fall back to the "*" entry.
type AssetSyncRule struct {
	ExcludeAttributes    []string              `json:"excludeAttributes,omitempty" yaml:"excludeAttributes,omitempty"`
	ExcludeAttributeMeta map[string][]string   `json:"excludeAttributeMeta,omitempty" yaml:"excludeAttributeMeta,omitempty"`
	AddAttributeMeta     map[string]asset.Meta `json:"addAttributeMeta,omitempty" yaml:"addAttributeMeta,omitempty"`
}

// AttributeMatcher selects attribute events a filter applies to. Empty
// criteria match everything.
type AttributeMatcher struct {
	AssetIDs       []string `json:"assetIds,omitempty" yaml:"assetIds,omitempty"`
	AssetTypes     []string `json:"assetTypes,omitempty" yaml:"assetTypes,omitempty"`
	ParentIDs      []string `json:"parentIds,omitempty" yaml:"parentIds,omitempty"`
	AttributeNames []string `json:"attributeNames,omitempty" yaml:"attributeNames,omitempty"`
	// AttributePattern is a regular expression matched against attribute names.
	AttributePattern string `json:"attributePattern,omitempty" yaml:"attributePattern,omitempty"`
}

// AttributeFilter decides whether a local attribute change is forwarded.
// Actions are evaluated in field order: Allow, SkipAlways, ValueChange,
// Delta, Duration.
type AttributeFilter struct {
	Matcher     *AttributeMatcher `json:"matcher,omitempty" yaml:"matcher,omitempty"`
	Allow       bool              `json:"allow,omitempty" yaml:"allow,omitempty"`
	SkipAlways  bool              `json:"skipAlways,omitempty" yaml:"skipAlways,omitempty"`
	ValueChange bool              `json:"valueChange,omitempty" yaml:"valueChange,omitempty"`
	Delta       *float64          `json:"delta,omitempty" yaml:"delta,omitempty"`
	// Duration accepts Go durations ("90s") and ISO-8601 ("PT1M30S").
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Validate checks the matcher pattern and duration syntax.
func (f *AttributeFilter) Validate() error {
	if f.Matcher != nil && f.Matcher.AttributePattern != "" {
		if _, err := regexp.Compile(f.Matcher.AttributePattern); err != nil {
			return fmt.Errorf("attributePattern: %w", err)
		}
	}
	if f.Duration != "" {
		if _, err := ParseDuration(f.Duration); err != nil {
			return err
		}
	}
	return nil
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration accepts Go duration syntax or an ISO-8601 day/time duration.
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	m := isoDuration.FindStringSubmatch(strings.ToUpper(s))
	if m == nil || s == "P" || strings.HasSuffix(strings.ToUpper(s), "T") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var total time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total += time.Duration(n) * unit
	}
	if m[4] != "" {
		secs, err := strconv.ParseFloat(m[4], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total += time.Duration(secs * float64(time.Second))
	}
	return total, nil
}
