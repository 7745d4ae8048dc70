// Package tenant defines the per-shop robot config, its defaults and load
// time normalization, and a store that serializes read-modify-write cycles
// per shop.
package tenant

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"time"

	"postrobot/internal/schedule"
	"postrobot/internal/topics"
)

// ErrMissingShop is returned for configs without a tenant id.
var ErrMissingShop = errors.New("tenant: missing shop domain")

const (
	DefaultTimezone  = "America/New_York"
	DefaultMaxPerDay = 3
	DefaultMinTopics = 3
	DefaultBatchSize = 5

	SetupInitialized   = "initialized"
	SetupUninitialized = "uninitialized"
)

// Billing status values.
const (
	BillingInactive = "inactive"
	BillingTrial    = "trial"
	BillingActive   = "active"
)

type DailyLimit struct {
	Enabled   bool `json:"enabled"`
	MaxPerDay int  `json:"maxPerDay"`
	DevBypass bool `json:"devBypass"`
}

// DailyUsage is the quota ledger. DayKey is compared, never parsed.
type DailyUsage struct {
	DayKey string `json:"dayKey"`
	Count  int    `json:"count"`
}

type TopicGen struct {
	Enabled             bool `json:"enabled"`
	MinTopics           int  `json:"minTopics"`
	BatchSize           int  `json:"batchSize"`
	IncludeProductPosts bool `json:"includeProductPosts"`
}

// BusinessContext is written by the setup wizard. Only the fields the robot
// reads are modeled; the rest (industry, tone, goals, ...) ride in Extra.
type BusinessContext struct {
	Status       string `json:"status"`
	SetupStep    int    `json:"setupStep"`
	BusinessName string `json:"business_name,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (b BusinessContext) MarshalJSON() ([]byte, error) {
	type plain BusinessContext
	return encodeWithExtra(plain(b), b.Extra)
}

func (b *BusinessContext) UnmarshalJSON(data []byte) error {
	type plain BusinessContext
	p := plain(*b)
	extra, err := decodeWithExtra(data, &p, businessContextKeys)
	if err != nil {
		return err
	}
	*b = BusinessContext(p)
	b.Extra = extra
	// earlier documents spelled the brand businessName
	if legacy, ok := extra["businessName"]; ok {
		var name string
		if json.Unmarshal(legacy, &name) == nil && b.BusinessName == "" {
			b.BusinessName = name
		}
		delete(b.Extra, "businessName")
	}
	return nil
}

// Billing mirrors the app subscription. Fields such as plan ride in Extra.
type Billing struct {
	Status      string     `json:"status"`
	TrialEndsAt *time.Time `json:"trialEndsAt"`
	LastCheckAt *time.Time `json:"lastCheckAt"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (b Billing) MarshalJSON() ([]byte, error) {
	type plain Billing
	return encodeWithExtra(plain(b), b.Extra)
}

func (b *Billing) UnmarshalJSON(data []byte) error {
	type plain Billing
	p := plain(*b)
	extra, err := decodeWithExtra(data, &p, billingKeys)
	if err != nil {
		return err
	}
	*b = Billing(p)
	b.Extra = extra
	return nil
}

// DevMode holds operator escape hatches. Both default to false.
type DevMode struct {
	BypassBilling    bool `json:"bypassBilling"`
	BypassDailyLimit bool `json:"bypassDailyLimit"`
}

type LastPost struct {
	At        time.Time `json:"at"`
	Title     string    `json:"title"`
	Published bool      `json:"published"`
	ArticleID *string   `json:"articleId"`
}

// Config is the system of record for one tenant.
type Config struct {
	ShopDomain   string             `json:"shopDomain"`
	Mode         schedule.Mode      `json:"mode"`
	Timezone     string             `json:"timezone"`
	RobotEnabled bool               `json:"robotEnabled"`
	Schedules    []schedule.Profile `json:"schedules"`
	DailyLimit   DailyLimit         `json:"dailyLimit"`
	DailyUsage   DailyUsage         `json:"dailyUsage"`

	topics.Book

	TopicGen             TopicGen        `json:"topicGen"`
	ExcludedTopics       []string        `json:"excludedTopics"`
	ContentIntentDefault topics.Intent   `json:"contentIntentDefault"`
	BusinessContext      BusinessContext `json:"businessContext"`
	Billing              Billing         `json:"billing"`
	DevMode              DevMode         `json:"devMode"`
	LastRun              *time.Time      `json:"lastRun"`
	LastPost             *LastPost       `json:"lastPost"`

	// PostingBlocked is recomputed from BusinessContext on every load.
	PostingBlocked bool `json:"_postingBlocked"`

	// Extra carries fields this package does not model so that saving a
	// config never drops them.
	Extra map[string]json.RawMessage `json:"-"`
}

// legacySchedule is the single-profile shape older configs carry.
type legacySchedule struct {
	DaysOfWeek []string        `json:"daysOfWeek"`
	Time       json.RawMessage `json:"time"`
	Times      json.RawMessage `json:"times"`
	Mode       schedule.Mode   `json:"mode"`
}

var (
	knownKeys           = jsonKeys(reflect.TypeOf(Config{}), "schedule")
	businessContextKeys = jsonKeys(reflect.TypeOf(BusinessContext{}))
	billingKeys         = jsonKeys(reflect.TypeOf(Billing{}))
)

// jsonKeys lists the JSON names of t's fields, embedded structs included.
func jsonKeys(t reflect.Type, extra ...string) map[string]struct{} {
	m := map[string]struct{}{}
	for _, k := range extra {
		m[k] = struct{}{}
	}
	var walk func(t reflect.Type)
	walk = func(t reflect.Type) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.Anonymous {
				walk(f.Type)
				continue
			}
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name != "" && name != "-" {
				m[name] = struct{}{}
			}
		}
	}
	walk(t)
	return m
}

// decodeWithExtra unmarshals data into v and returns the keys of data that
// are not in known, or nil when there are none.
func decodeWithExtra(data []byte, v any, known map[string]struct{}) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, val := range raw {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = map[string]json.RawMessage{}
		}
		extra[k] = val
	}
	return extra, nil
}

// encodeWithExtra marshals v and adds the extra keys v does not set itself.
func encodeWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return b, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, ok := m[k]; !ok {
			m[k] = val
		}
	}
	return json.Marshal(m)
}

// Default returns a fresh config for shop.
func Default(shop string) Config {
	return Config{
		ShopDomain:           shop,
		Mode:                 schedule.ModeLive,
		Timezone:             DefaultTimezone,
		RobotEnabled:         true,
		Schedules:            []schedule.Profile{schedule.Default()},
		DailyLimit:           DailyLimit{Enabled: true, MaxPerDay: DefaultMaxPerDay},
		TopicGen:             TopicGen{Enabled: true, MinTopics: DefaultMinTopics, BatchSize: DefaultBatchSize},
		ExcludedTopics:       []string{},
		ContentIntentDefault: topics.Informational,
		BusinessContext:      BusinessContext{Status: SetupUninitialized},
		Billing:              Billing{Status: BillingInactive},
		PostingBlocked:       true,
		Book:                 topics.Book{Topics: []topics.Topic{}, Archived: []topics.ArchiveEntry{}},
	}
}

// Decode parses a stored document for shop and normalizes it. changed
// reports whether normalization altered the document, so the caller can
// persist the migrated form once.
func Decode(shop string, data []byte) (cfg Config, changed bool, err error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, false, err
	}

	cfg = Default(shop)
	type plain Config
	p := plain(cfg)
	if err := json.Unmarshal(data, &p); err != nil {
		return Config{}, false, err
	}
	cfg = Config(p)

	for k, v := range raw {
		if _, ok := knownKeys[k]; !ok {
			if cfg.Extra == nil {
				cfg.Extra = map[string]json.RawMessage{}
			}
			cfg.Extra[k] = v
		}
	}

	if _, ok := raw["schedules"]; !ok {
		cfg.Schedules = nil
	}
	if legacy, ok := raw["schedule"]; ok && len(cfg.Schedules) == 0 {
		if p, ok := migrateLegacy(legacy); ok {
			if p.Mode == "" {
				p.Mode = cfg.Mode
			}
			cfg.Schedules = []schedule.Profile{p}
		}
	}
	if !topicGenEnabledSet(raw["topicGen"]) {
		cfg.TopicGen.Enabled = cfg.BusinessContext.Status == SetupInitialized
	}
	if cfg.ShopDomain == "" {
		cfg.ShopDomain = shop
	}

	cfg.Normalize()

	out, err := json.Marshal(cfg)
	if err != nil {
		return Config{}, false, err
	}
	return cfg, !sameJSON(data, out), nil
}

func migrateLegacy(b json.RawMessage) (schedule.Profile, bool) {
	var l legacySchedule
	if err := json.Unmarshal(b, &l); err != nil {
		return schedule.Profile{}, false
	}
	times := l.Times
	if len(times) == 0 {
		times = l.Time
	}
	doc, err := json.Marshal(map[string]any{
		"enabled":    true,
		"daysOfWeek": l.DaysOfWeek,
		"time":       times,
		"mode":       l.Mode,
	})
	if err != nil {
		return schedule.Profile{}, false
	}
	var p schedule.Profile
	if err := json.Unmarshal(doc, &p); err != nil {
		return schedule.Profile{}, false
	}
	return p, true
}

func topicGenEnabledSet(b json.RawMessage) bool {
	if len(b) == 0 {
		return false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return false
	}
	_, ok := m["enabled"]
	return ok
}

func sameJSON(a, b []byte) bool {
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(x, y)
}

// Normalize applies the load-time rules to an in-memory config.
func (c *Config) Normalize() {
	c.Mode = schedule.NormalizeMode(c.Mode)
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = DefaultTimezone
	}

	profiles := make([]schedule.Profile, 0, len(c.Schedules))
	for _, p := range c.Schedules {
		profiles = append(profiles, p.Normalize())
	}
	if len(profiles) == 0 {
		profiles = append(profiles, schedule.Profile{
			Enabled:    true,
			DaysOfWeek: []string{},
			Times:      []string{},
			Mode:       c.Mode,
		})
	}
	c.Schedules = profiles

	if c.DailyLimit.MaxPerDay < 1 {
		c.DailyLimit.MaxPerDay = DefaultMaxPerDay
	}
	if c.DailyUsage.Count < 0 {
		c.DailyUsage.Count = 0
	}
	if c.TopicGen.MinTopics < 0 {
		c.TopicGen.MinTopics = DefaultMinTopics
	}
	if c.TopicGen.BatchSize < 1 {
		c.TopicGen.BatchSize = DefaultBatchSize
	}

	switch c.Billing.Status {
	case BillingActive, BillingTrial, BillingInactive:
	default:
		c.Billing.Status = BillingInactive
	}
	if c.BusinessContext.Status != SetupInitialized {
		c.BusinessContext.Status = SetupUninitialized
	}
	c.PostingBlocked = c.BusinessContext.Status != SetupInitialized
	c.ContentIntentDefault = topics.NormalizeIntent(c.ContentIntentDefault)

	if c.ExcludedTopics == nil {
		c.ExcludedTopics = []string{}
	}
	c.Book.Normalize(c.BusinessContext.BusinessName)
	if c.Topics == nil {
		c.Topics = []topics.Topic{}
	}
	if c.Archived == nil {
		c.Archived = []topics.ArchiveEntry{}
	}
}

// MarshalJSON writes the modeled fields plus any Extra fields.
func (c Config) MarshalJSON() ([]byte, error) {
	type plain Config
	return encodeWithExtra(plain(c), c.Extra)
}

// Reset returns the defaults for the same tenant. Identity, timezone, the
// billing plan and unmodeled fields survive; setup, billing state and
// storefront connection do not.
func (c Config) Reset() Config {
	out := Default(c.ShopDomain)
	if strings.TrimSpace(c.Timezone) != "" {
		out.Timezone = c.Timezone
	}
	if plan, ok := c.Billing.Extra["plan"]; ok {
		out.Billing.Extra = map[string]json.RawMessage{"plan": plan}
	}
	for k, v := range c.Extra {
		if k == "shopify" || k == "shopifyOAuth" {
			continue
		}
		if out.Extra == nil {
			out.Extra = map[string]json.RawMessage{}
		}
		out.Extra[k] = v
	}
	out.Normalize()
	return out
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	b, err := json.Marshal(c)
	if err != nil {
		return c
	}
	out, _, err := Decode(c.ShopDomain, b)
	if err != nil {
		return c
	}
	return out
}
