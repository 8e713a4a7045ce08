package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// PricingPolicy controls whether the kernel looks up prices itself or
// trusts caller-supplied prices on incoming line items.
type PricingPolicy string

const (
	PricingInternal PricingPolicy = "internal"
	PricingExternal PricingPolicy = "external"
)

// EditPolicy controls whether a channel's sessions may be mutated after
// creation.
type EditPolicy string

const (
	EditOpen   EditPolicy = "open"
	EditLocked EditPolicy = "locked"
)

// ChannelConfig is the opaque structured bag attached to a Channel. It is
// stored as JSON and holds everything a given sales origin customizes:
// which checks gate commit, which directive topics they map to, and the
// order-flow transition graph override.
type ChannelConfig struct {
	RequiredChecksOnCommit []string          `json:"required_checks_on_commit"`
	CheckDirectiveTopics   map[string]string `json:"check_directive_topics"`
	PostCommitDirectives   []string          `json:"post_commit_directives"`
	OrderFlow              *OrderFlowConfig  `json:"order_flow,omitempty"`
}

// OrderFlowConfig overrides the default order state machine transition
// graph and terminal set for a single channel. A nil OrderFlow on a
// Channel means "use the kernel default."
type OrderFlowConfig struct {
	Transitions      map[OrderStatus][]OrderStatus `json:"transitions"`
	TerminalStatuses []OrderStatus                 `json:"terminal_statuses"`
}

// Value implements driver.Valuer so sqlx can write Config straight to a
// jsonb column.
func (c ChannelConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner so sqlx can read a jsonb column straight
// into Config.
func (c *ChannelConfig) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = ChannelConfig{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("domain: cannot scan %T into ChannelConfig", src)
	}
	if len(raw) == 0 {
		*c = ChannelConfig{}
		return nil
	}
	return json.Unmarshal(raw, c)
}

// DirectiveTopicFor returns the directive topic configured for a check
// code, defaulting to "<check>.hold" when unconfigured.
func (c ChannelConfig) DirectiveTopicFor(checkCode string) string {
	if c.CheckDirectiveTopics != nil {
		if topic, ok := c.CheckDirectiveTopics[checkCode]; ok && topic != "" {
			return topic
		}
	}
	return checkCode + ".hold"
}

// Channel is a sales origin: point of sale, web storefront, or an
// external marketplace integration. Channels own their Sessions and
// Orders; a Channel with either still live cannot be deleted.
type Channel struct {
	ID            string        `json:"id" db:"id"`
	Code          string        `json:"code" db:"code"`
	Name          string        `json:"name" db:"name"`
	DisplayOrder  int           `json:"display_order" db:"display_order"`
	IsActive      bool          `json:"is_active" db:"is_active"`
	PricingPolicy PricingPolicy `json:"pricing_policy" db:"pricing_policy"`
	EditPolicy    EditPolicy    `json:"edit_policy" db:"edit_policy"`
	Config        ChannelConfig `json:"config" db:"config"`
}
