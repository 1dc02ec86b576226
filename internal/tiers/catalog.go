// Package tiers provides the tier catalog: the authoritative, immutable
// description of what each subscription tier grants per perk type and how
// much unused balance may roll over between periods.
package tiers

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"perkledger/internal/types"
)

// Catalog is the single source of truth for tier grant tables.
// It is loaded once before first use and treated as immutable for the
// process lifetime.
type Catalog interface {
	// PerksFor returns the grant table for the given tier.
	// Returns ErrCodeTierUnknown if the tier is not configured.
	PerksFor(tier types.TierID) (types.TierDefinition, error)

	// Tiers returns the configured tier identifiers, for display surfaces
	// and validation. Order is unspecified.
	Tiers() []types.TierID
}

// staticCatalog is a compile-time catalog backed by an in-memory map.
// It implements Catalog and is the standard implementation for production use.
type staticCatalog struct {
	defs map[types.TierID]types.TierDefinition
}

// catalogDefaults defines the built-in tier grant tables:
//
//	| Tier   | Perk        | Allotment | Rollover Cap |
//	|--------|-------------|-----------|--------------|
//	| Bronze | api_credits | 100       | 0 (none)     |
//	| Silver | api_credits | 250       | 0 (none)     |
//	|        | storage_gb  | 10        | 0 (none)     |
//	| Gold   | api_credits | 400       | 400          |
//	|        | storage_gb  | 100       | 50           |
//	|        | guest_passes| 4         | unbounded    |
//
// A zero rollover cap means unused balance is forfeited at refresh; an
// unbounded cap carries the full unused balance forward.
var catalogDefaults = map[types.TierID]types.TierDefinition{
	types.TierBronze: {
		"api_credits": {Allotment: 100},
	},
	types.TierSilver: {
		"api_credits": {Allotment: 250},
		"storage_gb":  {Allotment: 10},
	},
	types.TierGold: {
		"api_credits":  {Allotment: 400, RolloverCap: 400},
		"storage_gb":   {Allotment: 100, RolloverCap: 50},
		"guest_passes": {Allotment: 4, UnboundedCap: true},
	},
}

// NewStaticCatalog returns a Catalog backed by the built-in tier grant
// tables. No database or external service is required.
func NewStaticCatalog() Catalog {
	return newCatalog(catalogDefaults)
}

// newCatalog deep-copies the definitions so callers cannot mutate catalog
// state through the source map.
func newCatalog(defs map[types.TierID]types.TierDefinition) *staticCatalog {
	m := make(map[types.TierID]types.TierDefinition, len(defs))
	for id, def := range defs {
		m[id] = def.Clone()
	}
	return &staticCatalog{defs: m}
}

// PerksFor returns the grant table for the given tier. The returned map is a
// copy; mutating it does not affect the catalog.
func (c *staticCatalog) PerksFor(tier types.TierID) (types.TierDefinition, error) {
	def, ok := c.defs[tier]
	if !ok {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeTierUnknown,
			fmt.Sprintf("tier %q is not configured", tier),
			nil,
			map[string]any{"tier": string(tier)},
		)
	}
	return def.Clone(), nil
}

// Tiers returns the configured tier identifiers.
func (c *staticCatalog) Tiers() []types.TierID {
	out := make([]types.TierID, 0, len(c.defs))
	for id := range c.defs {
		out = append(out, id)
	}
	return out
}

// --- JSON catalog loading ---

// unboundedSentinel is the JSON value accepted for a rollover cap with no
// limit.
const unboundedSentinel = "unbounded"

// grantDoc is the JSON wire form of a perk grant. The rollover cap is either
// a non-negative integer or the string "unbounded".
type grantDoc struct {
	Allotment   int             `json:"allotment" validate:"min=0"`
	RolloverCap json.RawMessage `json:"rollover_cap"`
}

// catalogDoc is the JSON wire form of the whole catalog:
//
//	{"gold": {"storage_gb": {"allotment": 100, "rollover_cap": 50},
//	          "guest_passes": {"allotment": 4, "rollover_cap": "unbounded"}}}
type catalogDoc map[string]map[string]grantDoc

// LoadCatalog parses and validates a JSON catalog document and returns an
// immutable Catalog. Validation failures return ErrCodeValidationCatalog:
// the configuration is rejected as a whole (fail fast, no partial catalog).
func LoadCatalog(data []byte) (Catalog, error) {
	var doc catalogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeValidationCatalog,
			"tier catalog is not valid JSON",
			err,
		)
	}
	if len(doc) == 0 {
		return nil, types.NewAppError(
			types.ErrCodeValidationCatalog,
			"tier catalog must declare at least one tier",
			nil,
		)
	}

	validate := validator.New()
	defs := make(map[types.TierID]types.TierDefinition, len(doc))

	for tierName, perks := range doc {
		if tierName == "" {
			return nil, types.NewAppError(
				types.ErrCodeValidationCatalog,
				"tier identifier must not be empty",
				nil,
			)
		}
		if len(perks) == 0 {
			return nil, types.NewAppError(
				types.ErrCodeValidationCatalog,
				fmt.Sprintf("tier %q declares no perks", tierName),
				nil,
			)
		}

		def := make(types.TierDefinition, len(perks))
		for perkName, g := range perks {
			if perkName == "" {
				return nil, types.NewAppError(
					types.ErrCodeValidationCatalog,
					fmt.Sprintf("tier %q contains an empty perk identifier", tierName),
					nil,
				)
			}
			if err := validate.Struct(g); err != nil {
				return nil, types.NewAppErrorWithDetails(
					types.ErrCodeValidationCatalog,
					fmt.Sprintf("invalid grant for tier %q perk %q", tierName, perkName),
					err,
					map[string]any{"tier": tierName, "perk": perkName},
				)
			}

			grant := types.PerkGrant{Allotment: g.Allotment}
			capValue, unbounded, err := parseCap(g.RolloverCap)
			if err != nil {
				return nil, types.NewAppErrorWithDetails(
					types.ErrCodeValidationCatalog,
					fmt.Sprintf("invalid rollover cap for tier %q perk %q", tierName, perkName),
					err,
					map[string]any{"tier": tierName, "perk": perkName},
				)
			}
			grant.RolloverCap = capValue
			grant.UnboundedCap = unbounded
			def[types.PerkType(perkName)] = grant
		}
		defs[types.TierID(tierName)] = def
	}

	return newCatalog(defs), nil
}

// parseCap interprets the rollover_cap field: absent means zero (no
// rollover), a non-negative integer is taken literally, and the string
// "unbounded" lifts the cap entirely.
func parseCap(raw json.RawMessage) (capValue int, unbounded bool, err error) {
	if len(raw) == 0 {
		return 0, false, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == unboundedSentinel {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("unrecognized cap value %q (want integer or %q)", s, unboundedSentinel)
	}

	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false, fmt.Errorf("cap must be a non-negative integer or %q: %w", unboundedSentinel, err)
	}
	if n < 0 {
		return 0, false, fmt.Errorf("cap must not be negative, got %d", n)
	}
	return n, false, nil
}
