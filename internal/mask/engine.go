// Package mask applies role-conditioned redaction to records. Masking always
// runs against the canonical unmasked record, never against already-masked
// output, which makes it idempotent by construction.
package mask

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fleetops/authgate/internal/registry"
)

// RedactedSentinel replaces values hidden by the full-hide strategy.
const RedactedSentinel = "[REDACTED]"

// Engine transforms records per the viewer's roles using the registry's
// field mask rules.
type Engine struct {
	store  *registry.Store
	logger *slog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(store *registry.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// MaskRecord returns a masked copy of record for a viewer holding
// principalRoles. The input record is never mutated.
func (e *Engine) MaskRecord(ctx context.Context, record map[string]any, resourceType string, principalRoles []string) (map[string]any, error) {
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	rules := snap.MaskRules(resourceType)
	masked := make(map[string]any, len(record))
	for key, value := range record {
		masked[key] = value
	}
	for _, rule := range rules {
		if rule.AllowsAny(principalRoles) {
			continue
		}
		value, present := masked[rule.FieldName]
		if !present {
			continue
		}
		switch rule.Strategy {
		case registry.MaskRemove:
			delete(masked, rule.FieldName)
		case registry.MaskFullHide:
			masked[rule.FieldName] = RedactedSentinel
		case registry.MaskPartial:
			masked[rule.FieldName] = rule.Pattern.Apply(stringify(value))
		}
	}
	return masked, nil
}

// MaskRecords masks a result set. Sorting and filtering on masked fields must
// already have happened server-side over the true values; use SortKey for
// that, then call MaskRecords last.
func (e *Engine) MaskRecords(ctx context.Context, records []map[string]any, resourceType string, principalRoles []string) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(records))
	for _, record := range records {
		masked, err := e.MaskRecord(ctx, record, resourceType, principalRoles)
		if err != nil {
			return nil, err
		}
		out = append(out, masked)
	}
	return out, nil
}

// SortKey exposes the true value of a field for server-side ordering before
// masking, so masked output cannot leak order as a side channel.
func SortKey(record map[string]any, field string) string {
	return stringify(record[field])
}

func stringify(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case fmt.Stringer:
		return value.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}
