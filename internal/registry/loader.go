package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Loader builds validated snapshots from a ConfigSource and publishes them to
// a Store. A load either succeeds in full or leaves the prior snapshot in
// place; readers never see a half-applied configuration.
type Loader struct {
	source   ConfigSource
	store    *Store
	validate *validator.Validate
	logger   *slog.Logger
}

// NewLoader constructs a Loader.
func NewLoader(source ConfigSource, store *Store, logger *slog.Logger) *Loader {
	return &Loader{
		source:   source,
		store:    store,
		validate: validator.New(),
		logger:   logger,
	}
}

// consistentSource is implemented by sources that can pin all reads of one
// load to a single transaction.
type consistentSource interface {
	WithConsistentRead(ctx context.Context, fn func(source ConfigSource) error) error
}

// Load reads, validates, and publishes a fresh snapshot. Returns the
// published version.
func (l *Loader) Load(ctx context.Context) (int64, error) {
	var data SnapshotData
	var err error
	if cs, ok := l.source.(consistentSource); ok {
		err = cs.WithConsistentRead(ctx, func(source ConfigSource) error {
			var buildErr error
			data, buildErr = l.build(ctx, source)
			return buildErr
		})
	} else {
		data, err = l.build(ctx, l.source)
	}
	if err != nil {
		return 0, err
	}
	version := l.store.Publish(data)
	l.logger.Info("registry snapshot published",
		slog.Int64("version", version),
		slog.Int("roles", len(data.Roles)),
		slog.Int("sod_rules", len(data.SoDRules)),
		slog.Int("mask_rules", len(data.MaskRules)))
	return version, nil
}

func (l *Loader) build(ctx context.Context, source ConfigSource) (SnapshotData, error) {
	roleRows, err := source.Roles(ctx)
	if err != nil {
		return SnapshotData{}, err
	}
	permRows, err := source.Permissions(ctx)
	if err != nil {
		return SnapshotData{}, err
	}
	sodRows, err := source.SoDRules(ctx)
	if err != nil {
		return SnapshotData{}, err
	}
	maskRows, err := source.MaskRules(ctx)
	if err != nil {
		return SnapshotData{}, err
	}
	ownerRows, err := source.OwnerFields(ctx)
	if err != nil {
		return SnapshotData{}, err
	}
	eligibilityRows, err := source.Eligibility(ctx)
	if err != nil {
		return SnapshotData{}, err
	}

	permsByRole := make(map[string][]Permission, len(roleRows))
	for _, row := range permRows {
		if err := l.validate.Struct(row); err != nil {
			return SnapshotData{}, fmt.Errorf("registry: permission row for role %q: %w", row.RoleName, err)
		}
		perm, err := ParsePermission(row.Permission)
		if err != nil {
			return SnapshotData{}, err
		}
		permsByRole[row.RoleName] = append(permsByRole[row.RoleName], perm)
	}

	roles := make([]Role, 0, len(roleRows))
	roleNames := make(map[string]struct{}, len(roleRows))
	for _, row := range roleRows {
		if err := l.validate.Struct(row); err != nil {
			return SnapshotData{}, fmt.Errorf("registry: role %q: %w", row.Name, err)
		}
		scope, ok := ParseScopeLevel(row.ScopeLevel)
		if !ok {
			return SnapshotData{}, fmt.Errorf("registry: role %q: unknown scope level %q", row.Name, row.ScopeLevel)
		}
		roles = append(roles, Role{
			Name:               row.Name,
			ScopeLevel:         scope,
			MFARequired:        row.MFARequired,
			MaxDatasetSize:     row.MaxDatasetSize,
			Permissions:        permsByRole[row.Name],
			AllowsJITElevation: row.AllowsJITElevation,
		})
		roleNames[row.Name] = struct{}{}
	}
	for roleName := range permsByRole {
		if _, ok := roleNames[roleName]; !ok {
			return SnapshotData{}, fmt.Errorf("registry: permission grant references unknown role %q", roleName)
		}
	}

	sodRules := make([]SoDRule, 0, len(sodRows))
	for _, row := range sodRows {
		if err := l.validate.Struct(row); err != nil {
			return SnapshotData{}, fmt.Errorf("registry: sod rule %q/%q: %w", row.RoleA, row.RoleB, err)
		}
		for _, name := range []string{row.RoleA, row.RoleB} {
			if _, ok := roleNames[name]; !ok {
				return SnapshotData{}, fmt.Errorf("registry: sod rule references unknown role %q", name)
			}
		}
		sodRules = append(sodRules, SoDRule{RoleA: row.RoleA, RoleB: row.RoleB})
	}

	maskRules := make([]FieldMaskRule, 0, len(maskRows))
	for _, row := range maskRows {
		if err := l.validate.Struct(row); err != nil {
			return SnapshotData{}, fmt.Errorf("registry: mask rule %s.%s: %w", row.ResourceType, row.FieldName, err)
		}
		rule := FieldMaskRule{
			ResourceType:   row.ResourceType,
			FieldName:      row.FieldName,
			Classification: row.Classification,
			AllowedRoles:   append([]string(nil), row.AllowedRoles...),
			Strategy:       MaskStrategy(row.Strategy),
		}
		if rule.Strategy == MaskPartial {
			pattern, err := ParseMaskPattern(row.Pattern)
			if err != nil {
				return SnapshotData{}, fmt.Errorf("registry: mask rule %s.%s: %w", row.ResourceType, row.FieldName, err)
			}
			rule.Pattern = pattern
		}
		maskRules = append(maskRules, rule)
	}

	owners := make(map[string]string, len(ownerRows))
	for _, row := range ownerRows {
		if err := l.validate.Struct(row); err != nil {
			return SnapshotData{}, fmt.Errorf("registry: owner field %q: %w", row.ResourceType, err)
		}
		owners[row.ResourceType] = row.OwnerField
	}

	eligibility := make(Eligibility)
	for _, row := range eligibilityRows {
		if err := l.validate.Struct(row); err != nil {
			return SnapshotData{}, fmt.Errorf("registry: eligibility row for role %q: %w", row.RoleName, err)
		}
		if _, ok := roleNames[row.RoleName]; !ok {
			return SnapshotData{}, fmt.Errorf("registry: eligibility references unknown role %q", row.RoleName)
		}
		set, ok := eligibility[row.RoleName]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			eligibility[row.RoleName] = set
		}
		set[row.PrincipalID] = struct{}{}
	}

	return SnapshotData{
		Roles:       roles,
		SoDRules:    sodRules,
		MaskRules:   maskRules,
		OwnerFields: owners,
		Eligibility: eligibility,
	}, nil
}
