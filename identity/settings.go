package identity

import (
	"context"
	"fmt"

	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/model"
)

// settingField binds a client-facing settings key to a users column.
type settingField struct {
	key    string
	column string
	get    func(*model.User) bool
}

var settingsSections = map[string][]settingField{
	"privacy": {
		{"lastSeenVisible", "last_seen_visible", func(u *model.User) bool { return u.LastSeenVisible }},
		{"visibleNearby", "is_visible_nearby", func(u *model.User) bool { return u.IsVisibleNearby }},
	},
	"notifications": {
		{"notifications", "notifications", func(u *model.User) bool { return u.Notifications }},
	},
	"appearance": {
		{"darkMode", "dark_mode", func(u *model.User) bool { return u.DarkMode }},
	},
}

func section(name string) ([]settingField, error) {
	fields, ok := settingsSections[name]
	if !ok {
		return nil, apperr.Validation("Unknown settings section %q", name)
	}
	return fields, nil
}

// Settings returns one settings section of the user.
func (s *Service) Settings(ctx context.Context, userID int64, name string) (map[string]bool, error) {
	fields, err := section(name)
	if err != nil {
		return nil, err
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f.key] = f.get(user)
	}
	return out, nil
}

// UpdateSettings writes the provided keys of a section. Values must be
// booleans; keys that do not belong to the section are rejected.
func (s *Service) UpdateSettings(ctx context.Context, userID int64, name string, values map[string]interface{}) (map[string]bool, error) {
	fields, err := section(name)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]settingField, len(fields))
	for _, f := range fields {
		byKey[f.key] = f
	}

	changes := make(map[string]interface{}, len(values))
	for k, v := range values {
		f, ok := byKey[k]
		if !ok {
			return nil, apperr.Validation("Unknown setting %q in section %q", k, name)
		}
		b, ok := v.(bool)
		if !ok {
			return nil, apperr.Validation("Setting %q must be a boolean", k)
		}
		changes[f.column] = b
	}
	if len(changes) > 0 {
		res := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Updates(changes)
		if res.Error != nil {
			return nil, fmt.Errorf("update settings: %w", res.Error)
		}
	}
	return s.Settings(ctx, userID, name)
}
