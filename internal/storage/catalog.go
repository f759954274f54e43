package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

var (
	providerColumns = []string{"p.id", "p.name", "p.kind", "p.base_url", "p.is_default", "p.created_at"}
	modelColumns    = []string{
		"m.id", "m.provider_id", "m.name", "m.display_name", "m.endpoint",
		"m.min_temperature", "m.max_temperature", "m.default_temperature",
		"m.can_reason", "m.can_access_web", "m.supports_files", "m.is_active", "m.is_default",
		"m.additional_settings", "m.created_at",
	}
)

func scanProvider(row rowScanner) (Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.Name, &p.Kind, &p.BaseURL, &p.IsDefault, &p.CreatedAt)
	return p, err
}

func modelDest(m *Model, settings *string) []any {
	return []any{
		&m.ID, &m.ProviderID, &m.Name, &m.DisplayName, &m.Endpoint,
		&m.MinTemperature, &m.MaxTemperature, &m.DefaultTemperature,
		&m.CanReason, &m.CanAccessWeb, &m.SupportsFiles, &m.IsActive, &m.IsDefault,
		settings, &m.CreatedAt,
	}
}

func decodeSettings(raw string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func encodeSettings(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal additional settings: %w", err)
	}
	return string(b), nil
}

func (s *Store) UpsertProvider(ctx context.Context, p Provider) (int64, error) {
	q := s.sql.Insert("ai_providers").
		Columns("name", "kind", "base_url").
		Values(p.Name, p.Kind, p.BaseURL).
		Suffix("ON CONFLICT(name) DO UPDATE SET kind=excluded.kind, base_url=excluded.base_url RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build provider upsert query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert provider: %w", err)
	}
	return id, nil
}

// SetDefaultProvider moves the default flag so exactly one provider carries it.
func (s *Store) SetDefaultProvider(ctx context.Context, providerID int64) error {
	return s.moveDefault(ctx, "ai_providers", sq.Eq{"is_default": true}, providerID)
}

// SetDefaultModel moves the default flag so at most one model carries it.
func (s *Store) SetDefaultModel(ctx context.Context, modelID int64) error {
	return s.moveDefault(ctx, "ai_models", sq.Eq{"is_default": true}, modelID)
}

func (s *Store) moveDefault(ctx context.Context, table string, current sq.Sqlizer, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	clearStr, clearArgs, err := s.sql.Update(table).Set("is_default", false).Where(current).ToSql()
	if err != nil {
		return fmt.Errorf("build clear default query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, clearStr, clearArgs...); err != nil {
		return fmt.Errorf("clear default on %s: %w", table, err)
	}

	setStr, setArgs, err := s.sql.Update(table).Set("is_default", true).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build set default query: %w", err)
	}
	res, err := tx.ExecContext(ctx, setStr, setArgs...)
	if err != nil {
		return fmt.Errorf("set default on %s: %w", table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) GetDefaultProvider(ctx context.Context) (Provider, error) {
	return s.getProvider(ctx, sq.Eq{"p.is_default": true})
}

func (s *Store) GetProviderByID(ctx context.Context, id int64) (Provider, error) {
	return s.getProvider(ctx, sq.Eq{"p.id": id})
}

func (s *Store) GetProviderByName(ctx context.Context, name string) (Provider, error) {
	return s.getProvider(ctx, sq.Eq{"p.name": strings.ToLower(strings.TrimSpace(name))})
}

func (s *Store) getProvider(ctx context.Context, where sq.Sqlizer) (Provider, error) {
	sqlStr, args, err := s.sql.Select(providerColumns...).From("ai_providers p").Where(where).Limit(1).ToSql()
	if err != nil {
		return Provider{}, fmt.Errorf("build provider query: %w", err)
	}
	p, err := scanProvider(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, ErrNotFound
		}
		return Provider{}, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

func (s *Store) ListProviders(ctx context.Context) ([]Provider, error) {
	sqlStr, args, err := s.sql.Select(providerColumns...).From("ai_providers p").OrderBy("p.id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	out := make([]Provider, 0)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertModel(ctx context.Context, m Model) (int64, error) {
	if m.MinTemperature > m.DefaultTemperature || m.DefaultTemperature > m.MaxTemperature {
		return 0, fmt.Errorf("model %q: temperatures must satisfy min <= default <= max", m.Name)
	}
	settings, err := encodeSettings(m.AdditionalSettings)
	if err != nil {
		return 0, err
	}
	q := s.sql.Insert("ai_models").
		Columns("provider_id", "name", "display_name", "endpoint",
			"min_temperature", "max_temperature", "default_temperature",
			"can_reason", "can_access_web", "supports_files", "is_active", "additional_settings").
		Values(m.ProviderID, m.Name, m.DisplayName, m.Endpoint,
			m.MinTemperature, m.MaxTemperature, m.DefaultTemperature,
			m.CanReason, m.CanAccessWeb, m.SupportsFiles, m.IsActive, settings).
		Suffix(`ON CONFLICT(provider_id, name) DO UPDATE SET display_name=excluded.display_name, endpoint=excluded.endpoint,
min_temperature=excluded.min_temperature, max_temperature=excluded.max_temperature, default_temperature=excluded.default_temperature,
can_reason=excluded.can_reason, can_access_web=excluded.can_access_web, supports_files=excluded.supports_files,
is_active=excluded.is_active, additional_settings=excluded.additional_settings RETURNING id`)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build model upsert query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert model: %w", err)
	}
	return id, nil
}

// FindModel looks a model up within one provider regardless of its active flag.
func (s *Store) FindModel(ctx context.Context, providerID int64, name string) (Model, error) {
	mp, err := s.getModel(ctx, sq.Eq{"m.provider_id": providerID, "m.name": name}, "m.id ASC")
	return mp.Model, err
}

// FindModelByName looks a model up across providers, preferring active rows.
func (s *Store) FindModelByName(ctx context.Context, name string) (ModelWithProvider, error) {
	return s.getModel(ctx, sq.Eq{"m.name": name}, "m.is_active DESC, m.id ASC")
}

// DefaultModelForProvider returns the provider's default active model, or
// its first active model when none is flagged.
func (s *Store) DefaultModelForProvider(ctx context.Context, providerID int64) (Model, error) {
	mp, err := s.getModel(ctx, sq.Eq{"m.provider_id": providerID, "m.is_active": true}, "m.is_default DESC, m.id ASC")
	return mp.Model, err
}

// DefaultModel returns the global default active model.
func (s *Store) DefaultModel(ctx context.Context) (ModelWithProvider, error) {
	return s.getModel(ctx, sq.Eq{"m.is_default": true, "m.is_active": true}, "m.id ASC")
}

func (s *Store) getModel(ctx context.Context, where sq.Sqlizer, orderBy string) (ModelWithProvider, error) {
	sqlStr, args, err := s.sql.Select(append(append([]string{}, modelColumns...), providerColumns...)...).
		From("ai_models m").
		Join("ai_providers p ON p.id = m.provider_id").
		Where(where).
		OrderBy(orderBy).
		Limit(1).
		ToSql()
	if err != nil {
		return ModelWithProvider{}, fmt.Errorf("build model query: %w", err)
	}

	var out ModelWithProvider
	var settings string
	dest := append(modelDest(&out.Model, &settings),
		&out.Provider.ID, &out.Provider.Name, &out.Provider.Kind, &out.Provider.BaseURL, &out.Provider.IsDefault, &out.Provider.CreatedAt)
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ModelWithProvider{}, ErrNotFound
		}
		return ModelWithProvider{}, fmt.Errorf("get model: %w", err)
	}
	out.AdditionalSettings = decodeSettings(settings)
	return out, nil
}

func (s *Store) ListActiveModels(ctx context.Context) ([]ModelWithProvider, error) {
	sqlStr, args, err := s.sql.Select(append(append([]string{}, modelColumns...), providerColumns...)...).
		From("ai_models m").
		Join("ai_providers p ON p.id = m.provider_id").
		Where(sq.Eq{"m.is_active": true}).
		OrderBy("p.id ASC", "m.id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list models query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	out := make([]ModelWithProvider, 0)
	for rows.Next() {
		var mp ModelWithProvider
		var settings string
		dest := append(modelDest(&mp.Model, &settings),
			&mp.Provider.ID, &mp.Provider.Name, &mp.Provider.Kind, &mp.Provider.BaseURL, &mp.Provider.IsDefault, &mp.Provider.CreatedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		mp.AdditionalSettings = decodeSettings(settings)
		out = append(out, mp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model rows: %w", err)
	}
	return out, nil
}

// PutAPIKey deactivates the current key for the provider type and stores a new
// active one, keeping earlier rows for audit.
func (s *Store) PutAPIKey(ctx context.Context, providerType, encKey string) error {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	offStr, offArgs, err := s.sql.Update("api_keys").
		Set("is_active", false).
		Where(sq.Eq{"provider_type": providerType, "is_active": true}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build deactivate api key query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, offStr, offArgs...); err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}

	insStr, insArgs, err := s.sql.Insert("api_keys").
		Columns("provider_type", "enc_key", "is_active").
		Values(providerType, encKey, true).
		ToSql()
	if err != nil {
		return fmt.Errorf("build api key insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insStr, insArgs...); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ActiveSealedKey(ctx context.Context, providerType string) (string, error) {
	sqlStr, args, err := s.sql.Select("enc_key").
		From("api_keys").
		Where(sq.Eq{"provider_type": providerType, "is_active": true}).
		Limit(1).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build active api key query: %w", err)
	}
	var enc string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&enc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get active api key: %w", err)
	}
	return enc, nil
}

func (s *Store) HasActiveAPIKey(ctx context.Context, providerType string) (bool, error) {
	_, err := s.ActiveSealedKey(ctx, providerType)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
