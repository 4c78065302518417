package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SkillRepo persists the Installed Skill entity.
type SkillRepo struct{ s *Store }

// InstallWithPriority assigns a fresh ID and, for user-invocable skills,
// computes a unique command_name by appending a numeric suffix on
// collision against existing enabled rows.
func (r *SkillRepo) InstallWithPriority(ctx context.Context, sk *Skill, priority SkillPriority, userScope string) (*Skill, error) {
	sk.ID = uuid.NewString()
	sk.Priority = priority
	sk.UserScope = userScope
	now := time.Now().UTC()
	sk.CreatedAt, sk.UpdatedAt = now, now

	if sk.UserInvocable {
		name, err := r.uniqueCommandName(ctx, sk.CommandName, userScope)
		if err != nil {
			return nil, err
		}
		sk.CommandName = name
	}

	if err := r.insert(ctx, sk); err != nil {
		return nil, err
	}
	return sk, nil
}

func (r *SkillRepo) uniqueCommandName(ctx context.Context, base, userScope string) (string, error) {
	if base == "" {
		return "", nil
	}
	candidate := base
	for n := 1; ; n++ {
		exists, err := r.commandNameExists(ctx, candidate, userScope)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, n)
	}
}

func (r *SkillRepo) commandNameExists(ctx context.Context, name, userScope string) (bool, error) {
	q := r.s.rebind(`SELECT 1 FROM skills WHERE command_name = ? AND enabled = 1 AND (user_scope = ? OR user_scope IS NULL) LIMIT 1`)
	var one int
	err := r.s.DB.QueryRowContext(ctx, q, name, nullableStr(userScope)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapDBErr("checking command_name collision", err)
	}
	return true, nil
}

func (r *SkillRepo) insert(ctx context.Context, sk *Skill) error {
	q := r.s.rebind(`INSERT INTO skills
		(id, name, description, version, author, tags, permissions, body, source_origin,
		 enabled, priority, always_include, user_invocable, disable_model_invocation,
		 command_name, emoji, requires_env, requires_bins, requires_any_bins, os_tags,
		 primary_env, command_dispatch, command_tool, install_spec, requires_config,
		 user_scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.s.DB.ExecContext(ctx, q,
		sk.ID, sk.Name, sk.Description, sk.Version, sk.Author,
		strings.Join(sk.Tags, ","), strings.Join(sk.Permissions, ","), sk.Body, string(sk.SourceOrigin),
		boolInt(sk.Enabled), string(sk.Priority), boolInt(sk.AlwaysInclude), boolInt(sk.UserInvocable), boolInt(sk.DisableModelInvocation),
		nullableStr(sk.CommandName), sk.Emoji, strings.Join(sk.RequiresEnv, ","), strings.Join(sk.RequiresBins, ","), strings.Join(sk.RequiresAnyBins, ","), strings.Join(sk.OSTags, ","),
		sk.PrimaryEnv, sk.CommandDispatch, sk.CommandTool, sk.InstallSpec, strings.Join(sk.RequiresConfig, ","),
		nullableStr(sk.UserScope), sk.CreatedAt, sk.UpdatedAt,
	)
	return wrapDBErr("inserting skill", err)
}

// UpsertBundled installs or updates a skill shipped with the binary: if a
// bundled row with the same name already exists, its content is replaced
// but the user-toggled enabled/priority fields are preserved.
func (r *SkillRepo) UpsertBundled(ctx context.Context, sk *Skill, priority SkillPriority) (*Skill, error) {
	existing, err := r.getByNameOrigin(ctx, sk.Name, OriginBundled)
	if err != nil && err != sql.ErrNoRows {
		return nil, wrapDBErr("looking up bundled skill", err)
	}
	if err == sql.ErrNoRows {
		sk.SourceOrigin = OriginBundled
		sk.Enabled = true
		return r.InstallWithPriority(ctx, sk, priority, "")
	}

	sk.ID = existing.ID
	sk.Enabled = existing.Enabled
	sk.Priority = existing.Priority
	sk.CommandName = existing.CommandName
	sk.SourceOrigin = OriginBundled
	sk.CreatedAt = existing.CreatedAt
	sk.UpdatedAt = time.Now().UTC()

	q := r.s.rebind(`UPDATE skills SET description = ?, version = ?, author = ?, tags = ?, permissions = ?,
		body = ?, always_include = ?, user_invocable = ?, disable_model_invocation = ?, emoji = ?,
		requires_env = ?, requires_bins = ?, requires_any_bins = ?, os_tags = ?, primary_env = ?,
		command_dispatch = ?, command_tool = ?, install_spec = ?, requires_config = ?, updated_at = ?
		WHERE id = ?`)
	_, err = r.s.DB.ExecContext(ctx, q,
		sk.Description, sk.Version, sk.Author, strings.Join(sk.Tags, ","), strings.Join(sk.Permissions, ","),
		sk.Body, boolInt(sk.AlwaysInclude), boolInt(sk.UserInvocable), boolInt(sk.DisableModelInvocation), sk.Emoji,
		strings.Join(sk.RequiresEnv, ","), strings.Join(sk.RequiresBins, ","), strings.Join(sk.RequiresAnyBins, ","), strings.Join(sk.OSTags, ","), sk.PrimaryEnv,
		sk.CommandDispatch, sk.CommandTool, sk.InstallSpec, strings.Join(sk.RequiresConfig, ","), sk.UpdatedAt,
		sk.ID,
	)
	if err != nil {
		return nil, wrapDBErr("updating bundled skill", err)
	}
	return sk, nil
}

func (r *SkillRepo) getByNameOrigin(ctx context.Context, name string, origin SkillOrigin) (*Skill, error) {
	q := r.s.rebind(`SELECT ` + skillColumns + ` FROM skills WHERE name = ? AND source_origin = ?`)
	row := r.s.DB.QueryRowContext(ctx, q, name, string(origin))
	return scanSkillRow(row)
}

// ListEnabledForUser returns shared (no user_scope) skills plus any scoped
// to userID, all enabled.
func (r *SkillRepo) ListEnabledForUser(ctx context.Context, userID string) ([]Skill, error) {
	q := r.s.rebind(`SELECT ` + skillColumns + ` FROM skills
		WHERE enabled = 1 AND (user_scope IS NULL OR user_scope = ?)
		ORDER BY priority DESC, name ASC`)
	rows, err := r.s.DB.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, wrapDBErr("listing enabled skills", err)
	}
	defer rows.Close()

	var out []Skill
	for rows.Next() {
		sk, err := scanSkillRows(rows)
		if err != nil {
			return nil, wrapDBErr("scanning skill", err)
		}
		out = append(out, *sk)
	}
	return out, wrapDBErr("iterating skills", rows.Err())
}

// GetByCommandName resolves a slash command to its skill, scoped to user
// first then shared.
func (r *SkillRepo) GetByCommandName(ctx context.Context, cmd, userID string) (*Skill, error) {
	q := r.s.rebind(`SELECT ` + skillColumns + ` FROM skills
		WHERE command_name = ? AND enabled = 1 AND (user_scope = ? OR user_scope IS NULL)
		ORDER BY user_scope DESC LIMIT 1`)
	row := r.s.DB.QueryRowContext(ctx, q, cmd, nullableStr(userID))
	sk, err := scanSkillRow(row)
	if err != nil {
		return nil, wrapDBErr("resolving command_name", err)
	}
	return sk, nil
}

// SetEnabled toggles a skill's enabled flag (a user preference preserved
// across UpsertBundled refreshes).
func (r *SkillRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	q := r.s.rebind(`UPDATE skills SET enabled = ?, updated_at = ? WHERE id = ?`)
	_, err := r.s.DB.ExecContext(ctx, q, boolInt(enabled), time.Now().UTC(), id)
	return wrapDBErr("setting skill enabled", err)
}

const skillColumns = `id, name, COALESCE(description, ''), COALESCE(version, ''), COALESCE(author, ''),
	tags, permissions, body, source_origin, enabled, priority, always_include, user_invocable,
	disable_model_invocation, COALESCE(command_name, ''), COALESCE(emoji, ''), requires_env, requires_bins,
	requires_any_bins, os_tags, COALESCE(primary_env, ''), COALESCE(command_dispatch, ''), COALESCE(command_tool, ''),
	COALESCE(install_spec, ''), requires_config, COALESCE(user_scope, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSkillRow(row rowScanner) (*Skill, error) {
	return scanSkill(row)
}

func scanSkillRows(rows *sql.Rows) (*Skill, error) {
	return scanSkill(rows)
}

func scanSkill(row rowScanner) (*Skill, error) {
	var sk Skill
	var tags, permissions, requiresEnv, requiresBins, requiresAnyBins, osTags, requiresConfig string
	var origin, priority string
	var enabled, always, invocable, disableModel int
	if err := row.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Version, &sk.Author,
		&tags, &permissions, &sk.Body, &origin, &enabled, &priority, &always, &invocable,
		&disableModel, &sk.CommandName, &sk.Emoji, &requiresEnv, &requiresBins,
		&requiresAnyBins, &osTags, &sk.PrimaryEnv, &sk.CommandDispatch, &sk.CommandTool,
		&sk.InstallSpec, &requiresConfig, &sk.UserScope, &sk.CreatedAt, &sk.UpdatedAt); err != nil {
		return nil, err
	}
	sk.SourceOrigin = SkillOrigin(origin)
	sk.Priority = SkillPriority(priority)
	sk.Enabled = enabled != 0
	sk.AlwaysInclude = always != 0
	sk.UserInvocable = invocable != 0
	sk.DisableModelInvocation = disableModel != 0
	sk.Tags = splitNonEmpty(tags)
	sk.Permissions = splitNonEmpty(permissions)
	sk.RequiresEnv = splitNonEmpty(requiresEnv)
	sk.RequiresBins = splitNonEmpty(requiresBins)
	sk.RequiresAnyBins = splitNonEmpty(requiresAnyBins)
	sk.OSTags = splitNonEmpty(osTags)
	sk.RequiresConfig = splitNonEmpty(requiresConfig)
	return &sk, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
