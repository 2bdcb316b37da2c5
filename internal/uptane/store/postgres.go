package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// PostgresStore implements MetaStore against a PostgreSQL database: a thin
// wrapper
// around *sql.DB (here, *sqlx.DB for the In/Rebind helpers the
// report-queue batch delete uses) with one method per table operation.
type PostgresStore struct {
	db *sqlx.DB
}

// Open connects to dsn, verifies connectivity, and applies migrations.
func Open(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := ApplyMigrations(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an already-open database handle (used by tests
// that provide a go-sqlmock db), skipping migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) LatestRoot(ctx context.Context, repo model.Repo) (*RootRecord, error) {
	var rec RootRecord
	row := s.db.QueryRowContext(ctx, `
		SELECT repo, version, canonical, raw FROM uptane_roots
		WHERE repo = $1 ORDER BY version DESC LIMIT 1
	`, string(repo))
	var repoStr string
	if err := row.Scan(&repoStr, &rec.Version, &rec.Canonical, &rec.Raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: latest root: %w", err)
	}
	rec.Repo = model.Repo(repoStr)
	return &rec, nil
}

func (s *PostgresStore) PutRoot(ctx context.Context, rec RootRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uptane_roots (repo, version, canonical, raw)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (repo, version) DO UPDATE SET canonical = $3, raw = $4
	`, string(rec.Repo), rec.Version, rec.Canonical, rec.Raw)
	if err != nil {
		return fmt.Errorf("store: put root: %w", err)
	}
	return nil
}

func (s *PostgresStore) WipeNonRootMeta(ctx context.Context, repo model.Repo) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM uptane_roles WHERE repo = $1`, string(repo))
	if err != nil {
		return fmt.Errorf("store: wipe non-root meta: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestRole(ctx context.Context, repo model.Repo, role model.RoleKind) (*RoleRecord, error) {
	var rec RoleRecord
	var repoStr, roleStr string
	row := s.db.QueryRowContext(ctx, `
		SELECT repo, role, version, canonical, raw, updated_at FROM uptane_roles
		WHERE repo = $1 AND role = $2
	`, string(repo), string(role))
	if err := row.Scan(&repoStr, &roleStr, &rec.Version, &rec.Canonical, &rec.Raw, &rec.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: latest role: %w", err)
	}
	rec.Repo, rec.Role = model.Repo(repoStr), model.RoleKind(roleStr)
	return &rec, nil
}

func (s *PostgresStore) PutRole(ctx context.Context, rec RoleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uptane_roles (repo, role, version, canonical, raw, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (repo, role) DO UPDATE SET version = $3, canonical = $4, raw = $5, updated_at = now()
	`, string(rec.Repo), string(rec.Role), rec.Version, rec.Canonical, rec.Raw)
	if err != nil {
		return fmt.Errorf("store: put role: %w", err)
	}
	return nil
}

const pendingInstallKey = "pending_install"

func (s *PostgresStore) PendingInstall(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM uptane_agent_state WHERE key = $1`, pendingInstallKey).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: pending install: %w", err)
	}
	return value == "true", nil
}

func (s *PostgresStore) SetPendingInstall(ctx context.Context, pending bool) error {
	value := "false"
	if pending {
		value = "true"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uptane_agent_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2
	`, pendingInstallKey, value)
	if err != nil {
		return fmt.Errorf("store: set pending install: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetInstalledVersion(ctx context.Context, rec InstalledVersionRecord) error {
	hashes, err := json.Marshal(rec.Hashes)
	if err != nil {
		return fmt.Errorf("store: marshal hashes: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	switch rec.Mode {
	case model.ModeCurrent:
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM uptane_installed_versions WHERE ecu_serial = $1 AND mode = $2
		`, string(rec.EcuSerial), string(model.ModeCurrent)); err != nil {
			return fmt.Errorf("store: clear current: %w", err)
		}
		fallthrough
	case model.ModePending:
		if rec.Mode == model.ModePending {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM uptane_installed_versions WHERE ecu_serial = $1 AND mode = $2
			`, string(rec.EcuSerial), string(model.ModePending)); err != nil {
				return fmt.Errorf("store: clear pending: %w", err)
			}
		}
	case model.ModeNone:
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM uptane_installed_versions WHERE ecu_serial = $1 AND mode = $2
		`, string(rec.EcuSerial), string(model.ModePending)); err != nil {
			return fmt.Errorf("store: clear pending on failure: %w", err)
		}
	}

	if rec.Mode != model.ModeNone {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO uptane_installed_versions (ecu_serial, filename, hashes, length, mode, correlation_id, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
		`, string(rec.EcuSerial), rec.Filename, hashes, rec.Length, string(rec.Mode), nullIfEmpty(rec.CorrelationID)); err != nil {
			return fmt.Errorf("store: insert installed version: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) CurrentInstalledVersion(ctx context.Context, ecu model.EcuSerial) (*InstalledVersionRecord, error) {
	return s.installedVersionByMode(ctx, ecu, model.ModeCurrent)
}

func (s *PostgresStore) PendingInstalledVersion(ctx context.Context, ecu model.EcuSerial) (*InstalledVersionRecord, error) {
	return s.installedVersionByMode(ctx, ecu, model.ModePending)
}

func (s *PostgresStore) installedVersionByMode(ctx context.Context, ecu model.EcuSerial, mode model.InstalledVersionMode) (*InstalledVersionRecord, error) {
	var rec InstalledVersionRecord
	var ecuStr, modeStr, hashesRaw string
	var correlationID sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT ecu_serial, filename, hashes, length, mode, correlation_id, recorded_at
		FROM uptane_installed_versions
		WHERE ecu_serial = $1 AND mode = $2
		ORDER BY recorded_at DESC LIMIT 1
	`, string(ecu), string(mode))
	if err := row.Scan(&ecuStr, &rec.Filename, &hashesRaw, &rec.Length, &modeStr, &correlationID, &rec.RecordedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: installed version by mode: %w", err)
	}
	rec.EcuSerial = model.EcuSerial(ecuStr)
	rec.Mode = model.InstalledVersionMode(modeStr)
	rec.CorrelationID = correlationID.String
	if err := json.Unmarshal([]byte(hashesRaw), &rec.Hashes); err != nil {
		return nil, fmt.Errorf("store: unmarshal hashes: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListEcus(ctx context.Context) ([]EcuInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ecu_serial, hardware_id, is_primary FROM uptane_ecus`)
	if err != nil {
		return nil, fmt.Errorf("store: list ecus: %w", err)
	}
	defer rows.Close()

	var out []EcuInfo
	for rows.Next() {
		var serial, hw string
		var isPrimary bool
		if err := rows.Scan(&serial, &hw, &isPrimary); err != nil {
			return nil, fmt.Errorf("store: scan ecu: %w", err)
		}
		out = append(out, EcuInfo{EcuSerial: model.EcuSerial(serial), HardwareID: model.HardwareIdentifier(hw), IsPrimary: isPrimary})
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutEcu(ctx context.Context, info EcuInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uptane_ecus (ecu_serial, hardware_id, is_primary) VALUES ($1, $2, $3)
		ON CONFLICT (ecu_serial) DO UPDATE SET hardware_id = $2, is_primary = $3
	`, string(info.EcuSerial), string(info.HardwareID), info.IsPrimary)
	if err != nil {
		return fmt.Errorf("store: put ecu: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteEcu(ctx context.Context, serial model.EcuSerial) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM uptane_ecus WHERE ecu_serial = $1`, string(serial))
	if err != nil {
		return fmt.Errorf("store: delete ecu: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnqueueReport(ctx context.Context, payload []byte) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO uptane_report_queue (payload, enqueued_at) VALUES ($1, now()) RETURNING id
	`, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: enqueue report: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) PeekReports(ctx context.Context, limit int) ([]ReportEventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, enqueued_at FROM uptane_report_queue ORDER BY id ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: peek reports: %w", err)
	}
	defer rows.Close()

	var out []ReportEventRecord
	for rows.Next() {
		var rec ReportEventRecord
		if err := rows.Scan(&rec.ID, &rec.Payload, &rec.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("store: scan report: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteReports(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM uptane_report_queue WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("store: build delete-reports query: %w", err)
	}
	query = s.db.Rebind(query)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: delete reports: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountReports(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM uptane_report_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count reports: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) PutManifest(ctx context.Context, ecu model.EcuSerial, manifest []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uptane_manifests (ecu_serial, manifest, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (ecu_serial) DO UPDATE SET manifest = $2, updated_at = now()
	`, string(ecu), manifest)
	if err != nil {
		return fmt.Errorf("store: put manifest: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestManifest(ctx context.Context, ecu model.EcuSerial) ([]byte, error) {
	var manifest []byte
	err := s.db.QueryRowContext(ctx, `SELECT manifest FROM uptane_manifests WHERE ecu_serial = $1`, string(ecu)).Scan(&manifest)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest manifest: %w", err)
	}
	return manifest, nil
}

func (s *PostgresStore) PutEcuInstallationResult(ctx context.Context, correlationID string, ecu model.EcuSerial, result model.InstallationResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uptane_ecu_installation_results (correlation_id, ecu_serial, success, code, message, recorded_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (correlation_id, ecu_serial) DO UPDATE SET success = $3, code = $4, message = $5, recorded_at = now()
	`, correlationID, string(ecu), result.Success(), result.Code.String(), result.Description)
	if err != nil {
		return fmt.Errorf("store: put ecu installation result: %w", err)
	}
	return nil
}

func (s *PostgresStore) EcuInstallationResults(ctx context.Context, correlationID string) (map[model.EcuSerial]model.InstallationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ecu_serial, success, code, message FROM uptane_ecu_installation_results WHERE correlation_id = $1
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("store: ecu installation results: %w", err)
	}
	defer rows.Close()

	out := map[model.EcuSerial]model.InstallationResult{}
	for rows.Next() {
		var ecu, code, message string
		var success bool
		if err := rows.Scan(&ecu, &success, &code, &message); err != nil {
			return nil, fmt.Errorf("store: scan ecu installation result: %w", err)
		}
		out[model.EcuSerial(ecu)] = model.InstallationResult{Code: model.ParseInstallationCode(code), Description: message}
	}
	return out, rows.Err()
}

func (s *PostgresStore) DataHash(ctx context.Context, kind DataHashKind) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT sha256_hex FROM uptane_data_hashes WHERE kind = $1`, string(kind)).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: data hash: %w", err)
	}
	return hash, nil
}

func (s *PostgresStore) SetDataHash(ctx context.Context, kind DataHashKind, sha256Hex string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uptane_data_hashes (kind, sha256_hex) VALUES ($1, $2)
		ON CONFLICT (kind) DO UPDATE SET sha256_hex = $2
	`, string(kind), sha256Hex)
	if err != nil {
		return fmt.Errorf("store: set data hash: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ MetaStore = (*PostgresStore)(nil)
