package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/warp/cylinder-books/fiscal"
)

// BackupFormatVersion is written to backup_meta.format_version.
const BackupFormatVersion = "1"

// LegacyBackupFileName is archived when a tenant has no per-year files yet.
const LegacyBackupFileName = "user.db"

const (
	legacyBackupID = "legacy"
	sourceAlias    = "src"
	archiveAlias   = "archive"
)

// BackupDatabase is one source database recorded in an archive.
type BackupDatabase struct {
	FinancialYearID string   `json:"financial_year_id"`
	FileName        string   `json:"file_name"`
	Label           string   `json:"label"`
	Tables          []string `json:"tables"`
}

// BackupResult describes a written archive.
type BackupResult struct {
	ID        string           `json:"backup_id"`
	Path      string           `json:"path"`
	Databases []BackupDatabase `json:"databases"`
}

// RestoreResult describes a completed restore. The caller must restart so
// that no handle opened before the restore stays in use.
type RestoreResult struct {
	RequiresRestart bool     `json:"requires_restart"`
	Restored        []string `json:"restored"`
	SafetyBackupDir string   `json:"safety_backup_dir,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// BackupEngine packs a tenant's per-year files into one SQLite archive and
// unpacks them again.
type BackupEngine struct {
	provider *Provider
	now      func() time.Time
}

// NewBackupEngine creates an engine over provider.
func NewBackupEngine(provider *Provider) *BackupEngine {
	return &BackupEngine{provider: provider, now: time.Now}
}

// =============================================================================
// BACKUP
// =============================================================================

// Backup writes every per-year database of username into a new archive at
// outputPath, replacing any file already there.
func (e *BackupEngine) Backup(ctx context.Context, username, outputPath string) (*BackupResult, error) {
	dir, err := e.provider.resolver.Resolve(ctx, username)
	if err != nil {
		return nil, err
	}

	sources, err := e.backupSources(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: %s", fiscal.ErrNoDatabasesFound, username)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	if err := os.Remove(outputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replace %s: %w", outputPath, err)
	}

	archive, err := openArchive(ctx, outputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: create archive: %v", fiscal.ErrDatabaseConnection, err)
	}
	defer archive.Close()

	result := &BackupResult{ID: uuid.NewString(), Path: outputPath}
	if err := writeBackupMeta(ctx, archive, username, e.now(), result.ID); err != nil {
		os.Remove(outputPath)
		return nil, err
	}

	for i, src := range sources {
		tables, err := archiveDatabase(ctx, archive, filepath.Join(dir, src.FileName), src.FinancialYearID)
		if err != nil {
			os.Remove(outputPath)
			return nil, fmt.Errorf("archive %s: %w", src.FileName, err)
		}
		src.Tables = tables
		if _, err := archive.ExecContext(ctx,
			"INSERT INTO backup_databases (id, financial_year_id, file_name, label) VALUES (?, ?, ?, ?)",
			i+1, src.FinancialYearID, src.FileName, src.Label,
		); err != nil {
			os.Remove(outputPath)
			return nil, err
		}
		result.Databases = append(result.Databases, src)
	}

	log.Info().Str("username", username).Str("path", outputPath).Int("databases", len(result.Databases)).
		Msg("backup written")
	return result, nil
}

func (e *BackupEngine) backupSources(ctx context.Context, dir string) ([]BackupDatabase, error) {
	dbs, err := e.provider.databasesIn(ctx, dir)
	if err != nil {
		return nil, err
	}

	var sources []BackupDatabase
	for _, id := range SortedIDs(dbs) {
		info := dbs[id]
		sources = append(sources, BackupDatabase{
			FinancialYearID: id,
			FileName:        filepath.Base(info.Path),
			Label:           info.Name,
		})
	}
	if len(sources) > 0 {
		return sources, nil
	}

	if _, err := os.Stat(filepath.Join(dir, LegacyBackupFileName)); err == nil {
		sources = append(sources, BackupDatabase{
			FinancialYearID: legacyBackupID,
			FileName:        LegacyBackupFileName,
			Label:           legacyBackupID,
		})
	}
	return sources, nil
}

func writeBackupMeta(ctx context.Context, archive *sql.DB, username string, at time.Time, id string) error {
	stmts := []string{
		"CREATE TABLE backup_meta (key TEXT PRIMARY KEY, value TEXT)",
		`CREATE TABLE backup_databases (
			id INTEGER PRIMARY KEY,
			financial_year_id TEXT NOT NULL,
			file_name TEXT NOT NULL,
			label TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := archive.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create archive tables: %w", err)
		}
	}

	meta := [][2]string{
		{"username", username},
		{"backup_date", at.UTC().Format(time.RFC3339)},
		{"format_version", BackupFormatVersion},
		{"backup_id", id},
	}
	for _, kv := range meta {
		if _, err := archive.ExecContext(ctx, "INSERT INTO backup_meta (key, value) VALUES (?, ?)", kv[0], kv[1]); err != nil {
			return fmt.Errorf("write backup_meta: %w", err)
		}
	}
	return nil
}

// archiveDatabase copies every table of the file at path into the archive as
// "<prefix>_<table>".
func archiveDatabase(ctx context.Context, archive *sql.DB, path, prefix string) ([]string, error) {
	if err := attach(ctx, archive, path, sourceAlias); err != nil {
		return nil, err
	}
	defer func() {
		if err := detach(context.Background(), archive, sourceAlias); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to detach backup source")
		}
	}()

	tables, err := tableNames(ctx, archive, sourceAlias)
	if err != nil {
		return nil, err
	}
	for _, table := range tables {
		stmt := fmt.Sprintf("CREATE TABLE main.%s AS SELECT * FROM %s.%s",
			quoteIdent(prefix+"_"+table), quoteIdent(sourceAlias), quoteIdent(table))
		if _, err := archive.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("copy %s: %w", table, err)
		}
	}
	return tables, nil
}

// =============================================================================
// RESTORE
// =============================================================================

// Restore rebuilds the per-year files recorded in the archive at archivePath
// inside tenantDir. The tenant's current files are first copied into a
// pre-restore-<timestamp> directory. An archive written for another username
// is restored with a warning.
func (e *BackupEngine) Restore(ctx context.Context, username, archivePath, tenantDir string) (*RestoreResult, error) {
	if _, err := os.Stat(archivePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", fiscal.ErrBackupNotFound, archivePath)
		}
		return nil, fmt.Errorf("%w: stat %s: %v", fiscal.ErrDatabaseConnection, archivePath, err)
	}

	archive, err := openArchive(ctx, archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open archive: %v", fiscal.ErrInvalidBackup, err)
	}
	owner, err := readBackupOwner(ctx, archive)
	if err != nil {
		archive.Close()
		return nil, err
	}
	records, err := readBackupDatabases(ctx, archive)
	archive.Close()
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{RequiresRestart: true}
	if owner != username {
		msg := fmt.Sprintf("backup belongs to %q, restoring into %q", owner, username)
		result.Warnings = append(result.Warnings, msg)
		log.Warn().Str("username", username).Str("backup_username", owner).Msg("restoring backup of another user")
	}

	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create tenant directory: %v", fiscal.ErrDatabaseConnection, err)
	}
	safety, err := e.safetyCopy(ctx, tenantDir)
	if err != nil {
		return nil, err
	}
	result.SafetyBackupDir = safety

	for _, rec := range records {
		if err := restoreDatabase(ctx, archivePath, tenantDir, rec); err != nil {
			return result, fmt.Errorf("restore %s: %w", rec.FileName, err)
		}
		if rec.FinancialYearID != legacyBackupID {
			if fy, err := fiscal.ParseID(rec.FinancialYearID); err == nil {
				year := fiscal.YearStarting(fy)
				if rec.Label != "" && rec.Label != rec.FinancialYearID {
					year.Label = rec.Label
				}
				if err := e.provider.registry.Create(ctx, year); err != nil {
					result.Warnings = append(result.Warnings, fmt.Sprintf("register %s: %v", rec.FinancialYearID, err))
				}
			}
		}
		result.Restored = append(result.Restored, rec.FileName)
	}

	log.Info().Str("username", username).Str("archive", archivePath).Strs("restored", result.Restored).
		Msg("backup restored")
	return result, nil
}

func readBackupOwner(ctx context.Context, archive *sql.DB) (string, error) {
	ok, err := hasTable(ctx, archive, "main", "backup_meta")
	if err != nil {
		return "", fmt.Errorf("%w: %v", fiscal.ErrInvalidBackup, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: missing backup_meta", fiscal.ErrInvalidBackup)
	}
	var owner string
	err = archive.QueryRowContext(ctx, "SELECT value FROM backup_meta WHERE key = 'username'").Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: backup_meta has no username", fiscal.ErrInvalidBackup)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", fiscal.ErrInvalidBackup, err)
	}
	return owner, nil
}

func readBackupDatabases(ctx context.Context, archive *sql.DB) ([]BackupDatabase, error) {
	rows, err := archive.QueryContext(ctx, "SELECT financial_year_id, file_name, label FROM backup_databases ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fiscal.ErrInvalidBackup, err)
	}
	defer rows.Close()

	var out []BackupDatabase
	for rows.Next() {
		var (
			rec   BackupDatabase
			label sql.NullString
		)
		if err := rows.Scan(&rec.FinancialYearID, &rec.FileName, &label); err != nil {
			return nil, err
		}
		rec.Label = label.String
		if rec.FileName != filepath.Base(rec.FileName) || !strings.HasSuffix(rec.FileName, ".db") ||
			strings.HasPrefix(rec.FileName, ".") {
			return nil, fmt.Errorf("%w: unsafe file name %q", fiscal.ErrInvalidBackup, rec.FileName)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// safetyCopy snapshots the tenant's current *.db files into a timestamped
// sibling directory. It returns "" when there was nothing to copy.
func (e *BackupEngine) safetyCopy(ctx context.Context, tenantDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(tenantDir, "*.db"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}

	dst := filepath.Join(tenantDir, "pre-restore-"+e.now().UTC().Format("20060102-150405"))
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", fmt.Errorf("create safety backup directory: %w", err)
	}
	for _, src := range matches {
		if err := snapshotDatabase(ctx, src, filepath.Join(dst, filepath.Base(src))); err != nil {
			return "", fmt.Errorf("safety backup of %s: %w", filepath.Base(src), err)
		}
	}
	return dst, nil
}

// snapshotDatabase writes a consistent copy of src to dst with VACUUM INTO.
// Pages still in the -wal file are part of the copy.
func snapshotDatabase(ctx context.Context, src, dst string) error {
	db, err := openSQLite(ctx, src)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", fiscal.ErrDatabaseConnection, src, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM INTO "+quoteLiteral(dst)); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dst, err)
	}
	return nil
}

// restoreDatabase recreates tenantDir/rec.FileName with a fresh schema and
// reloads the archived rows of every table over the columns both sides share.
func restoreDatabase(ctx context.Context, archivePath, tenantDir string, rec BackupDatabase) error {
	path := filepath.Join(tenantDir, rec.FileName)
	removeDatabaseFiles(path)

	db, err := openSQLite(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %v", fiscal.ErrDatabaseConnection, err)
	}
	defer db.Close()

	if _, err := EnsureSchema(ctx, db, path); err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := attach(ctx, conn, archivePath, archiveAlias); err != nil {
		return fmt.Errorf("attach archive: %w", err)
	}
	defer func() {
		if err := detach(context.Background(), conn, archiveAlias); err != nil {
			log.Warn().Err(err).Msg("failed to detach archive")
		}
	}()

	archived, err := tableNames(ctx, conn, archiveAlias)
	if err != nil {
		return err
	}
	prefix := rec.FinancialYearID + "_"

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, name := range archived {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		table := strings.TrimPrefix(name, prefix)
		if table == "schema_migrations" {
			continue
		}
		if err := reloadTable(ctx, tx, name, table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func reloadTable(ctx context.Context, tx *sql.Tx, archived, table string) error {
	exists, err := hasTable(ctx, tx, "main", table)
	if err != nil {
		return err
	}
	src := quoteIdent(archiveAlias) + "." + quoteIdent(archived)
	if !exists {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE main.%s AS SELECT * FROM %s", quoteIdent(table), src))
		return err
	}

	dstCols, err := tableColumns(ctx, tx, "main", table)
	if err != nil {
		return err
	}
	srcCols, err := tableColumns(ctx, tx, archiveAlias, archived)
	if err != nil {
		return err
	}
	cols := commonColumns(dstCols, srcCols)
	if len(cols) == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM main.%s", quoteIdent(table))); err != nil {
		return err
	}
	list := quoteList(cols)
	_, err = tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO main.%s (%s) SELECT %s FROM %s",
		quoteIdent(table), list, list, src))
	if err != nil {
		return fmt.Errorf("reload %s: %w", table, err)
	}
	return nil
}
