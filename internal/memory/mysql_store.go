package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"SolRounds/deploy/migrations"
	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/trade"
)

var embeddedMigrations = migrations.Files

// MySQLConfig 控制 MySQL 连接与保留策略。
type MySQLConfig struct {
	DSN             string
	MaxRounds       int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 把轮次记忆落在 MySQL，适合多副本部署共享历史。
type MySQLStore struct {
	db        *sql.DB
	maxRounds int
}

// NewMySQLStore 建立连接并执行内嵌迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store := &MySQLStore{db: db, maxRounds: cfg.MaxRounds}
	if store.maxRounds <= 0 {
		store.maxRounds = DefaultMaxRounds
	}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Append 写入一条记录并裁剪该资产超出上限的最旧轮次。
func (s *MySQLStore) Append(ctx context.Context, entry Entry) error {
	if entry.Asset == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录缺少资产标识")
	}

	directiveJSON, err := json.Marshal(entry.Directive)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "指令序列化失败")
	}
	var resultJSON sql.NullString
	if entry.Result != nil {
		encoded, err := json.Marshal(entry.Result)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行结果序列化失败")
		}
		resultJSON = sql.NullString{String: string(encoded), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, `INSERT INTO round_history
        (asset, round_id, synopsis, directive_json, result_json, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE synopsis = VALUES(synopsis),
            directive_json = VALUES(directive_json),
            result_json = VALUES(result_json),
            recorded_at = VALUES(recorded_at)`,
		entry.Asset, entry.RoundID, entry.Synopsis,
		string(directiveJSON), resultJSON, entry.RecordedAt.Unix(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入轮次记录失败")
	}
	return s.prune(ctx, entry.Asset)
}

// History 返回资产最近的记录，按轮次从旧到新。
func (s *MySQLStore) History(ctx context.Context, asset string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.maxRounds {
		limit = s.maxRounds
	}

	rows, err := s.db.QueryContext(ctx, `SELECT round_id, synopsis, directive_json, result_json, recorded_at
        FROM round_history WHERE asset = ? ORDER BY round_id DESC LIMIT ?`, asset, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询轮次记录失败")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry         Entry
			directiveJSON string
			resultJSON    sql.NullString
			recordedAt    int64
		)
		if err := rows.Scan(&entry.RoundID, &entry.Synopsis, &directiveJSON, &resultJSON, &recordedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析轮次记录失败")
		}
		entry.Asset = asset
		entry.RecordedAt = time.Unix(recordedAt, 0)
		if err := json.Unmarshal([]byte(directiveJSON), &entry.Directive); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "指令反序列化失败")
		}
		if resultJSON.Valid {
			var result trade.Result
			if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行结果反序列化失败")
			}
			entry.Result = &result
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历轮次记录失败")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RoundID < entries[j].RoundID })
	return entries, nil
}

// Close 关闭底层连接池。
func (s *MySQLStore) Close() error { return s.db.Close() }

// prune 删除资产超出保留上限的最旧轮次。
func (s *MySQLStore) prune(ctx context.Context, asset string) error {
	var cutoff uint64
	err := s.db.QueryRowContext(ctx, `SELECT round_id FROM round_history
        WHERE asset = ? ORDER BY round_id DESC LIMIT 1 OFFSET ?`,
		asset, s.maxRounds-1).Scan(&cutoff)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询保留边界失败")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM round_history WHERE asset = ? AND round_id < ?`,
		asset, cutoff); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "裁剪历史记录失败")
	}
	return nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}

func (s *MySQLStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 schema_migrations 表失败")
	}

	applied, err := s.loadAppliedVersions(ctx)
	if err != nil {
		return err
	}

	files, err := loadMigrationFiles()
	if err != nil {
		return err
	}

	for _, migration := range files {
		if _, ok := applied[migration.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

type migrationFile struct {
	version    string
	name       string
	statements []string
}

func (s *MySQLStore) loadAppliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func (s *MySQLStore) applyMigration(ctx context.Context, migration migrationFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "开启迁移事务失败")
	}

	for _, stmt := range migration.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err,
				fmt.Sprintf("执行迁移 %s 失败", migration.name))
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		migration.version, time.Now().Unix()); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "记录迁移版本失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "提交迁移事务失败")
	}
	return nil
}

func loadMigrationFiles() ([]migrationFile, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移目录失败")
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		contentBytes, err := embeddedMigrations.ReadFile(name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err,
				fmt.Sprintf("读取迁移文件 %s 失败", name))
		}
		statements := splitSQLStatements(string(contentBytes))
		if len(statements) == 0 {
			continue
		}
		files = append(files, migrationFile{
			version:    parseMigrationVersion(name),
			name:       name,
			statements: statements,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].version == files[j].version {
			return files[i].name < files[j].name
		}
		return files[i].version < files[j].version
	})
	return files, nil
}

func splitSQLStatements(content string) []string {
	rawStatements := strings.Split(content, ";")
	var statements []string
	for _, stmt := range rawStatements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		statements = append(statements, trimmed)
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
