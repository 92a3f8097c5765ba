package sqlstore

import (
	"context"
	"database/sql"
	"embed"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"nft-market-back-ledger/logging"

	// Pure Go の SQLite ドライバ
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLStore は SQLite に状態を保持する Store
//
// 接続数を1に固定しているため、グループ (トランザクション) は接続の取得待ちで直列化される。
// グループ内の参照はコンテキスト上のトランザクションを必ず使う。
type SQLStore struct {
	db *sql.DB
}

type txContextKey struct{}

type txWrapper struct {
	sqlTX      *sql.Tx
	postCommit []func()
}

// New は SQLite データベースを開き、必要ならマイグレーションを適用する
func New(ctx context.Context, url string, autoMigrate bool) (*SQLStore, error) {
	db, err := sql.Open("sqlite", url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(1)

	if autoMigrate {
		if err := applyMigrations(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	logging.L(ctx).Infof("SQLite store opened: %s", url)
	return &SQLStore{db: db}, nil
}

// NewWithDB は既存の接続を使う (テスト用)
func NewWithDB(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "failed to load migrations")
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "failed to create migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err == nil {
		err = m.Up()
	}
	if err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "database migration failed")
	}
	return nil
}

func getTXFromContext(ctx context.Context) *txWrapper {
	if tx, ok := ctx.Value(txContextKey{}).(*txWrapper); ok {
		return tx
	}
	return nil
}

func (s *SQLStore) RunAsGroup(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, tx, autoCommit, err := s.beginOrUseTx(ctx)
	if err != nil {
		return err
	}
	defer s.rollbackTx(ctx, tx, autoCommit)

	if err = fn(ctx); err != nil {
		return err
	}
	return s.commitTx(ctx, tx, autoCommit)
}

func (s *SQLStore) PostCommit(ctx context.Context, fn func()) {
	if tx := getTXFromContext(ctx); tx != nil {
		tx.postCommit = append(tx.postCommit, fn)
		return
	}
	fn()
}

func (s *SQLStore) beginOrUseTx(ctx context.Context) (ctx1 context.Context, tx *txWrapper, autoCommit bool, err error) {
	tx = getTXFromContext(ctx)
	if tx != nil {
		// 外側のトランザクションがコミットするので、ここではコミットしない
		return ctx, tx, true, nil
	}

	ctx1 = logging.WithLogField(ctx, "dbtx", uuid.NewString()[:8])
	l := logging.L(ctx1)
	l.Debugf("SQL-> begin")
	sqlTX, err := s.db.BeginTx(ctx1, nil)
	if err != nil {
		return ctx1, nil, false, errors.Wrap(err, "failed to begin database transaction")
	}
	tx = &txWrapper{sqlTX: sqlTX}
	ctx1 = context.WithValue(ctx1, txContextKey{}, tx)
	l.Debugf("SQL<- begin")
	return ctx1, tx, false, nil
}

// rollbackTx は defer で呼んでよい。コミット済みなら何もしない
func (s *SQLStore) rollbackTx(ctx context.Context, tx *txWrapper, autoCommit bool) {
	if autoCommit {
		return
	}
	err := tx.sqlTX.Rollback()
	if err == nil {
		logging.L(ctx).Warnf("SQL! transaction rollback")
	}
	if err != nil && err != sql.ErrTxDone {
		logging.L(ctx).Errorf("SQL rollback failed: %s", err)
	}
}

func (s *SQLStore) commitTx(ctx context.Context, tx *txWrapper, autoCommit bool) error {
	if autoCommit {
		return nil
	}
	l := logging.L(ctx)
	l.Debugf("SQL-> commit")
	if err := tx.sqlTX.Commit(); err != nil {
		l.Errorf("SQL commit failed: %s", err)
		return errors.Wrap(err, "failed to commit database transaction")
	}
	l.Debugf("SQL<- commit")

	for _, pce := range tx.postCommit {
		pce()
	}
	return nil
}

// write は更新処理をグループに参加させる (グループ外なら単独のトランザクション)
func (s *SQLStore) write(ctx context.Context, fn func(ctx context.Context, tx *txWrapper) error) error {
	return s.RunAsGroup(ctx, func(ctx context.Context) error {
		return fn(ctx, getTXFromContext(ctx))
	})
}

func (s *SQLStore) query(ctx context.Context, q sq.SelectBuilder) (*sql.Rows, error) {
	l := logging.L(ctx)
	sqlQuery, args, err := q.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build query")
	}
	l.Debugf("SQL-> query: %s", sqlQuery)
	l.Tracef("SQL-> query args: %+v", args)
	var rows *sql.Rows
	if tx := getTXFromContext(ctx); tx != nil {
		rows, err = tx.sqlTX.QueryContext(ctx, sqlQuery, args...)
	} else {
		rows, err = s.db.QueryContext(ctx, sqlQuery, args...)
	}
	if err != nil {
		l.Errorf("SQL query failed: %s sql=[ %s ]", err, sqlQuery)
		return nil, errors.Wrap(err, "database query failed")
	}
	l.Debugf("SQL<- query")
	return rows, nil
}

func (s *SQLStore) insertTx(ctx context.Context, tx *txWrapper, q sq.InsertBuilder) (int64, error) {
	l := logging.L(ctx)
	sqlQuery, args, err := q.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return -1, errors.Wrap(err, "failed to build query")
	}
	l.Debugf("SQL-> insert: %s", sqlQuery)
	l.Tracef("SQL-> insert args: %+v", args)
	res, err := tx.sqlTX.ExecContext(ctx, sqlQuery, args...)
	if err != nil {
		l.Errorf("SQL insert failed: %s sql=[ %s ]", err, sqlQuery)
		return -1, errors.Wrap(err, "database insert failed")
	}
	sequence, _ := res.LastInsertId()
	l.Debugf("SQL<- inserted sequence=%d", sequence)
	return sequence, nil
}

func (s *SQLStore) updateTx(ctx context.Context, tx *txWrapper, q sq.UpdateBuilder) (int64, error) {
	l := logging.L(ctx)
	sqlQuery, args, err := q.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return -1, errors.Wrap(err, "failed to build query")
	}
	l.Debugf("SQL-> update: %s", sqlQuery)
	l.Tracef("SQL-> update args: %+v", args)
	res, err := tx.sqlTX.ExecContext(ctx, sqlQuery, args...)
	if err != nil {
		l.Errorf("SQL update failed: %s sql=[ %s ]", err, sqlQuery)
		return -1, errors.Wrap(err, "database update failed")
	}
	ra, _ := res.RowsAffected()
	l.Debugf("SQL<- update affected=%d", ra)
	return ra, nil
}

func (s *SQLStore) Close() {
	if s.db != nil {
		err := s.db.Close()
		logging.L(context.Background()).Debugf("Database closed (err=%v)", err)
	}
}
