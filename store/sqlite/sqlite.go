/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Default persistence for the fiado engine. Every multi-row write
  (stock adjustment, sale insert with its lines, client removal) runs in a
  single SQL transaction so a failure leaves nothing behind.

KEY TABLES:
  clientes:    Clients and their outstanding balance (fiado)
  produtos:    Products and stock (estoque >= 0 enforced by CHECK)
  vendas:      Sales, one row per sale, status open|settled|voided
  venda_itens: Product lines of itemized sales (name/price snapshots)
  audit_log:   Append-only audit trail

MONEY:
  Amounts are stored as decimal strings and parsed with shopspring/decimal,
  so no float rounding ever reaches a balance.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite's single writer.
  Methods that run inside a transaction never take the mutex again.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging): readers don't block the
  writer. ":memory:" databases are pinned to one connection, because each
  connection to ":memory:" is a separate database.

USAGE:
  store, err := sqlite.New("./data/fiado.db")
  if err != nil {
      log.Fatal().Err(err).Msg("open store")
  }
  defer store.Close()

  orch := ledger.NewOrchestrator(store, ledger.Config{})

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: Same contract on PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/fiado-engine/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clientes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		nome TEXT NOT NULL,
		telefone TEXT,
		referencia TEXT,
		fiado TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS produtos (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		nome TEXT NOT NULL,
		preco TEXT NOT NULL,
		estoque INTEGER NOT NULL DEFAULT 0 CHECK (estoque >= 0),
		created_at TEXT NOT NULL
	);

	-- Sales are never deleted; status moves open -> settled -> voided.
	-- Removing a client keeps its history with cliente_id cleared.
	CREATE TABLE IF NOT EXISTS vendas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cliente_id INTEGER REFERENCES clientes(id) ON DELETE SET NULL,
		data TEXT NOT NULL,
		kind TEXT NOT NULL,
		valor TEXT NOT NULL DEFAULT '0',
		total TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		note TEXT,
		created_by TEXT,
		settled_at TEXT,
		voided_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_vendas_data ON vendas(data);
	CREATE INDEX IF NOT EXISTS idx_vendas_cliente_status ON vendas(cliente_id, status);

	-- produto_id has no foreign key: lines keep their snapshot after a
	-- product is removed.
	CREATE TABLE IF NOT EXISTS venda_itens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		venda_id INTEGER NOT NULL REFERENCES vendas(id) ON DELETE CASCADE,
		produto_id INTEGER NOT NULL,
		produto_nome TEXT NOT NULL,
		quantidade INTEGER NOT NULL CHECK (quantidade > 0),
		preco_unitario TEXT NOT NULL,
		subtotal TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_venda_itens_venda ON venda_itens(venda_id);
	CREATE INDEX IF NOT EXISTS idx_venda_itens_produto ON venda_itens(produto_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		sale_id INTEGER,
		cliente_id INTEGER,
		produto_id INTEGER,
		amount TEXT NOT NULL DEFAULT '0',
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_sale ON audit_log(sale_id);
	CREATE INDEX IF NOT EXISTS idx_audit_cliente ON audit_log(cliente_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// CLIENTS
// =============================================================================

const clientColumns = `id, nome, telefone, referencia, fiado, created_at`

func (s *Store) CreateClient(ctx context.Context, c ledger.Client) (*ledger.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO clientes (nome, telefone, referencia, fiado, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.Nome, nullString(c.Telefone), nullString(c.Referencia), c.Fiado.String(), formatTime(c.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert client: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	c.ID = ledger.ClientID(id)
	c.CreatedAt = parseTime(formatTime(c.CreatedAt))
	return &c, nil
}

func (s *Store) GetClient(ctx context.Context, id ledger.ClientID) (*ledger.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getClient(ctx, s.db, id)
}

func getClient(ctx context.Context, db dbtx, id ledger.ClientID) (*ledger.Client, error) {
	row := db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clientes WHERE id = ?`, id)
	c, err := scanClient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]ledger.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clientes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []ledger.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (s *Store) UpdateClient(ctx context.Context, c ledger.Client) (*ledger.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE clientes SET nome = ?, telefone = ?, referencia = ? WHERE id = ?`,
		c.Nome, nullString(c.Telefone), nullString(c.Referencia), c.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &ledger.UnknownClientError{ClienteID: c.ID}
	}
	return getClient(ctx, s.db, c.ID)
}

// DeleteClient removes the client; ON DELETE SET NULL clears its sales.
func (s *Store) DeleteClient(ctx context.Context, id ledger.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM clientes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.UnknownClientError{ClienteID: id}
	}
	return nil
}

// AdjustFiado adds delta to the balance, flooring at zero.
func (s *Store) AdjustFiado(ctx context.Context, id ledger.ClientID, delta ledger.Money) (ledger.BalanceChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var change ledger.BalanceChange
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var fiado string
		err := tx.QueryRowContext(ctx, `SELECT fiado FROM clientes WHERE id = ?`, id).Scan(&fiado)
		if err == sql.ErrNoRows {
			return &ledger.UnknownClientError{ClienteID: id}
		}
		if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}

		before := ledger.MustMoney(fiado)
		after := before.Add(delta).Round().ClampZero()
		if _, err := tx.ExecContext(ctx, `UPDATE clientes SET fiado = ? WHERE id = ?`, after.String(), id); err != nil {
			return fmt.Errorf("failed to write balance: %w", err)
		}
		change = ledger.BalanceChange{ClienteID: id, Before: before, After: after}
		return nil
	})
	return change, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (ledger.Client, error) {
	var (
		c          ledger.Client
		telefone   sql.NullString
		referencia sql.NullString
		fiado      string
		createdAt  string
	)
	if err := row.Scan(&c.ID, &c.Nome, &telefone, &referencia, &fiado, &createdAt); err != nil {
		return c, err
	}
	c.Telefone = telefone.String
	c.Referencia = referencia.String
	c.Fiado = ledger.MustMoney(fiado)
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

const productColumns = `id, nome, preco, estoque, created_at`

func (s *Store) CreateProduct(ctx context.Context, p ledger.Product) (*ledger.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO produtos (nome, preco, estoque, created_at) VALUES (?, ?, ?, ?)`,
		p.Nome, p.Preco.String(), p.Estoque, formatTime(p.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert product: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	p.ID = ledger.ProductID(id)
	p.CreatedAt = parseTime(formatTime(p.CreatedAt))
	return &p, nil
}

func (s *Store) GetProduct(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProduct(ctx, s.db, id)
}

func getProduct(ctx context.Context, db dbtx, id ledger.ProductID) (*ledger.Product, error) {
	row := db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM produtos WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &p, nil
}

func (s *Store) GetProducts(ctx context.Context, ids []ledger.ProductID) (map[ledger.ProductID]ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[ledger.ProductID]ledger.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM produtos WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *Store) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM produtos ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []ledger.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) UpdateProduct(ctx context.Context, p ledger.Product) (*ledger.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE produtos SET nome = ?, preco = ? WHERE id = ?`, p.Nome, p.Preco.String(), p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &ledger.UnknownProductError{ProdutoID: p.ID}
	}
	return getProduct(ctx, s.db, p.ID)
}

func (s *Store) DeleteProduct(ctx context.Context, id ledger.ProductID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM produtos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.UnknownProductError{ProdutoID: id}
	}
	return nil
}

// AdjustStock checks every delta, then writes them, in one transaction.
func (s *Store) AdjustStock(ctx context.Context, deltas []ledger.StockDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		next := make(map[ledger.ProductID]int, len(deltas))
		order := make([]ledger.ProductID, 0, len(deltas))
		for _, d := range deltas {
			cur, seen := next[d.ProdutoID]
			if !seen {
				err := tx.QueryRowContext(ctx, `SELECT estoque FROM produtos WHERE id = ?`, d.ProdutoID).Scan(&cur)
				if err == sql.ErrNoRows {
					return &ledger.UnknownProductError{ProdutoID: d.ProdutoID}
				}
				if err != nil {
					return fmt.Errorf("failed to read stock: %w", err)
				}
				order = append(order, d.ProdutoID)
			}
			if cur+d.Delta < 0 {
				return &ledger.InsufficientStockError{ProdutoID: d.ProdutoID, Requested: -d.Delta, Available: cur}
			}
			next[d.ProdutoID] = cur + d.Delta
		}

		for _, id := range order {
			if _, err := tx.ExecContext(ctx, `UPDATE produtos SET estoque = ? WHERE id = ?`, next[id], id); err != nil {
				return fmt.Errorf("failed to write stock: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ProductInUse(ctx context.Context, id ledger.ProductID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM venda_itens i
		JOIN vendas v ON v.id = i.venda_id
		WHERE i.produto_id = ? AND v.status != ?`,
		id, ledger.StatusVoided,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check product use: %w", err)
	}
	return n > 0, nil
}

func scanProduct(row rowScanner) (ledger.Product, error) {
	var (
		p         ledger.Product
		preco     string
		createdAt string
	)
	if err := row.Scan(&p.ID, &p.Nome, &preco, &p.Estoque, &createdAt); err != nil {
		return p, err
	}
	p.Preco = ledger.MustMoney(preco)
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// =============================================================================
// SALES
// =============================================================================

const saleColumns = `id, cliente_id, data, kind, valor, total, status, reason, note, created_by, settled_at, voided_at`

// InsertSale writes the sale and its lines in one transaction.
func (s *Store) InsertSale(ctx context.Context, sale ledger.Sale) (*ledger.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := sale.Clone()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var clienteID any
		if sale.ClienteID != nil {
			clienteID = int64(*sale.ClienteID)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO vendas (cliente_id, data, kind, valor, total, status, reason, note, created_by, settled_at, voided_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			clienteID,
			formatTime(sale.Data),
			sale.Kind,
			sale.Valor.String(),
			sale.Total.String(),
			sale.Status,
			nullString(string(sale.Reason)),
			nullString(sale.Note),
			nullString(sale.CreatedBy),
			nullTime(sale.SettledAt),
			nullTime(sale.VoidedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert sale: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		out.ID = ledger.SaleID(id)

		for _, l := range sale.Lines {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO venda_itens (venda_id, produto_id, produto_nome, quantidade, preco_unitario, subtotal)
				VALUES (?, ?, ?, ?, ?, ?)`,
				id, l.ProdutoID, l.ProdutoNome, l.Quantidade, l.PrecoUnitario.String(), l.Subtotal.String(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert sale line: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetSale(ctx context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	sales, err := s.querySales(ctx, `WHERE id = ?`, int64(id))
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, nil
	}
	return &sales[0], nil
}

func (s *Store) ListSales(ctx context.Context, f ledger.SaleFilter) ([]ledger.Sale, error) {
	var (
		conds []string
		args  []any
	)
	if f.Inicio != nil {
		conds = append(conds, "data >= ?")
		args = append(args, formatTime(*f.Inicio))
	}
	if f.Fim != nil {
		conds = append(conds, "data <= ?")
		args = append(args, formatTime(*f.Fim))
	}
	if f.ClienteID != nil {
		conds = append(conds, "cliente_id = ?")
		args = append(args, int64(*f.ClienteID))
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	return s.querySales(ctx, where, args...)
}

// querySales loads sales matching where, then their lines.
func (s *Store) querySales(ctx context.Context, where string, args ...any) ([]ledger.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+saleColumns+` FROM vendas `+where+` ORDER BY data, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	var sales []ledger.Sale
	index := make(map[ledger.SaleID]int)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		index[sale.ID] = len(sales)
		sales = append(sales, sale)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return sales, nil
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT venda_id, produto_id, produto_nome, quantidade, preco_unitario, subtotal
		FROM venda_itens
		WHERE venda_id IN (SELECT id FROM vendas `+where+`)
		ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sale lines: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var (
			vendaID  ledger.SaleID
			l        ledger.SaleLine
			preco    string
			subtotal string
		)
		if err := itemRows.Scan(&vendaID, &l.ProdutoID, &l.ProdutoNome, &l.Quantidade, &preco, &subtotal); err != nil {
			return nil, fmt.Errorf("failed to scan sale line: %w", err)
		}
		l.PrecoUnitario = ledger.MustMoney(preco)
		l.Subtotal = ledger.MustMoney(subtotal)
		if i, ok := index[vendaID]; ok {
			sales[i].Lines = append(sales[i].Lines, l)
		}
	}
	return sales, itemRows.Err()
}

// TransitionSale is a conditional update on the current status.
func (s *Store) TransitionSale(ctx context.Context, t ledger.SaleTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	column := "settled_at"
	if t.To == ledger.StatusVoided {
		column = "voided_at"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE vendas SET status = ?, reason = ?, note = ?, `+column+` = ? WHERE id = ? AND status = ?`,
		t.To, nullString(string(t.Reason)), nullString(t.Note), formatTime(t.At), int64(t.SaleID), t.From,
	)
	if err != nil {
		return fmt.Errorf("failed to update sale status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrSaleNotFound
	}
	return nil
}

func (s *Store) CountOpenSales(ctx context.Context, id ledger.ClientID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vendas WHERE cliente_id = ? AND status = ?`, id, ledger.StatusOpen,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open sales: %w", err)
	}
	return n, nil
}

func scanSale(row rowScanner) (ledger.Sale, error) {
	var (
		sale      ledger.Sale
		clienteID sql.NullInt64
		data      string
		valor     string
		total     string
		reason    sql.NullString
		note      sql.NullString
		createdBy sql.NullString
		settledAt sql.NullString
		voidedAt  sql.NullString
	)
	err := row.Scan(&sale.ID, &clienteID, &data, &sale.Kind, &valor, &total, &sale.Status,
		&reason, &note, &createdBy, &settledAt, &voidedAt)
	if err != nil {
		return sale, err
	}
	if clienteID.Valid {
		sale.ClienteID = ledger.ClientIDPtr(clienteID.Int64)
	}
	sale.Data = parseTime(data)
	sale.Valor = ledger.MustMoney(valor)
	sale.Total = ledger.MustMoney(total)
	sale.Reason = ledger.SettlementReason(reason.String)
	sale.Note = note.String
	sale.CreatedBy = createdBy.String
	sale.SettledAt = parseNullTime(settledAt)
	sale.VoidedAt = parseNullTime(voidedAt)
	return sale, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, sale_id, cliente_id, produto_id, amount, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.Timestamp), nullString(e.ActorID), e.Action,
		nullID(e.SaleID), nullID(e.ClienteID), nullID(e.ProdutoID),
		e.Amount.String(), nullString(e.Reason),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns matching entries, newest first.
func (s *Store) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		conds []string
		args  []any
	)
	if f.SaleID != nil {
		conds = append(conds, "sale_id = ?")
		args = append(args, int64(*f.SaleID))
	}
	if f.ClienteID != nil {
		conds = append(conds, "cliente_id = ?")
		args = append(args, int64(*f.ClienteID))
	}
	if len(f.Actions) > 0 {
		conds = append(conds, "action IN ("+placeholders(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, string(a))
		}
	}
	query := `SELECT id, timestamp, actor_id, action, sale_id, cliente_id, produto_id, amount, reason FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC, rowid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AuditEntry
	for rows.Next() {
		var (
			e         ledger.AuditEntry
			ts        string
			actorID   sql.NullString
			saleID    sql.NullInt64
			clienteID sql.NullInt64
			produtoID sql.NullInt64
			amount    string
			reason    sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &actorID, &e.Action, &saleID, &clienteID, &produtoID, &amount, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.ActorID = actorID.String
		if saleID.Valid {
			id := ledger.SaleID(saleID.Int64)
			e.SaleID = &id
		}
		if clienteID.Valid {
			e.ClienteID = ledger.ClientIDPtr(clienteID.Int64)
		}
		if produtoID.Valid {
			id := ledger.ProductID(produtoID.Int64)
			e.ProdutoID = &id
		}
		e.Amount = ledger.MustMoney(amount)
		e.Reason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data and id sequences (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"audit_log", "venda_itens", "vendas", "produtos", "clientes"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM sqlite_sequence")
	return err
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullID[T ~int64](id *T) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
