/*
Package postgres provides a PostgreSQL implementation of ledger.Store.

PURPOSE:
  Production persistence when more than one process shares the books.
  KeyLocks only serialize work inside one process, so every mutation here
  also takes row locks (SELECT ... FOR UPDATE) inside a transaction.

LOCK ORDERING:
  AdjustStock locks all touched product rows in ascending id order before
  reading them, so two concurrent sales over the same products can never
  deadlock. The stock check itself still reports the first offender in
  request order.

MONEY:
  NUMERIC(14,2) columns, read back with ::text and parsed into decimals.

USAGE:
  pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
  store, err := postgres.New(ctx, pool)
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/fiado-engine/ledger"
)

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New wraps pool and applies the schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Connect opens a pool for databaseURL, pings it and applies the schema.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database not responding: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS clientes (
		id BIGSERIAL PRIMARY KEY,
		nome TEXT NOT NULL,
		telefone TEXT,
		referencia TEXT,
		fiado NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (fiado >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS produtos (
		id BIGSERIAL PRIMARY KEY,
		nome TEXT NOT NULL,
		preco NUMERIC(14,2) NOT NULL CHECK (preco >= 0),
		estoque INTEGER NOT NULL DEFAULT 0 CHECK (estoque >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS vendas (
		id BIGSERIAL PRIMARY KEY,
		cliente_id BIGINT REFERENCES clientes(id) ON DELETE SET NULL,
		data TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		valor NUMERIC(14,2) NOT NULL DEFAULT 0,
		total NUMERIC(14,2) NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		note TEXT,
		created_by TEXT,
		settled_at TIMESTAMPTZ,
		voided_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vendas_data ON vendas(data)`,
	`CREATE INDEX IF NOT EXISTS idx_vendas_cliente_status ON vendas(cliente_id, status)`,
	`CREATE TABLE IF NOT EXISTS venda_itens (
		id BIGSERIAL PRIMARY KEY,
		venda_id BIGINT NOT NULL REFERENCES vendas(id) ON DELETE CASCADE,
		produto_id BIGINT NOT NULL,
		produto_nome TEXT NOT NULL,
		quantidade INTEGER NOT NULL CHECK (quantidade > 0),
		preco_unitario NUMERIC(14,2) NOT NULL,
		subtotal NUMERIC(14,2) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_venda_itens_venda ON venda_itens(venda_id)`,
	`CREATE INDEX IF NOT EXISTS idx_venda_itens_produto ON venda_itens(produto_id)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		timestamp TIMESTAMPTZ NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		sale_id BIGINT,
		cliente_id BIGINT,
		produto_id BIGINT,
		amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		reason TEXT
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// runInTx executes fn within a READ COMMITTED transaction. Rollback unless
// fn succeeds and the commit goes through.
func (s *Store) runInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// =============================================================================
// CLIENTS
// =============================================================================

const clientColumns = `id, nome, COALESCE(telefone, ''), COALESCE(referencia, ''), fiado::text, created_at`

func (s *Store) CreateClient(ctx context.Context, c ledger.Client) (*ledger.Client, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO clientes (nome, telefone, referencia, fiado, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4::text::numeric, $5)
		RETURNING `+clientColumns,
		c.Nome, c.Telefone, c.Referencia, c.Fiado.String(), c.CreatedAt,
	)
	out, err := scanClient(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return &out, nil
}

func (s *Store) GetClient(ctx context.Context, id ledger.ClientID) (*ledger.Client, error) {
	c, err := scanClient(s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clientes WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]ledger.Client, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+clientColumns+` FROM clientes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var out []ledger.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateClient(ctx context.Context, c ledger.Client) (*ledger.Client, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE clientes SET nome = $1, telefone = NULLIF($2, ''), referencia = NULLIF($3, '')
		WHERE id = $4
		RETURNING `+clientColumns,
		c.Nome, c.Telefone, c.Referencia, int64(c.ID),
	)
	out, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ledger.UnknownClientError{ClienteID: c.ID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update client: %w", err)
	}
	return &out, nil
}

func (s *Store) DeleteClient(ctx context.Context, id ledger.ClientID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM clientes WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ledger.UnknownClientError{ClienteID: id}
	}
	return nil
}

// AdjustFiado locks the client row, then writes the clamped balance.
func (s *Store) AdjustFiado(ctx context.Context, id ledger.ClientID, delta ledger.Money) (ledger.BalanceChange, error) {
	var change ledger.BalanceChange
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		var fiado string
		err := tx.QueryRow(ctx, `SELECT fiado::text FROM clientes WHERE id = $1 FOR UPDATE`, int64(id)).Scan(&fiado)
		if errors.Is(err, pgx.ErrNoRows) {
			return &ledger.UnknownClientError{ClienteID: id}
		}
		if err != nil {
			return fmt.Errorf("failed to lock client: %w", err)
		}

		before := ledger.MustMoney(fiado)
		after := before.Add(delta).Round().ClampZero()
		if _, err := tx.Exec(ctx, `UPDATE clientes SET fiado = $1::text::numeric WHERE id = $2`, after.String(), int64(id)); err != nil {
			return fmt.Errorf("failed to write balance: %w", err)
		}
		change = ledger.BalanceChange{ClienteID: id, Before: before, After: after}
		return nil
	})
	return change, err
}

func scanClient(row pgx.Row) (ledger.Client, error) {
	var (
		c     ledger.Client
		id    int64
		fiado string
	)
	if err := row.Scan(&id, &c.Nome, &c.Telefone, &c.Referencia, &fiado, &c.CreatedAt); err != nil {
		return c, err
	}
	c.ID = ledger.ClientID(id)
	c.Fiado = ledger.MustMoney(fiado)
	return c, nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

const productColumns = `id, nome, preco::text, estoque, created_at`

func (s *Store) CreateProduct(ctx context.Context, p ledger.Product) (*ledger.Product, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO produtos (nome, preco, estoque, created_at)
		VALUES ($1, $2::text::numeric, $3, $4)
		RETURNING `+productColumns,
		p.Nome, p.Preco.String(), p.Estoque, p.CreatedAt,
	)
	out, err := scanProduct(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	return &out, nil
}

func (s *Store) GetProduct(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM produtos WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &p, nil
}

func (s *Store) GetProducts(ctx context.Context, ids []ledger.ProductID) (map[ledger.ProductID]ledger.Product, error) {
	out := make(map[ledger.ProductID]ledger.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+productColumns+` FROM produtos WHERE id = ANY($1)`, toInt64s(ids))
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
	rows, err := s.pool.Query(ctx, `SELECT `+productColumns+` FROM produtos ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []ledger.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProduct(ctx context.Context, p ledger.Product) (*ledger.Product, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE produtos SET nome = $1, preco = $2::text::numeric WHERE id = $3
		RETURNING `+productColumns,
		p.Nome, p.Preco.String(), int64(p.ID),
	)
	out, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ledger.UnknownProductError{ProdutoID: p.ID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update product: %w", err)
	}
	return &out, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id ledger.ProductID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM produtos WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ledger.UnknownProductError{ProdutoID: id}
	}
	return nil
}

// AdjustStock locks every touched product (lowest id first), checks all
// deltas in request order, then writes.
func (s *Store) AdjustStock(ctx context.Context, deltas []ledger.StockDelta) error {
	ids := make([]int64, 0, len(deltas))
	seen := make(map[ledger.ProductID]bool, len(deltas))
	for _, d := range deltas {
		if !seen[d.ProdutoID] {
			seen[d.ProdutoID] = true
			ids = append(ids, int64(d.ProdutoID))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return s.runInTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, estoque FROM produtos WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
		if err != nil {
			return fmt.Errorf("failed to lock products: %w", err)
		}
		stock := make(map[ledger.ProductID]int, len(ids))
		for rows.Next() {
			var (
				id      int64
				estoque int
			)
			if err := rows.Scan(&id, &estoque); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan stock: %w", err)
			}
			stock[ledger.ProductID(id)] = estoque
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, d := range deltas {
			cur, ok := stock[d.ProdutoID]
			if !ok {
				return &ledger.UnknownProductError{ProdutoID: d.ProdutoID}
			}
			if cur+d.Delta < 0 {
				return &ledger.InsufficientStockError{ProdutoID: d.ProdutoID, Requested: -d.Delta, Available: cur}
			}
			stock[d.ProdutoID] = cur + d.Delta
		}

		for _, id := range ids {
			if _, err := tx.Exec(ctx, `UPDATE produtos SET estoque = $1 WHERE id = $2`, stock[ledger.ProductID(id)], id); err != nil {
				return fmt.Errorf("failed to write stock: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ProductInUse(ctx context.Context, id ledger.ProductID) (bool, error) {
	var inUse bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM venda_itens i JOIN vendas v ON v.id = i.venda_id
			WHERE i.produto_id = $1 AND v.status <> $2
		)`, int64(id), string(ledger.StatusVoided),
	).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("failed to check product use: %w", err)
	}
	return inUse, nil
}

func scanProduct(row pgx.Row) (ledger.Product, error) {
	var (
		p     ledger.Product
		id    int64
		preco string
	)
	if err := row.Scan(&id, &p.Nome, &preco, &p.Estoque, &p.CreatedAt); err != nil {
		return p, err
	}
	p.ID = ledger.ProductID(id)
	p.Preco = ledger.MustMoney(preco)
	return p, nil
}

// =============================================================================
// SALES
// =============================================================================

const saleColumns = `id, cliente_id, data, kind, valor::text, total::text, status,
	COALESCE(reason, ''), COALESCE(note, ''), COALESCE(created_by, ''), settled_at, voided_at`

func (s *Store) InsertSale(ctx context.Context, sale ledger.Sale) (*ledger.Sale, error) {
	out := sale.Clone()
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		var clienteID *int64
		if sale.ClienteID != nil {
			id := int64(*sale.ClienteID)
			clienteID = &id
		}
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO vendas (cliente_id, data, kind, valor, total, status, reason, note, created_by, settled_at, voided_at)
			VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11)
			RETURNING id`,
			clienteID, sale.Data, string(sale.Kind), sale.Valor.String(), sale.Total.String(),
			string(sale.Status), string(sale.Reason), sale.Note, sale.CreatedBy, sale.SettledAt, sale.VoidedAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert sale: %w", err)
		}
		out.ID = ledger.SaleID(id)

		for _, l := range sale.Lines {
			_, err := tx.Exec(ctx, `
				INSERT INTO venda_itens (venda_id, produto_id, produto_nome, quantidade, preco_unitario, subtotal)
				VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric)`,
				id, int64(l.ProdutoID), l.ProdutoNome, l.Quantidade, l.PrecoUnitario.String(), l.Subtotal.String(),
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
	sales, err := s.querySales(ctx, s.pool, `WHERE id = $1`, int64(id))
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
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Inicio != nil {
		conds = append(conds, "data >= "+arg(*f.Inicio))
	}
	if f.Fim != nil {
		conds = append(conds, "data <= "+arg(*f.Fim))
	}
	if f.ClienteID != nil {
		conds = append(conds, "cliente_id = "+arg(int64(*f.ClienteID)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, "status = ANY("+arg(statuses)+")")
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	return s.querySales(ctx, s.pool, where, args...)
}

func (s *Store) querySales(ctx context.Context, q querier, where string, args ...any) ([]ledger.Sale, error) {
	rows, err := q.Query(ctx, `SELECT `+saleColumns+` FROM vendas `+where+` ORDER BY data, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	var (
		sales []ledger.Sale
		ids   []int64
	)
	index := make(map[ledger.SaleID]int)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		index[sale.ID] = len(sales)
		ids = append(ids, int64(sale.ID))
		sales = append(sales, sale)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return sales, nil
	}

	itemRows, err := q.Query(ctx, `
		SELECT venda_id, produto_id, produto_nome, quantidade, preco_unitario::text, subtotal::text
		FROM venda_itens WHERE venda_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query sale lines: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var (
			vendaID   int64
			produtoID int64
			l         ledger.SaleLine
			preco     string
			subtotal  string
		)
		if err := itemRows.Scan(&vendaID, &produtoID, &l.ProdutoNome, &l.Quantidade, &preco, &subtotal); err != nil {
			return nil, fmt.Errorf("failed to scan sale line: %w", err)
		}
		l.ProdutoID = ledger.ProductID(produtoID)
		l.PrecoUnitario = ledger.MustMoney(preco)
		l.Subtotal = ledger.MustMoney(subtotal)
		if i, ok := index[ledger.SaleID(vendaID)]; ok {
			sales[i].Lines = append(sales[i].Lines, l)
		}
	}
	return sales, itemRows.Err()
}

// TransitionSale is a conditional update on the current status.
func (s *Store) TransitionSale(ctx context.Context, t ledger.SaleTransition) error {
	column := "settled_at"
	if t.To == ledger.StatusVoided {
		column = "voided_at"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE vendas SET status = $1, reason = NULLIF($2, ''), note = NULLIF($3, ''), `+column+` = $4
		 WHERE id = $5 AND status = $6`,
		string(t.To), string(t.Reason), t.Note, t.At, int64(t.SaleID), string(t.From),
	)
	if err != nil {
		return fmt.Errorf("failed to update sale status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrSaleNotFound
	}
	return nil
}

func (s *Store) CountOpenSales(ctx context.Context, id ledger.ClientID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM vendas WHERE cliente_id = $1 AND status = $2`,
		int64(id), string(ledger.StatusOpen),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open sales: %w", err)
	}
	return n, nil
}

func scanSale(row pgx.Row) (ledger.Sale, error) {
	var (
		sale      ledger.Sale
		id        int64
		clienteID *int64
		kind      string
		valor     string
		total     string
		status    string
		reason    string
	)
	err := row.Scan(&id, &clienteID, &sale.Data, &kind, &valor, &total, &status,
		&reason, &sale.Note, &sale.CreatedBy, &sale.SettledAt, &sale.VoidedAt)
	if err != nil {
		return sale, err
	}
	sale.ID = ledger.SaleID(id)
	if clienteID != nil {
		sale.ClienteID = ledger.ClientIDPtr(*clienteID)
	}
	sale.Data = sale.Data.UTC()
	sale.Kind = ledger.SaleKind(kind)
	sale.Valor = ledger.MustMoney(valor)
	sale.Total = ledger.MustMoney(total)
	sale.Status = ledger.SaleStatus(status)
	sale.Reason = ledger.SettlementReason(reason)
	return sale, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, sale_id, cliente_id, produto_id, amount, reason)
		VALUES ($1::text::uuid, $2, NULLIF($3, ''), $4, $5, $6, $7, $8::text::numeric, NULLIF($9, ''))`,
		e.ID, e.Timestamp, e.ActorID, string(e.Action),
		optionalID(e.SaleID), optionalID(e.ClienteID), optionalID(e.ProdutoID),
		e.Amount.String(), e.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SaleID != nil {
		conds = append(conds, "sale_id = "+arg(int64(*f.SaleID)))
	}
	if f.ClienteID != nil {
		conds = append(conds, "cliente_id = "+arg(int64(*f.ClienteID)))
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		conds = append(conds, "action = ANY("+arg(actions)+")")
	}
	query := `SELECT id::text, timestamp, COALESCE(actor_id, ''), action, sale_id, cliente_id, produto_id,
		amount::text, COALESCE(reason, '') FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []ledger.AuditEntry
	for rows.Next() {
		var (
			e         ledger.AuditEntry
			action    string
			saleID    *int64
			clienteID *int64
			produtoID *int64
			amount    string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorID, &action, &saleID, &clienteID, &produtoID, &amount, &e.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = ledger.AuditAction(action)
		if saleID != nil {
			id := ledger.SaleID(*saleID)
			e.SaleID = &id
		}
		if clienteID != nil {
			e.ClienteID = ledger.ClientIDPtr(*clienteID)
		}
		if produtoID != nil {
			id := ledger.ProductID(*produtoID)
			e.ProdutoID = &id
		}
		e.Amount = ledger.MustMoney(amount)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Reset truncates every table and restarts id sequences (demo/dev only).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE audit_log, venda_itens, vendas, produtos, clientes RESTART IDENTITY CASCADE`)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func optionalID[T ~int64](id *T) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

func toInt64s(ids []ledger.ProductID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
