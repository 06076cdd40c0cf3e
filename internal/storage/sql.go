package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"castbot/internal/domain"
	logx "castbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqlStore implements Store on database/sql. Queries are written with '?'
// placeholders and rebound for dialects that number them.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	numbered bool
}

// ensureSchema creates missing tables. Statements run one by one because not
// every driver accepts multi-statement Exec.
func (s *sqlStore) ensureSchema(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- leases ----

func (s *sqlStore) ReadLease(ctx context.Context, destination int64) (domain.Lease, bool, error) {
	var (
		l   = domain.Lease{Destination: destination}
		exp int64
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT holder, token, expires_at FROM leases WHERE destination = ?`), destination,
	).Scan(&l.Holder, &l.Token, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lease{}, false, nil
	}
	if err != nil {
		return domain.Lease{}, false, err
	}
	l.Expiry = fromMillis(exp)
	return l, true, nil
}

func (s *sqlStore) CompareAndSwapLease(ctx context.Context, expected, next domain.Lease) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if expected.Token == 0 {
		res, err = s.db.ExecContext(ctx,
			s.q(`INSERT INTO leases(destination, holder, token, expires_at) VALUES(?,?,?,?)
			 ON CONFLICT(destination) DO NOTHING`),
			next.Destination, next.Holder, next.Token, toMillis(next.Expiry),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			s.q(`UPDATE leases SET holder = ?, token = ?, expires_at = ?
			 WHERE destination = ? AND token = ? AND holder = ?`),
			next.Holder, next.Token, toMillis(next.Expiry),
			next.Destination, expected.Token, expected.Holder,
		)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) ListLeases(ctx context.Context) ([]domain.Lease, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT destination, holder, token, expires_at FROM leases ORDER BY destination`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Lease
	for rows.Next() {
		var (
			l   domain.Lease
			exp int64
		)
		if err := rows.Scan(&l.Destination, &l.Holder, &l.Token, &exp); err != nil {
			return nil, err
		}
		l.Expiry = fromMillis(exp)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ---- heartbeats ----

func (s *sqlStore) UpsertHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO heartbeats(instance_id, scope, phase, started_at, beat_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(instance_id) DO UPDATE SET scope = excluded.scope, phase = excluded.phase,
		   started_at = excluded.started_at, beat_at = excluded.beat_at`),
		hb.InstanceID, strings.Join(hb.Scope, ","), string(hb.Phase), toMillis(hb.StartedAt), toMillis(hb.BeatAt),
	)
	return err
}

func (s *sqlStore) ListHeartbeats(ctx context.Context) ([]domain.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance_id, scope, phase, started_at, beat_at FROM heartbeats ORDER BY instance_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Heartbeat
	for rows.Next() {
		var (
			hb            domain.Heartbeat
			scope, phase  string
			started, beat int64
		)
		if err := rows.Scan(&hb.InstanceID, &scope, &phase, &started, &beat); err != nil {
			return nil, err
		}
		hb.Scope = splitScope(scope)
		hb.Phase = domain.Phase(phase)
		hb.StartedAt = fromMillis(started)
		hb.BeatAt = fromMillis(beat)
		out = append(out, hb)
	}
	return out, rows.Err()
}

// ---- content ----

func (s *sqlStore) GetCategoryContent(ctx context.Context, slug string) (domain.CategoryContent, error) {
	c := domain.CategoryContent{Slug: slug}
	var (
		mode, welcomeText string
		spoiler           int
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT name, schedule, welcome_mode, welcome_text, button_cap, spoiler FROM categories WHERE slug = ?`), slug,
	).Scan(&c.Name, &c.Schedule, &mode, &welcomeText, &c.ButtonCap, &spoiler)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CategoryContent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CategoryContent{}, err
	}
	c.Welcome = domain.WelcomeConfig{Mode: domain.ParseWelcomeMode(mode), Text: welcomeText}
	c.Spoiler = spoiler != 0

	if err := s.loadMedia(ctx, &c); err != nil {
		return domain.CategoryContent{}, err
	}
	if err := s.loadCopy(ctx, &c); err != nil {
		return domain.CategoryContent{}, err
	}
	if err := s.loadButtons(ctx, &c); err != nil {
		return domain.CategoryContent{}, err
	}
	return c, nil
}

func (s *sqlStore) loadMedia(ctx context.Context, c *domain.CategoryContent) error {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, kind, file_id, caption, weight FROM media_items WHERE category = ? ORDER BY id`), c.Slug)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m    domain.MediaItem
			kind string
		)
		if err := rows.Scan(&m.ID, &kind, &m.FileID, &m.Caption, &m.Weight); err != nil {
			return err
		}
		k, ok := domain.ParseMediaKind(kind)
		if !ok {
			s.log.Warn("skipping media with unknown kind", logx.String("category", c.Slug), logx.Int64("id", m.ID), logx.String("kind", kind))
			continue
		}
		m.Kind = k
		c.Media = append(c.Media, m)
	}
	return rows.Err()
}

func (s *sqlStore) loadCopy(ctx context.Context, c *domain.CategoryContent) error {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, body, weight FROM copy_items WHERE category = ? ORDER BY id`), c.Slug)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.CopyItem
		if err := rows.Scan(&it.ID, &it.Text, &it.Weight); err != nil {
			return err
		}
		c.Copy = append(c.Copy, it)
	}
	return rows.Err()
}

func (s *sqlStore) loadButtons(ctx context.Context, c *domain.CategoryContent) error {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, label, url, weight FROM buttons WHERE category = ? ORDER BY id`), c.Slug)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var b domain.Button
		if err := rows.Scan(&b.ID, &b.Label, &b.URL, &b.Weight); err != nil {
			return err
		}
		c.Buttons = append(c.Buttons, b)
	}
	return rows.Err()
}

const destinationCols = `chat_id, title, category, assigned_instance, active`

func scanDestination(sc interface{ Scan(...any) error }) (domain.Destination, error) {
	var (
		d      domain.Destination
		active int
	)
	if err := sc.Scan(&d.ChatID, &d.Title, &d.Category, &d.AssignedInstance, &active); err != nil {
		return domain.Destination{}, err
	}
	d.Active = active != 0
	return d, nil
}

func (s *sqlStore) GetDestination(ctx context.Context, chatID int64) (domain.Destination, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+destinationCols+` FROM destinations WHERE chat_id = ?`), chatID)
	d, err := scanDestination(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Destination{}, domain.ErrNotFound
	}
	return d, err
}

func (s *sqlStore) GetDestinationsByInstance(ctx context.Context, instanceID string) ([]domain.Destination, error) {
	return s.queryDestinations(ctx, s.q(`SELECT `+destinationCols+` FROM destinations WHERE assigned_instance = ? ORDER BY chat_id`), instanceID)
}

func (s *sqlStore) ListDestinations(ctx context.Context) ([]domain.Destination, error) {
	return s.queryDestinations(ctx, `SELECT `+destinationCols+` FROM destinations ORDER BY chat_id`)
}

func (s *sqlStore) queryDestinations(ctx context.Context, query string, args ...any) ([]domain.Destination, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutCategory(ctx context.Context, c domain.CategoryContent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	mode := c.Welcome.Mode
	if mode == "" {
		mode = domain.WelcomeAll
	}
	if _, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO categories(slug, name, schedule, welcome_mode, welcome_text, button_cap, spoiler) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(slug) DO UPDATE SET name = excluded.name, schedule = excluded.schedule,
		   welcome_mode = excluded.welcome_mode, welcome_text = excluded.welcome_text,
		   button_cap = excluded.button_cap, spoiler = excluded.spoiler`),
		c.Slug, c.Name, c.Schedule, string(mode), c.Welcome.Text, c.ButtonCap, boolInt(c.Spoiler),
	); err != nil {
		return err
	}
	for _, table := range []string{"media_items", "copy_items", "buttons"} {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE category = ?`), c.Slug); err != nil {
			return err
		}
	}
	for _, m := range c.Media {
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO media_items(category, id, kind, file_id, caption, weight) VALUES(?,?,?,?,?,?)`),
			c.Slug, m.ID, string(m.Kind), m.FileID, m.Caption, m.Weight,
		); err != nil {
			return err
		}
	}
	for _, it := range c.Copy {
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO copy_items(category, id, body, weight) VALUES(?,?,?,?)`),
			c.Slug, it.ID, it.Text, it.Weight,
		); err != nil {
			return err
		}
	}
	for _, b := range c.Buttons {
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO buttons(category, id, label, url, weight) VALUES(?,?,?,?,?)`),
			c.Slug, b.ID, b.Label, b.URL, b.Weight,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) PutDestination(ctx context.Context, d domain.Destination) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO destinations(chat_id, title, category, assigned_instance, active) VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET title = excluded.title, category = excluded.category,
		   assigned_instance = excluded.assigned_instance, active = excluded.active`),
		d.ChatID, d.Title, d.Category, d.AssignedInstance, boolInt(d.Active),
	)
	return err
}

// ---- reports ----

func (s *sqlStore) AppendReport(ctx context.Context, r domain.FailureReport) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO failure_reports(at, kind, destination, instance_id, new_holder, attempts, err) VALUES(?,?,?,?,?,?,?)`),
		toMillis(r.At), string(r.Kind), r.Destination, r.Instance, r.NewHolder, r.Attempts, r.Err,
	)
	return err
}

func (s *sqlStore) RecentReports(ctx context.Context, limit int) ([]domain.FailureReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT at, kind, destination, instance_id, new_holder, attempts, err FROM failure_reports ORDER BY at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FailureReport
	for rows.Next() {
		var (
			r    domain.FailureReport
			at   int64
			kind string
		)
		if err := rows.Scan(&at, &kind, &r.Destination, &r.Instance, &r.NewHolder, &r.Attempts, &r.Err); err != nil {
			return nil, err
		}
		r.At = fromMillis(at)
		r.Kind = domain.ReportKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- helpers ----

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func splitScope(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
