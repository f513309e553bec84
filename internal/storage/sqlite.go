package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/localflowhq/localflow/internal/domain"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT 'New chat',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE TABLE IF NOT EXISTS drafts (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	type            TEXT NOT NULL DEFAULT 'email',
	title           TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'DRAFTING',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drafts_conversation ON drafts(conversation_id, created_at);
CREATE TABLE IF NOT EXISTS tool_plans (
	id             TEXT PRIMARY KEY,
	draft_id       TEXT NOT NULL UNIQUE REFERENCES drafts(id) ON DELETE CASCADE,
	json_canonical TEXT NOT NULL,
	content_hash   TEXT NOT NULL,
	created_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS approvals (
	id            TEXT PRIMARY KEY,
	draft_id      TEXT NOT NULL REFERENCES drafts(id) ON DELETE CASCADE,
	draft_hash    TEXT NOT NULL,
	toolplan_hash TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_draft ON approvals(draft_id);
CREATE TABLE IF NOT EXISTS executions (
	id           TEXT PRIMARY KEY,
	approval_id  TEXT NOT NULL REFERENCES approvals(id) ON DELETE CASCADE,
	tool_name    TEXT NOT NULL,
	request_json TEXT NOT NULL,
	result_json  TEXT NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL DEFAULT 'PENDING',
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_approval ON executions(approval_id);
`

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens (creating if needed) the sqlite database at path and
// returns a StoreSet backed by it.
func OpenSQLite(path string) (StoreSet, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc/sqlite serialises writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent handlers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return StoreSet{}, fmt.Errorf("sqlite pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return StoreSet{}, fmt.Errorf("create schema: %w", err)
	}

	set := newSQLiteSet(db)
	set.tx = func(ctx context.Context, fn func(StoreSet) error) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		txSet := newSQLiteSet(tx)
		if err := fn(txSet); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				return fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
			return err
		}
		return tx.Commit()
	}
	set.closer = db.Close
	return set, nil
}

func newSQLiteSet(q queryer) StoreSet {
	return StoreSet{
		Conversations: sqlConversations{q},
		Messages:      sqlMessages{q},
		Drafts:        sqlDrafts{q},
		ToolPlans:     sqlToolPlans{q},
		Approvals:     sqlApprovals{q},
		Executions:    sqlExecutions{q},
	}
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

type sqlConversations struct{ q queryer }

func (s sqlConversations) Create(ctx context.Context, conv *domain.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)`,
		conv.ID, conv.Title, fmtTime(conv.CreatedAt))
	return err
}

func (s sqlConversations) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var created string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = parseTime(created)
	return &conv, nil
}

func (s sqlConversations) ListSummaries(ctx context.Context, limit, offset int) ([]*ConversationSummary, int, error) {
	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT c.id, c.created_at, COALESCE(MAX(m.created_at), c.created_at) AS last_activity
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id
		ORDER BY last_activity DESC, c.created_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	type convRow struct {
		id, created, lastActivity string
	}
	var convs []convRow
	for rows.Next() {
		var r convRow
		if err := rows.Scan(&r.id, &r.created, &r.lastActivity); err != nil {
			return nil, 0, err
		}
		convs = append(convs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	msgStore := sqlMessages{s.q}
	draftStore := sqlDrafts{s.q}
	summaries := make([]*ConversationSummary, 0, len(convs))
	for _, r := range convs {
		msgs, err := msgStore.ListByConversation(ctx, r.id, 200)
		if err != nil {
			return nil, 0, err
		}
		var count int
		if err := s.q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, r.id).Scan(&count); err != nil {
			return nil, 0, err
		}
		sum := &ConversationSummary{
			ID:             r.id,
			CreatedAt:      parseTime(r.created),
			LastActivityAt: parseTime(r.lastActivity),
			Title:          DeriveTitle(msgs),
			MessageCount:   count,
		}
		if len(msgs) > 0 {
			sum.LastMessagePreview = Preview(msgs[len(msgs)-1].Content)
		}
		if latest, err := draftStore.LatestByConversation(ctx, r.id); err == nil {
			id := latest.ID
			sum.LatestDraftID = &id
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, 0, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, total, nil
}

type sqlMessages struct{ q queryer }

func (s sqlMessages) Append(ctx context.Context, msg *domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var last sql.NullString
	err := s.q.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`,
		msg.ConversationID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if last.Valid {
		if prev := parseTime(last.String); !msg.CreatedAt.After(prev) {
			msg.CreatedAt = prev.Add(time.Microsecond)
		}
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, fmtTime(msg.CreatedAt))
	return err
}

func (s sqlMessages) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = 2000
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var role, created string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &created); err != nil {
			return nil, err
		}
		msg.Role = domain.Role(role)
		msg.CreatedAt = parseTime(created)
		out = append(out, &msg)
	}
	return out, rows.Err()
}

type sqlDrafts struct{ q queryer }

func (s sqlDrafts) Create(ctx context.Context, draft *domain.Draft) error {
	now := time.Now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	if draft.UpdatedAt.IsZero() {
		draft.UpdatedAt = now
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO drafts (id, conversation_id, type, title, content, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		draft.ID, draft.ConversationID, draft.Type, draft.Title, draft.Content,
		string(draft.Status), fmtTime(draft.CreatedAt), fmtTime(draft.UpdatedAt))
	return err
}

func (s sqlDrafts) scanOne(row *sql.Row) (*domain.Draft, error) {
	var d domain.Draft
	var status, created, updated string
	err := row.Scan(&d.ID, &d.ConversationID, &d.Type, &d.Title, &d.Content, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = domain.DraftStatus(status)
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	return &d, nil
}

func (s sqlDrafts) Get(ctx context.Context, id string) (*domain.Draft, error) {
	return s.scanOne(s.q.QueryRowContext(ctx,
		`SELECT id, conversation_id, type, title, content, status, created_at, updated_at
		 FROM drafts WHERE id = ?`, id))
}

func (s sqlDrafts) Update(ctx context.Context, draft *domain.Draft) error {
	draft.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx,
		`UPDATE drafts SET type = ?, title = ?, content = ?, status = ?, updated_at = ? WHERE id = ?`,
		draft.Type, draft.Title, draft.Content, string(draft.Status), fmtTime(draft.UpdatedAt), draft.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return err
}

func (s sqlDrafts) LatestByConversation(ctx context.Context, conversationID string) (*domain.Draft, error) {
	return s.scanOne(s.q.QueryRowContext(ctx,
		`SELECT id, conversation_id, type, title, content, status, created_at, updated_at
		 FROM drafts WHERE conversation_id = ? ORDER BY created_at DESC LIMIT 1`, conversationID))
}

func (s sqlDrafts) ListByConversation(ctx context.Context, conversationID string) ([]*domain.Draft, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, conversation_id, type, title, content, status, created_at, updated_at
		 FROM drafts WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Draft
	for rows.Next() {
		var d domain.Draft
		var status, created, updated string
		if err := rows.Scan(&d.ID, &d.ConversationID, &d.Type, &d.Title, &d.Content, &status, &created, &updated); err != nil {
			return nil, err
		}
		d.Status = domain.DraftStatus(status)
		d.CreatedAt = parseTime(created)
		d.UpdatedAt = parseTime(updated)
		out = append(out, &d)
	}
	return out, rows.Err()
}

type sqlToolPlans struct{ q queryer }

func (s sqlToolPlans) Upsert(ctx context.Context, plan *domain.ToolPlan) error {
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO tool_plans (id, draft_id, json_canonical, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(draft_id) DO UPDATE SET json_canonical = excluded.json_canonical,
		                                     content_hash = excluded.content_hash`,
		plan.ID, plan.DraftID, plan.JSONCanonical, plan.ContentHash, fmtTime(plan.CreatedAt))
	return err
}

func (s sqlToolPlans) GetByDraft(ctx context.Context, draftID string) (*domain.ToolPlan, error) {
	var plan domain.ToolPlan
	var created string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, draft_id, json_canonical, content_hash, created_at FROM tool_plans WHERE draft_id = ?`,
		draftID).Scan(&plan.ID, &plan.DraftID, &plan.JSONCanonical, &plan.ContentHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	plan.CreatedAt = parseTime(created)
	return &plan, nil
}

type sqlApprovals struct{ q queryer }

func (s sqlApprovals) Create(ctx context.Context, approval *domain.Approval) error {
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now().UTC()
	}
	var planHash sql.NullString
	if approval.ToolPlanHash != nil {
		planHash = sql.NullString{String: *approval.ToolPlanHash, Valid: true}
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO approvals (id, draft_id, draft_hash, toolplan_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		approval.ID, approval.DraftID, approval.DraftHash, planHash, fmtTime(approval.CreatedAt))
	return err
}

func (s sqlApprovals) Get(ctx context.Context, id string) (*domain.Approval, error) {
	var a domain.Approval
	var planHash sql.NullString
	var created string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, draft_id, draft_hash, toolplan_hash, created_at FROM approvals WHERE id = ?`, id).
		Scan(&a.ID, &a.DraftID, &a.DraftHash, &planHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if planHash.Valid {
		v := planHash.String
		a.ToolPlanHash = &v
	}
	a.CreatedAt = parseTime(created)
	return &a, nil
}

func (s sqlApprovals) ListByDraft(ctx context.Context, draftID string) ([]*domain.Approval, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, draft_id, draft_hash, toolplan_hash, created_at
		 FROM approvals WHERE draft_id = ? ORDER BY created_at ASC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Approval
	for rows.Next() {
		var a domain.Approval
		var planHash sql.NullString
		var created string
		if err := rows.Scan(&a.ID, &a.DraftID, &a.DraftHash, &planHash, &created); err != nil {
			return nil, err
		}
		if planHash.Valid {
			v := planHash.String
			a.ToolPlanHash = &v
		}
		a.CreatedAt = parseTime(created)
		out = append(out, &a)
	}
	return out, rows.Err()
}

type sqlExecutions struct{ q queryer }

func (s sqlExecutions) Create(ctx context.Context, exe *domain.Execution) error {
	if exe.CreatedAt.IsZero() {
		exe.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO executions (id, approval_id, tool_name, request_json, result_json, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exe.ID, exe.ApprovalID, exe.ToolName, exe.RequestJSON, exe.ResultJSON, string(exe.Status), fmtTime(exe.CreatedAt))
	return err
}

func (s sqlExecutions) Update(ctx context.Context, exe *domain.Execution) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE executions SET result_json = ?, status = ? WHERE id = ?`,
		exe.ResultJSON, string(exe.Status), exe.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return err
}

func (s sqlExecutions) Get(ctx context.Context, id string) (*domain.Execution, error) {
	var e domain.Execution
	var status, created string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, approval_id, tool_name, request_json, result_json, status, created_at
		 FROM executions WHERE id = ?`, id).
		Scan(&e.ID, &e.ApprovalID, &e.ToolName, &e.RequestJSON, &e.ResultJSON, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = domain.ExecutionStatus(status)
	e.CreatedAt = parseTime(created)
	return &e, nil
}

func (s sqlExecutions) ListByApproval(ctx context.Context, approvalID string) ([]*domain.Execution, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, approval_id, tool_name, request_json, result_json, status, created_at
		 FROM executions WHERE approval_id = ? ORDER BY created_at ASC`, approvalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Execution
	for rows.Next() {
		var e domain.Execution
		var status, created string
		if err := rows.Scan(&e.ID, &e.ApprovalID, &e.ToolName, &e.RequestJSON, &e.ResultJSON, &status, &created); err != nil {
			return nil, err
		}
		e.Status = domain.ExecutionStatus(status)
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}
