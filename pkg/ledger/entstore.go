package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chroniclehq/chronicle/ent"
	entmessage "github.com/chroniclehq/chronicle/ent/message"
	entpart "github.com/chroniclehq/chronicle/ent/part"
	entrun "github.com/chroniclehq/chronicle/ent/run"
	"github.com/google/uuid"

	"github.com/chroniclehq/chronicle/pkg/models"
)

// EntStore is the PostgreSQL-backed ledger. FinalizeRun and DeleteThread run
// inside a single transaction; per-run mutations additionally serialize
// through an in-process lock so concurrent finalize calls on one run observe
// each other's terminal status.
type EntStore struct {
	client *ent.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewEntStore creates a ledger backed by the given ent client.
func NewEntStore(client *ent.Client) *EntStore {
	return &EntStore{
		client: client,
		locks:  make(map[string]*sync.Mutex),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *EntStore) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

// BeginRun implements Store.
func (s *EntStore) BeginRun(ctx context.Context, req BeginRunRequest) (*models.RunRecord, error) {
	if req.ThreadID == "" {
		return nil, fmt.Errorf("%w: threadId required", ErrInvalidInput)
	}

	runID := uuid.New().String()
	create := s.client.Run.Create().
		SetID(runID).
		SetThreadID(req.ThreadID).
		SetStreamID(models.RunStreamID(runID)).
		SetStatus(entrun.StatusCreated).
		SetCreatedAt(s.now())
	if req.ForkFromMessageID != "" {
		create = create.SetForkFromMessageID(req.ForkFromMessageID)
	}

	row, err := create.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w: %w", ErrLedger, err)
	}
	return toRunRecord(row), nil
}

// ActivateRun implements Store.
func (s *EntStore) ActivateRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	l := s.runLock(runID)
	l.Lock()
	defer l.Unlock()

	row, err := s.client.Run.Get(ctx, runID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("load run %s: %w: %w", runID, ErrLedger, err)
	}
	if row.Status != entrun.StatusCreated {
		return nil, fmt.Errorf("%w: run %s is %s, want created", ErrInvalidState, runID, row.Status)
	}

	row, err = row.Update().SetStatus(entrun.StatusStreaming).Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("activate run %s: %w: %w", runID, ErrLedger, err)
	}
	return toRunRecord(row), nil
}

// FinalizeRun implements Store. The idempotence checks and the transition,
// including supersession and message insertion, all happen inside one
// transaction; a failure rolls every mutation back.
func (s *EntStore) FinalizeRun(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	if !validFinalStatus(req.Status) {
		return nil, fmt.Errorf("%w: status %q is not a finalize target", ErrInvalidInput, req.Status)
	}

	l := s.runLock(req.RunID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin finalize transaction: %w: %w", ErrLedger, err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := tx.Run.Get(ctx, req.RunID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, req.RunID)
		}
		return nil, fmt.Errorf("load run %s: %w: %w", req.RunID, ErrLedger, err)
	}

	current := models.RunStatus(row.Status)
	if current == req.Status {
		return &FinalizeResult{Committed: true, SupersededRunIDs: []string{}}, nil
	}
	if current.IsTerminal() {
		return &FinalizeResult{Committed: false, SupersededRunIDs: []string{}}, nil
	}

	now := s.now()
	result := &FinalizeResult{Committed: true, SupersededRunIDs: []string{}}
	update := row.Update().
		SetStatus(entrun.Status(req.Status)).
		SetFinishedAt(now)

	if req.Status == models.RunStatusCommitted {
		if row.ForkFromMessageID != nil {
			superseded, err := s.supersedeSiblings(ctx, tx, row, now)
			if err != nil {
				return nil, err
			}
			result.SupersededRunIDs = superseded
		}
		if err := s.insertMessages(ctx, tx, row, req.Messages); err != nil {
			return nil, err
		}
		update = update.SetMessageCount(len(req.Messages))
	}

	if _, err := update.Save(ctx); err != nil {
		return nil, fmt.Errorf("update run %s: %w: %w", req.RunID, ErrLedger, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w: %w", ErrLedger, err)
	}
	return result, nil
}

// supersedeSiblings marks other committed runs at the same fork point as
// superseded. Their messages are retained: supersession changes which branch
// is active, never what was said.
func (s *EntStore) supersedeSiblings(ctx context.Context, tx *ent.Tx, row *ent.Run, now time.Time) ([]string, error) {
	siblings, err := tx.Run.Query().
		Where(
			entrun.ThreadIDEQ(row.ThreadID),
			entrun.StatusEQ(entrun.StatusCommitted),
			entrun.ForkFromMessageIDEQ(*row.ForkFromMessageID),
			entrun.IDNEQ(row.ID),
		).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("find sibling runs: %w: %w", ErrLedger, err)
	}
	if len(siblings) == 0 {
		return []string{}, nil
	}

	ids := make([]string, 0, len(siblings))
	for _, sib := range siblings {
		ids = append(ids, sib.ID)
	}
	if _, err := tx.Run.Update().
		Where(entrun.IDIn(ids...)).
		SetStatus(entrun.StatusSuperseded).
		SetFinishedAt(now).
		Save(ctx); err != nil {
		return nil, fmt.Errorf("supersede runs: %w: %w", ErrLedger, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// insertMessages appends the accumulated messages at the tail of the
// thread's ordinal sequence, parts in input order.
func (s *EntStore) insertMessages(ctx context.Context, tx *ent.Tx, row *ent.Run, msgs []models.CanonicalMessage) error {
	next := 0
	last, err := tx.Message.Query().
		Where(entmessage.ThreadIDEQ(row.ThreadID)).
		Order(ent.Desc(entmessage.FieldOrdinal)).
		First(ctx)
	if err != nil {
		if !ent.IsNotFound(err) {
			return fmt.Errorf("read max ordinal: %w: %w", ErrLedger, err)
		}
	} else {
		next = last.Ordinal + 1
	}

	for _, msg := range msgs {
		create := tx.Message.Create().
			SetID(msg.ID).
			SetRunID(row.ID).
			SetThreadID(row.ThreadID).
			SetRole(entmessage.Role(msg.Role)).
			SetCreatedAt(msg.CreatedAt).
			SetOrdinal(next)
		if msg.ParentMessageID != "" {
			create = create.SetParentMessageID(msg.ParentMessageID)
		}
		if msg.Metadata != nil {
			create = create.SetMetadata(msg.Metadata)
		}
		if _, err := create.Save(ctx); err != nil {
			return fmt.Errorf("insert message %s: %w: %w", msg.ID, ErrLedger, err)
		}
		next++

		if len(msg.Parts) == 0 {
			continue
		}
		builders := make([]*ent.PartCreate, len(msg.Parts))
		for i, part := range msg.Parts {
			data, err := json.Marshal(part)
			if err != nil {
				return fmt.Errorf("marshal part %d of message %s: %w", i, msg.ID, err)
			}
			builders[i] = tx.Part.Create().
				SetMessageID(msg.ID).
				SetType(string(part.Type)).
				SetData(data).
				SetOrdinal(i)
		}
		if _, err := tx.Part.CreateBulk(builders...).Save(ctx); err != nil {
			return fmt.Errorf("insert parts of message %s: %w: %w", msg.ID, ErrLedger, err)
		}
	}
	return nil
}

// GetRun implements Store. Returns nil without error for unknown runs.
func (s *EntStore) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	row, err := s.client.Run.Get(ctx, runID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load run %s: %w: %w", runID, ErrLedger, err)
	}
	return toRunRecord(row), nil
}

// ListRuns implements Store.
func (s *EntStore) ListRuns(ctx context.Context, threadID string) ([]*models.RunRecord, error) {
	rows, err := s.client.Run.Query().
		Where(entrun.ThreadIDEQ(threadID)).
		Order(ent.Asc(entrun.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs of thread %s: %w: %w", threadID, ErrLedger, err)
	}
	out := make([]*models.RunRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRunRecord(row))
	}
	return out, nil
}

// GetTranscript implements Store.
func (s *EntStore) GetTranscript(ctx context.Context, q TranscriptQuery) ([]models.CanonicalMessage, error) {
	view, err := s.loadThread(ctx, q.ThreadID)
	if err != nil {
		return nil, err
	}
	return view.resolve(q.Branch), nil
}

// GetThreadTree implements Store.
func (s *EntStore) GetThreadTree(ctx context.Context, threadID string) (*models.ThreadTree, error) {
	view, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return view.tree(), nil
}

// ListStaleRuns implements Store.
func (s *EntStore) ListStaleRuns(ctx context.Context, q StaleRunQuery) ([]models.StaleRunInfo, error) {
	now := s.now()
	cutoff := now.Add(-time.Duration(q.OlderThan) * time.Millisecond)

	query := s.client.Run.Query().
		Where(
			entrun.StatusIn(entrun.StatusCreated, entrun.StatusStreaming),
			entrun.CreatedAtLT(cutoff),
		)
	if q.ThreadID != "" {
		query = query.Where(entrun.ThreadIDEQ(q.ThreadID))
	}
	rows, err := query.Order(ent.Asc(entrun.FieldCreatedAt)).All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w: %w", ErrLedger, err)
	}

	out := make([]models.StaleRunInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.StaleRunInfo{
			RunID:     row.ID,
			ThreadID:  row.ThreadID,
			Status:    models.RunStatus(row.Status),
			CreatedAt: row.CreatedAt,
			Age:       now.Sub(row.CreatedAt),
		})
	}
	return out, nil
}

// RecoverRun implements Store.
func (s *EntStore) RecoverRun(ctx context.Context, req RecoverRequest) (*RecoverResult, error) {
	status, ok := recoverStatus(req.Action)
	if !ok {
		return nil, fmt.Errorf("%w: unknown recover action %q", ErrInvalidInput, req.Action)
	}

	l := s.runLock(req.RunID)
	l.Lock()
	defer l.Unlock()

	row, err := s.client.Run.Get(ctx, req.RunID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, req.RunID)
		}
		return nil, fmt.Errorf("load run %s: %w: %w", req.RunID, ErrLedger, err)
	}
	if !models.RunStatus(row.Status).IsActive() {
		return nil, fmt.Errorf("%w: run %s is %s, recovery requires an active run", ErrInvalidState, req.RunID, row.Status)
	}

	if _, err := row.Update().
		SetStatus(entrun.Status(status)).
		SetFinishedAt(s.now()).
		Save(ctx); err != nil {
		return nil, fmt.Errorf("recover run %s: %w: %w", req.RunID, ErrLedger, err)
	}
	return &RecoverResult{RunID: req.RunID, NewStatus: status}, nil
}

// DeleteThread implements Store. Parts, messages, and runs go in one
// transaction.
func (s *EntStore) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.client.Tx(ctx)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w: %w", ErrLedger, err)
	}
	defer func() { _ = tx.Rollback() }()

	msgIDs, err := tx.Message.Query().
		Where(entmessage.ThreadIDEQ(threadID)).
		IDs(ctx)
	if err != nil {
		return fmt.Errorf("list thread messages: %w: %w", ErrLedger, err)
	}
	if len(msgIDs) > 0 {
		if _, err := tx.Part.Delete().
			Where(entpart.MessageIDIn(msgIDs...)).
			Exec(ctx); err != nil {
			return fmt.Errorf("delete thread parts: %w: %w", ErrLedger, err)
		}
	}
	if _, err := tx.Message.Delete().
		Where(entmessage.ThreadIDEQ(threadID)).
		Exec(ctx); err != nil {
		return fmt.Errorf("delete thread messages: %w: %w", ErrLedger, err)
	}
	if _, err := tx.Run.Delete().
		Where(entrun.ThreadIDEQ(threadID)).
		Exec(ctx); err != nil {
		return fmt.Errorf("delete thread runs: %w: %w", ErrLedger, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w: %w", ErrLedger, err)
	}
	return nil
}

// loadThread reads the thread's messages (parts in local order) and the run
// status map, producing the shared fork view.
func (s *EntStore) loadThread(ctx context.Context, threadID string) (*threadView, error) {
	rows, err := s.client.Message.Query().
		Where(entmessage.ThreadIDEQ(threadID)).
		Order(ent.Asc(entmessage.FieldOrdinal)).
		WithParts(func(q *ent.PartQuery) {
			q.Order(ent.Asc(entpart.FieldOrdinal))
		}).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load thread %s messages: %w: %w", threadID, ErrLedger, err)
	}

	runs, err := s.client.Run.Query().
		Where(entrun.ThreadIDEQ(threadID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load thread %s runs: %w: %w", threadID, ErrLedger, err)
	}
	statuses := make(map[string]models.RunStatus, len(runs))
	for _, r := range runs {
		statuses[r.ID] = models.RunStatus(r.Status)
	}

	treeRows := make([]treeRow, 0, len(rows))
	for _, row := range rows {
		msg, err := toCanonicalMessage(row)
		if err != nil {
			return nil, err
		}
		treeRows = append(treeRows, treeRow{msg: msg, runStatus: statuses[row.RunID]})
	}
	return newThreadView(treeRows), nil
}

func toRunRecord(row *ent.Run) *models.RunRecord {
	rec := &models.RunRecord{
		RunID:        row.ID,
		ThreadID:     row.ThreadID,
		StreamID:     row.StreamID,
		Status:       models.RunStatus(row.Status),
		CreatedAt:    row.CreatedAt,
		FinishedAt:   row.FinishedAt,
		MessageCount: row.MessageCount,
	}
	if row.ForkFromMessageID != nil {
		rec.ForkFromMessageID = *row.ForkFromMessageID
	}
	return rec
}

func toCanonicalMessage(row *ent.Message) (models.CanonicalMessage, error) {
	msg := models.CanonicalMessage{
		ID:        row.ID,
		RunID:     row.RunID,
		Role:      models.Role(row.Role),
		CreatedAt: row.CreatedAt,
		Metadata:  row.Metadata,
		Ordinal:   row.Ordinal,
	}
	if row.ParentMessageID != nil {
		msg.ParentMessageID = *row.ParentMessageID
	}
	for _, p := range row.Edges.Parts {
		var part models.Part
		if err := json.Unmarshal(p.Data, &part); err != nil {
			return models.CanonicalMessage{}, fmt.Errorf("decode part %d of message %s: %w", p.Ordinal, row.ID, err)
		}
		msg.Parts = append(msg.Parts, part)
	}
	return msg, nil
}
