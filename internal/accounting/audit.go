package accounting

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doorman-gateway/accounting/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type auditKey struct{}

// AuditInfo identifies who triggered a mutation.
type AuditInfo struct {
	Actor     string
	RequestID string
}

// WithAudit attaches audit information to ctx.
func WithAudit(ctx context.Context, info AuditInfo) context.Context {
	return context.WithValue(ctx, auditKey{}, info)
}

func auditFrom(ctx context.Context) AuditInfo {
	if ctx == nil {
		return AuditInfo{}
	}
	info, _ := ctx.Value(auditKey{}).(AuditInfo)
	return info
}

// balanceEvent describes one row appended to the balance audit log.
type balanceEvent struct {
	kind         Kind
	username     string
	groupID      string
	eventType    models.BalanceEventType
	delta        int64
	balanceAfter int64
	detail       map[string]any
}

func recordEvent(ctx context.Context, tx *gorm.DB, now time.Time, ev balanceEvent) error {
	info := auditFrom(ctx)
	row := models.BalanceEvent{
		ID:           uuid.NewString(),
		Kind:         string(ev.kind),
		Username:     ev.username,
		GroupID:      ev.groupID,
		EventType:    ev.eventType,
		Delta:        ev.delta,
		BalanceAfter: ev.balanceAfter,
		Actor:        info.Actor,
		RequestID:    info.RequestID,
		CreatedAt:    now,
	}
	if len(ev.detail) > 0 {
		raw, errMarshal := json.Marshal(ev.detail)
		if errMarshal != nil {
			return errMarshal
		}
		row.Detail = datatypes.JSON(raw)
	}
	return tx.Create(&row).Error
}

// ListEvents returns a user's balance audit trail, newest first.
func (s *Service) ListEvents(ctx context.Context, kind Kind, username string, page PageRequest) ([]Event, PageInfo, error) {
	name, errName := normalizeUsername(username)
	if errName != nil {
		return nil, PageInfo{}, errName
	}
	page, errPage := page.Normalize()
	if errPage != nil {
		return nil, PageInfo{}, errPage
	}

	var rows []models.BalanceEvent
	errFind := s.db.WithContext(ctx).
		Where("kind = ? AND username = ?", string(kind), name).
		Order("created_at DESC, id DESC").
		Offset(page.offset()).
		Limit(page.PageSize + 1).
		Find(&rows).Error
	if errFind != nil {
		return nil, PageInfo{}, storeError("list events", errFind)
	}
	rows, info := trimPage(rows, page)

	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		ev := Event{
			ID:           row.ID,
			Username:     row.Username,
			GroupID:      row.GroupID,
			Type:         string(row.EventType),
			Delta:        row.Delta,
			BalanceAfter: row.BalanceAfter,
			Actor:        row.Actor,
			RequestID:    row.RequestID,
			CreatedAt:    row.CreatedAt,
		}
		if len(row.Detail) > 0 {
			_ = json.Unmarshal(row.Detail, &ev.Detail)
		}
		out = append(out, ev)
	}
	return out, info, nil
}
