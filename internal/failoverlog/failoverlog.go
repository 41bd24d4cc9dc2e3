// Package failoverlog persists the append-only failover audit trail and
// serves paginated history reads for admin surfaces.
package failoverlog

import (
	"context"
	"time"

	"github.com/relaypool/relaypool/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Recorder appends failover audit rows.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder constructs a Recorder.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record appends one audit row. Failures are logged and swallowed so an
// audit write can never fail a request that might still recover.
func (r *Recorder) Record(ctx context.Context, entry models.FailoverLog) {
	if errCreate := r.db.WithContext(ctx).Create(&entry).Error; errCreate != nil {
		log.WithError(errCreate).WithFields(log.Fields{
			"group_id":   entry.GroupID,
			"request_id": entry.RequestID,
		}).Warn("failoverlog: append failed")
	}
}

// Filter narrows a history query. Zero values mean no constraint.
type Filter struct {
	GroupID     uint64                // Restrict to one group.
	ServiceType string                // Restrict to one service type.
	Reason      models.FailoverReason // Restrict to one failure class.
	From        time.Time             // Inclusive lower bound on creation time.
	To          time.Time             // Exclusive upper bound on creation time.
	Page        int                   // 1-based page number.
	PageSize    int                   // Rows per page, capped at 200.
}

// List returns a page of audit rows, newest first, plus the total match count.
func (r *Recorder) List(ctx context.Context, filter Filter) ([]models.FailoverLog, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.FailoverLog{})
	if filter.GroupID > 0 {
		query = query.Where("group_id = ?", filter.GroupID)
	}
	if filter.ServiceType != "" {
		query = query.Where("service_type = ?", filter.ServiceType)
	}
	if filter.Reason != "" {
		query = query.Where("reason = ?", filter.Reason)
	}
	if !filter.From.IsZero() {
		query = query.Where("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("created_at < ?", filter.To)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		return nil, 0, errCount
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}

	var rows []models.FailoverLog
	if errFind := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; errFind != nil {
		return nil, 0, errFind
	}
	return rows, total, nil
}
