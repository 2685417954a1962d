package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/fleetgazer/internal/models"
)

const deviceColumns = `id, vendor_id, name, plate_number, owner_ref, model, active, last_seen_at, deactivated_at, created_at, updated_at`

// DeviceRepository 设备数据仓库
type DeviceRepository struct {
	db *DB
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Upsert 按厂商 ID 创建或更新设备，再次出现的设备重新激活
func (r *DeviceRepository) Upsert(ctx context.Context, d *models.Device) error {
	query := `
		INSERT INTO devices (vendor_id, name, plate_number, owner_ref, model, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
		ON CONFLICT (vendor_id) DO UPDATE SET
			name = EXCLUDED.name,
			plate_number = EXCLUDED.plate_number,
			owner_ref = EXCLUDED.owner_ref,
			model = EXCLUDED.model,
			active = TRUE,
			deactivated_at = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + deviceColumns
	now := time.Now()
	row := r.db.Pool.QueryRow(ctx, query, d.VendorID, d.Name, d.PlateNumber, d.OwnerRef, d.Model, now)
	if err := scanDevice(row, d); err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// DeactivateMissing 软下线本次列表中未出现的设备，不做物理删除
func (r *DeviceRepository) DeactivateMissing(ctx context.Context, seenVendorIDs []string) (int64, error) {
	query := `
		UPDATE devices SET active = FALSE, deactivated_at = NOW(), updated_at = NOW()
		WHERE active AND NOT (vendor_id = ANY($1))
	`
	tag, err := r.db.Pool.Exec(ctx, query, seenVendorIDs)
	if err != nil {
		return 0, fmt.Errorf("deactivate missing devices: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetByID 通过 ID 获取设备
func (r *DeviceRepository) GetByID(ctx context.Context, id int64) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	d := &models.Device{}
	if err := scanDevice(r.db.Pool.QueryRow(ctx, query, id), d); err != nil {
		return nil, fmt.Errorf("get device by id: %w", notFound(err))
	}
	return d, nil
}

// GetByVendorID 通过厂商 ID 获取设备
func (r *DeviceRepository) GetByVendorID(ctx context.Context, vendorID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE vendor_id = $1`
	d := &models.Device{}
	if err := scanDevice(r.db.Pool.QueryRow(ctx, query, vendorID), d); err != nil {
		return nil, fmt.Errorf("get device by vendor_id: %w", notFound(err))
	}
	return d, nil
}

// List 获取设备列表
func (r *DeviceRepository) List(ctx context.Context, activeOnly bool) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE ($1 = FALSE OR active) ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d := &models.Device{}
		if err := scanDevice(rows, d); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListActive 获取在用设备
func (r *DeviceRepository) ListActive(ctx context.Context) ([]*models.Device, error) {
	return r.List(ctx, true)
}

// TouchLastSeen 更新最后上报时间，只前进不后退
func (r *DeviceRepository) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE devices SET last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2)
		WHERE id = $1
	`
	if _, err := r.db.Pool.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("touch device last_seen_at: %w", err)
	}
	return nil
}

func scanDevice(row pgx.Row, d *models.Device) error {
	return row.Scan(
		&d.ID,
		&d.VendorID,
		&d.Name,
		&d.PlateNumber,
		&d.OwnerRef,
		&d.Model,
		&d.Active,
		&d.LastSeenAt,
		&d.DeactivatedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
}
