package models

import "time"

// Device 终端设备信息
// VendorID 由上游厂商分配，创建后不可变；其余展示字段可随同步更新
type Device struct {
	ID            int64      `json:"id" db:"id"`
	VendorID      string     `json:"vendor_id" db:"vendor_id"`
	Name          string     `json:"name" db:"name"`
	PlateNumber   string     `json:"plate_number,omitempty" db:"plate_number"`
	OwnerRef      string     `json:"owner_ref,omitempty" db:"owner_ref"` // 归属信息（组织/账户），不透明字符串
	Model         string     `json:"model,omitempty" db:"model"`
	Active        bool       `json:"active" db:"active"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty" db:"deactivated_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}
