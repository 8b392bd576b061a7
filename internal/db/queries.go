package db

import (
	"context"
	"errors"
	"time"

	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/relay"

	"github.com/jackc/pgx/v5"
)

const deviceColumns = `device_id, device_name, COALESCE(mac_address, ''), COALESCE(user_email, ''),
	COALESCE(ip_address, ''), is_online, last_seen`

func scanDevice(row pgx.Row) (*models.Device, error) {
	var dev models.Device
	err := row.Scan(&dev.DeviceID, &dev.DeviceName, &dev.MACAddress, &dev.UserEmail, &dev.IPAddress, &dev.IsOnline, &dev.LastSeen)
	if err != nil {
		return nil, notFound(err)
	}
	return &dev, nil
}

// GetDevice fetches a registered device by ID
func (d *DB) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	return scanDevice(d.pool.QueryRow(ctx, "SELECT "+deviceColumns+" FROM device_status WHERE device_id = $1", id))
}

// UpsertDevice registers a device or refreshes its attributes.
func (d *DB) UpsertDevice(ctx context.Context, dev *models.Device) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO device_status (device_id, device_name, mac_address, user_email, ip_address, is_online, last_seen)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		ON CONFLICT (device_id) DO UPDATE SET
			device_name = EXCLUDED.device_name,
			mac_address = COALESCE(EXCLUDED.mac_address, device_status.mac_address),
			user_email  = COALESCE(EXCLUDED.user_email, device_status.user_email),
			ip_address  = COALESCE(EXCLUDED.ip_address, device_status.ip_address),
			is_online   = EXCLUDED.is_online,
			last_seen   = EXCLUDED.last_seen`,
		dev.DeviceID, dev.DeviceName, dev.MACAddress, dev.UserEmail, dev.IPAddress, dev.IsOnline, dev.LastSeen)
	return err
}

// MarkSeen flags a device online as of at.
func (d *DB) MarkSeen(ctx context.Context, id string, at time.Time) error {
	tag, err := d.pool.Exec(ctx, "UPDATE device_status SET is_online = TRUE, last_seen = $2 WHERE device_id = $1", id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errcode.NotFound
	}
	return nil
}

// Slaves lists the slave controllers reachable through a master.
func (d *DB) Slaves(ctx context.Context, masterID string) ([]models.SlaveDevice, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT device_id, device_name, COALESCE(mac_address, ''), master_device_id, is_online, relay_names
		FROM device_status
		WHERE master_device_id = $1
		ORDER BY device_id`, masterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	slaves := []models.SlaveDevice{}
	for rows.Next() {
		var s models.SlaveDevice
		if err := rows.Scan(&s.DeviceID, &s.DeviceName, &s.MACAddress, &s.MasterDeviceID, &s.IsOnline, &s.RelayNames); err != nil {
			return nil, err
		}
		s.MACAddress = relay.NormalizeMAC(s.MACAddress)
		slaves = append(slaves, s)
	}
	return slaves, rows.Err()
}

// RelayStates flattens the master's and its slaves' state arrays into one
// entry per relay.
func (d *DB) RelayStates(ctx context.Context, masterID string) ([]models.RelayState, error) {
	var out []models.RelayState

	var doser, level, reserved []bool
	err := d.pool.QueryRow(ctx, `
		SELECT doser_relay_states, level_relay_states, reserved_relay_states
		FROM relay_master WHERE device_id = $1`, masterID).Scan(&doser, &level, &reserved)
	switch {
	case err == nil:
		master := make([]bool, 0, relay.MaxMasterRelay+1)
		master = append(master, pad(doser, 8)...)
		master = append(master, pad(level, 4)...)
		master = append(master, pad(reserved, 4)...)
		for i, on := range master {
			out = append(out, models.RelayState{RelayNumber: i, State: on})
		}
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}

	rows, err := d.pool.Query(ctx, `
		SELECT COALESCE(ds.mac_address, ''), rs.relay_states, rs.relay_has_timers, rs.relay_remaining_times
		FROM relay_slaves rs
		JOIN device_status ds ON ds.device_id = rs.device_id
		WHERE rs.master_device_id = $1`, masterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			mac       string
			states    []bool
			timers    []bool
			remaining []int32
		)
		if err := rows.Scan(&mac, &states, &timers, &remaining); err != nil {
			return nil, err
		}
		if mac == "" {
			continue
		}
		states, timers = pad(states, 8), pad(timers, 8)
		for i := 0; i <= relay.MaxSlaveRelay; i++ {
			st := models.RelayState{MAC: relay.NormalizeMAC(mac), RelayNumber: i, State: states[i], HasTimer: timers[i]}
			if i < len(remaining) {
				st.RemainingTime = int(remaining[i])
			}
			out = append(out, st)
		}
	}
	return out, rows.Err()
}

func pad(xs []bool, n int) []bool {
	if len(xs) >= n {
		return xs[:n]
	}
	return append(append([]bool{}, xs...), make([]bool, n-len(xs))...)
}

// InsertCommand persists a pending command and fills its id and timestamps.
func (d *DB) InsertCommand(ctx context.Context, c *models.RelayCommand) (int64, error) {
	err := d.pool.QueryRow(ctx, `
		INSERT INTO relay_commands (
			device_id, master_mac_address, user_email, target_device_id, slave_mac_address, slave_device_id,
			relay_number, action, duration_seconds, status, command_type, priority,
			triggered_by, rule_id, rule_name, created_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			$7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''), NULLIF($15, ''), $16)
		RETURNING id, created_at, updated_at`,
		c.DeviceID, c.MasterMACAddress, c.UserEmail, c.TargetDeviceID, c.SlaveMACAddress, c.SlaveDeviceID,
		c.RelayNumber, string(c.Action), c.DurationSeconds, string(c.Status), string(c.CommandType), c.Priority,
		c.TriggeredBy, c.RuleID, c.RuleName, c.CreatedBy,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return c.ID, nil
}

// Acks returns acknowledged commands of a master, newest first.
func (d *DB) Acks(ctx context.Context, f models.AckFilter) ([]models.Ack, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.pool.Query(ctx, `
		SELECT id, device_id, COALESCE(target_device_id, ''), COALESCE(slave_mac_address, ''),
			relay_number, action, status, created_at, updated_at
		FROM relay_commands
		WHERE device_id = $1
			AND status IN ('sent', 'completed', 'failed')
			AND ($2::bigint = 0 OR id = $2)
		ORDER BY updated_at DESC
		LIMIT $3`, f.MasterDeviceID, f.CommandID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	acks := []models.Ack{}
	for rows.Next() {
		var (
			a              models.Ack
			action, status string
		)
		if err := rows.Scan(&a.CommandID, &a.DeviceID, &a.TargetDeviceID, &a.SlaveMAC,
			&a.RelayNumber, &action, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Action = relay.Action(action)
		a.Status = models.CommandStatus(status)
		a.Success = a.Status == models.StatusCompleted
		acks = append(acks, a)
	}
	return acks, rows.Err()
}
