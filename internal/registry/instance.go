package registry

import (
	"database/sql"
	"time"
)

// Instance is one launched VMM tracked across CLI runs.
type Instance struct {
	ID         string // VMM id, also the working/jail directory name
	Pid        int    // VMM process PID
	SocketPath string // control socket path on the host
	Chroot     string // chroot root for jailed instances, empty otherwise
	State      string // last known lifecycle state
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// InsertInstance saves a new Instance. The id must be unique.
func InsertInstance(db *sql.DB, inst *Instance) error {
	query := `
		INSERT INTO instances (id, pid, socket_path, chroot, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().Unix()
	_, err := db.Exec(query,
		inst.ID, inst.Pid, inst.SocketPath, inst.Chroot, inst.State, now, now)
	return err
}

// GetInstanceByID retrieves an Instance by id.
func GetInstanceByID(db *sql.DB, id string) (*Instance, error) {
	query := `SELECT id, pid, socket_path, chroot, state, created_at, updated_at FROM instances WHERE id = ?`
	row := db.QueryRow(query, id)

	var createdAt, updatedAt int64
	inst := &Instance{}
	err := row.Scan(&inst.ID, &inst.Pid, &inst.SocketPath, &inst.Chroot,
		&inst.State, &createdAt, &updatedAt)

	if err != nil {
		return nil, err
	}

	inst.CreatedAt = time.Unix(createdAt, 0)
	inst.UpdatedAt = time.Unix(updatedAt, 0)
	return inst, nil
}

// ListInstances retrieves all tracked Instances, newest first.
func ListInstances(db *sql.DB) ([]*Instance, error) {
	query := `SELECT id, pid, socket_path, chroot, state, created_at, updated_at FROM instances ORDER BY created_at DESC`
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		var createdAt, updatedAt int64
		inst := &Instance{}
		if err := rows.Scan(&inst.ID, &inst.Pid, &inst.SocketPath, &inst.Chroot,
			&inst.State, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		inst.CreatedAt = time.Unix(createdAt, 0)
		inst.UpdatedAt = time.Unix(updatedAt, 0)
		instances = append(instances, inst)
	}

	return instances, rows.Err()
}

// UpdateInstanceState records a state transition for an instance.
func UpdateInstanceState(db *sql.DB, id, state string) error {
	query := `UPDATE instances SET state = ?, updated_at = ? WHERE id = ?`
	_, err := db.Exec(query, state, time.Now().Unix(), id)
	return err
}

// DeleteInstance removes an Instance.
func DeleteInstance(db *sql.DB, id string) error {
	query := `DELETE FROM instances WHERE id = ?`
	_, err := db.Exec(query, id)
	return err
}
