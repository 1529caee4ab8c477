package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
)

// PostgresStore implements DeviceRegistryStore, SchedulerSessionStore, and
// TestReportStore over a single connection pool with plain database/sql and
// raw SQL, no ORM.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn and verifies connectivity with a ping.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// GetDevice looks up a device registry row by DevEUI.
func (s *PostgresStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (DeviceRegistryRow, error) {
	const query = `
		SELECT dev_eui, app_eui, app_key, command
		FROM device_registry
		WHERE dev_eui = $1`

	var row DeviceRegistryRow
	var devEUIBytes, appEUIBytes, appKeyBytes []byte
	err := s.db.QueryRowContext(ctx, query, devEUI[:]).Scan(&devEUIBytes, &appEUIBytes, &appKeyBytes, &row.Command)
	if err == sql.ErrNoRows {
		return DeviceRegistryRow{}, ErrNotFound
	}
	if err != nil {
		return DeviceRegistryRow{}, fmt.Errorf("storage: get device: %w", err)
	}
	copy(row.DevEUI[:], devEUIBytes)
	copy(row.AppEUI[:], appEUIBytes)
	copy(row.AppKey[:], appKeyBytes)
	return row, nil
}

// GetSession looks up a scheduler session row by DevEUI.
func (s *PostgresStore) GetSession(ctx context.Context, devEUI lorawan.EUI64) (SchedulerSessionRow, error) {
	const query = `
		SELECT dev_eui, dev_addr, app_s_key, nwk_s_key, f_cnt_up, f_cnt_down, last_join_accept
		FROM scheduler_sessions
		WHERE dev_eui = $1`

	var row SchedulerSessionRow
	var devEUIBytes, devAddrBytes, appSKeyBytes, nwkSKeyBytes []byte
	err := s.db.QueryRowContext(ctx, query, devEUI[:]).Scan(
		&devEUIBytes, &devAddrBytes, &appSKeyBytes, &nwkSKeyBytes,
		&row.FCntUp, &row.FCntDown, &row.LastJoinAccept,
	)
	if err == sql.ErrNoRows {
		return SchedulerSessionRow{}, ErrNotFound
	}
	if err != nil {
		return SchedulerSessionRow{}, fmt.Errorf("storage: get session: %w", err)
	}
	copy(row.DevEUI[:], devEUIBytes)
	copy(row.DevAddr[:], devAddrBytes)
	copy(row.AppSKey[:], appSKeyBytes)
	copy(row.NwkSKey[:], nwkSKeyBytes)

	row.UsedDevNonces, err = s.getUsedDevNonces(ctx, devEUI)
	if err != nil {
		return SchedulerSessionRow{}, err
	}
	return row, nil
}

func (s *PostgresStore) getUsedDevNonces(ctx context.Context, devEUI lorawan.EUI64) ([][2]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT dev_nonce FROM scheduler_session_devnonces WHERE dev_eui = $1`, devEUI[:])
	if err != nil {
		return nil, fmt.Errorf("storage: get used devnonces: %w", err)
	}
	defer rows.Close()

	var nonces [][2]byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("storage: scan devnonce: %w", err)
		}
		var nonce [2]byte
		copy(nonce[:], b)
		nonces = append(nonces, nonce)
	}
	return nonces, rows.Err()
}

// GetSessionByDevAddr looks up a scheduler session row by its current
// DevAddr, for routing a data uplink back to its owning DevEUI.
func (s *PostgresStore) GetSessionByDevAddr(ctx context.Context, devAddr lorawan.DevAddr) (SchedulerSessionRow, error) {
	const query = `
		SELECT dev_eui, dev_addr, app_s_key, nwk_s_key, f_cnt_up, f_cnt_down, last_join_accept
		FROM scheduler_sessions
		WHERE dev_addr = $1`

	var row SchedulerSessionRow
	var devEUIBytes, devAddrBytes, appSKeyBytes, nwkSKeyBytes []byte
	err := s.db.QueryRowContext(ctx, query, devAddr[:]).Scan(
		&devEUIBytes, &devAddrBytes, &appSKeyBytes, &nwkSKeyBytes,
		&row.FCntUp, &row.FCntDown, &row.LastJoinAccept,
	)
	if err == sql.ErrNoRows {
		return SchedulerSessionRow{}, ErrNotFound
	}
	if err != nil {
		return SchedulerSessionRow{}, fmt.Errorf("storage: get session by devaddr: %w", err)
	}
	copy(row.DevEUI[:], devEUIBytes)
	copy(row.DevAddr[:], devAddrBytes)
	copy(row.AppSKey[:], appSKeyBytes)
	copy(row.NwkSKey[:], nwkSKeyBytes)

	row.UsedDevNonces, err = s.getUsedDevNonces(ctx, row.DevEUI)
	if err != nil {
		return SchedulerSessionRow{}, err
	}
	return row, nil
}

// SaveSession upserts row and its used-DevNonce set.
func (s *PostgresStore) SaveSession(ctx context.Context, row SchedulerSessionRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: save session: begin: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
		INSERT INTO scheduler_sessions (dev_eui, dev_addr, app_s_key, nwk_s_key, f_cnt_up, f_cnt_down, last_join_accept)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dev_eui) DO UPDATE SET
			dev_addr = EXCLUDED.dev_addr,
			app_s_key = EXCLUDED.app_s_key,
			nwk_s_key = EXCLUDED.nwk_s_key,
			f_cnt_up = EXCLUDED.f_cnt_up,
			f_cnt_down = EXCLUDED.f_cnt_down,
			last_join_accept = EXCLUDED.last_join_accept`

	if _, err := tx.ExecContext(ctx, upsert,
		row.DevEUI[:], row.DevAddr[:], row.AppSKey[:], row.NwkSKey[:],
		row.FCntUp, row.FCntDown, row.LastJoinAccept,
	); err != nil {
		return fmt.Errorf("storage: save session: upsert: %w", err)
	}

	for _, nonce := range row.UsedDevNonces {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scheduler_session_devnonces (dev_eui, dev_nonce) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			row.DevEUI[:], nonce[:],
		); err != nil {
			return fmt.Errorf("storage: save session: devnonce: %w", err)
		}
	}

	return tx.Commit()
}

// SaveReport inserts one terminated test case's verdict, assigning a fresh
// row ID if row.ID is the zero UUID.
func (s *PostgresStore) SaveReport(ctx context.Context, row TestReportRow) error {
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	const query = `
		INSERT INTO test_reports (id, test_case, step, verdict, description, last_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query, row.ID, row.TestCase, row.Step, row.Verdict, row.Description, row.LastMessage, row.Timestamp)
	if err != nil {
		return fmt.Errorf("storage: save report: %w", err)
	}
	return nil
}
