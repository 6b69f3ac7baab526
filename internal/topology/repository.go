package topology

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/database"
)

// Repository is the persistent store behind the Registry.
// Save methods insert or update by ID.
type Repository interface {
	ListConnectors(ctx context.Context) ([]Connector, error)
	ListDevices(ctx context.Context) ([]Device, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	ListProperties(ctx context.Context) ([]Property, error)
	ListControls(ctx context.Context) ([]Control, error)

	SaveConnector(ctx context.Context, c *Connector) error
	SaveDevice(ctx context.Context, d *Device) error
	SaveChannel(ctx context.Context, c *Channel) error
	SaveProperty(ctx context.Context, p *Property) error
	SaveControl(ctx context.Context, c *Control) error

	// Deletes cascade to everything the entity owns.
	DeleteConnector(ctx context.Context, id string) error
	DeleteDevice(ctx context.Context, id string) error
	DeleteChannel(ctx context.Context, id string) error
	DeleteProperty(ctx context.Context, id string) error
	DeleteControl(ctx context.Context, id string) error

	UpdateConnectorState(ctx context.Context, id string, state ExecutionState, at time.Time) error
	UpdateDeviceConnectionState(ctx context.Context, id string, state ConnectionState, at time.Time) error
	UpdatePropertyValue(ctx context.Context, id string, value any, at time.Time) error

	// WithTx runs fn against a repository bound to one transaction.
	WithTx(ctx context.Context, fn func(repo Repository) error) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, q: db}
}

// WithTx runs fn inside a transaction. Nested calls reuse the outer transaction.
func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(repo Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(&SQLiteRepository{db: r.db, q: tx, inTx: true})
	})
}

// ListConnectors returns all connectors ordered by identifier.
func (r *SQLiteRepository) ListConnectors(ctx context.Context) ([]Connector, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, identifier, name, type, enabled, state, created_at, updated_at
		FROM connectors
		ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("querying connectors: %w", err)
	}
	defer rows.Close()

	var connectors []Connector
	for rows.Next() {
		var c Connector
		var enabled int
		var state, createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Identifier, &c.Name, &c.Type, &enabled, &state, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning connector: %w", err)
		}
		c.Enabled = enabled != 0
		c.State = ExecutionState(state)
		if c.CreatedAt, c.UpdatedAt, err = parseTimestamps(createdAt, updatedAt); err != nil {
			return nil, err
		}
		connectors = append(connectors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connectors: %w", err)
	}
	return connectors, nil
}

// ListDevices returns all devices with their parent references.
func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]Device, error) {
	parents, err := r.loadDeviceParents(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, identifier, connector_id, name, connection_state, created_at, updated_at
		FROM devices
		ORDER BY connector_id, identifier`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var state, createdAt, updatedAt string
		if err := rows.Scan(&d.ID, &d.Identifier, &d.ConnectorID, &d.Name, &state, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		d.ConnectionState = ConnectionState(state)
		d.Parents = parents[d.ID]
		if d.CreatedAt, d.UpdatedAt, err = parseTimestamps(createdAt, updatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

func (r *SQLiteRepository) loadDeviceParents(ctx context.Context) (map[string][]string, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT device_id, parent_id FROM device_parents ORDER BY device_id, parent_id")
	if err != nil {
		return nil, fmt.Errorf("querying device parents: %w", err)
	}
	defer rows.Close()

	parents := make(map[string][]string)
	for rows.Next() {
		var deviceID, parentID string
		if err := rows.Scan(&deviceID, &parentID); err != nil {
			return nil, fmt.Errorf("scanning device parent: %w", err)
		}
		parents[deviceID] = append(parents[deviceID], parentID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device parents: %w", err)
	}
	return parents, nil
}

// ListChannels returns all channels.
func (r *SQLiteRepository) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, identifier, device_id, name, created_at, updated_at
		FROM channels
		ORDER BY device_id, identifier`)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var c Channel
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Identifier, &c.DeviceID, &c.Name, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		if c.CreatedAt, c.UpdatedAt, err = parseTimestamps(createdAt, updatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channels: %w", err)
	}
	return channels, nil
}

// ListProperties returns all properties.
func (r *SQLiteRepository) ListProperties(ctx context.Context) ([]Property, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, identifier, name, kind, connector_id, device_id, channel_id,
			data_type, format, unit, settable, queryable, value, parent_id, virtual,
			created_at, updated_at
		FROM properties
		ORDER BY identifier, id`)
	if err != nil {
		return nil, fmt.Errorf("querying properties: %w", err)
	}
	defer rows.Close()

	var properties []Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning property: %w", err)
		}
		properties = append(properties, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating properties: %w", err)
	}
	return properties, nil
}

// ListControls returns all controls.
func (r *SQLiteRepository) ListControls(ctx context.Context) ([]Control, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, identifier, name, connector_id, device_id, channel_id, created_at
		FROM controls
		ORDER BY identifier, id`)
	if err != nil {
		return nil, fmt.Errorf("querying controls: %w", err)
	}
	defer rows.Close()

	var controls []Control
	for rows.Next() {
		var c Control
		var connectorID, deviceID, channelID sql.NullString
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Identifier, &c.Name, &connectorID, &deviceID, &channelID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning control: %w", err)
		}
		c.Owner = ownerFromColumns(connectorID, deviceID, channelID)
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		controls = append(controls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating controls: %w", err)
	}
	return controls, nil
}

// SaveConnector inserts or updates a connector.
func (r *SQLiteRepository) SaveConnector(ctx context.Context, c *Connector) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO connectors (id, identifier, name, type, enabled, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			identifier = excluded.identifier,
			name = excluded.name,
			type = excluded.type,
			enabled = excluded.enabled,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		c.ID, c.Identifier, c.Name, c.Type, boolToInt(c.Enabled), string(c.State),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return wrapWriteError("saving connector", err)
	}
	return nil
}

// SaveDevice inserts or updates a device and replaces its parent references.
func (r *SQLiteRepository) SaveDevice(ctx context.Context, d *Device) error {
	return r.WithTx(ctx, func(repo Repository) error {
		q := repo.(*SQLiteRepository).q

		_, err := q.ExecContext(ctx, `
			INSERT INTO devices (id, identifier, connector_id, name, connection_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				identifier = excluded.identifier,
				connector_id = excluded.connector_id,
				name = excluded.name,
				connection_state = excluded.connection_state,
				updated_at = excluded.updated_at`,
			d.ID, d.Identifier, d.ConnectorID, d.Name, string(d.ConnectionState),
			formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
		)
		if err != nil {
			return wrapWriteError("saving device", err)
		}

		if _, err := q.ExecContext(ctx, "DELETE FROM device_parents WHERE device_id = ?", d.ID); err != nil {
			return fmt.Errorf("clearing device parents: %w", err)
		}
		for _, parentID := range d.Parents {
			if _, err := q.ExecContext(ctx,
				"INSERT INTO device_parents (device_id, parent_id) VALUES (?, ?)", d.ID, parentID,
			); err != nil {
				return wrapWriteError("saving device parent", err)
			}
		}
		return nil
	})
}

// SaveChannel inserts or updates a channel.
func (r *SQLiteRepository) SaveChannel(ctx context.Context, c *Channel) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO channels (id, identifier, device_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			identifier = excluded.identifier,
			device_id = excluded.device_id,
			name = excluded.name,
			updated_at = excluded.updated_at`,
		c.ID, c.Identifier, c.DeviceID, c.Name, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return wrapWriteError("saving channel", err)
	}
	return nil
}

// SaveProperty inserts or updates a property.
func (r *SQLiteRepository) SaveProperty(ctx context.Context, p *Property) error {
	formatJSON, err := marshalNullable(p.Format)
	if err != nil {
		return fmt.Errorf("marshalling format: %w", err)
	}
	valueJSON, err := marshalNullable(p.Value)
	if err != nil {
		return fmt.Errorf("marshalling value: %w", err)
	}
	connectorID, deviceID, channelID := ownerColumns(p.Owner)

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO properties (
			id, identifier, name, kind, connector_id, device_id, channel_id,
			data_type, format, unit, settable, queryable, value, parent_id, virtual,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			identifier = excluded.identifier,
			name = excluded.name,
			kind = excluded.kind,
			connector_id = excluded.connector_id,
			device_id = excluded.device_id,
			channel_id = excluded.channel_id,
			data_type = excluded.data_type,
			format = excluded.format,
			unit = excluded.unit,
			settable = excluded.settable,
			queryable = excluded.queryable,
			value = excluded.value,
			parent_id = excluded.parent_id,
			virtual = excluded.virtual,
			updated_at = excluded.updated_at`,
		p.ID, p.Identifier, p.Name, string(p.Kind), connectorID, deviceID, channelID,
		string(p.DataType), formatJSON, nullableString(p.Unit),
		boolToInt(p.Settable), boolToInt(p.Queryable), valueJSON,
		nullableString(p.ParentID), boolToInt(p.Virtual),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return wrapWriteError("saving property", err)
	}
	return nil
}

// SaveControl inserts or updates a control.
func (r *SQLiteRepository) SaveControl(ctx context.Context, c *Control) error {
	connectorID, deviceID, channelID := ownerColumns(c.Owner)
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO controls (id, identifier, name, connector_id, device_id, channel_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			identifier = excluded.identifier,
			name = excluded.name`,
		c.ID, c.Identifier, c.Name, connectorID, deviceID, channelID, formatTime(c.CreatedAt),
	)
	if err != nil {
		return wrapWriteError("saving control", err)
	}
	return nil
}

// DeleteConnector removes a connector and everything it owns.
func (r *SQLiteRepository) DeleteConnector(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "connectors", id, ErrConnectorNotFound)
}

// DeleteDevice removes a device and everything it owns.
func (r *SQLiteRepository) DeleteDevice(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "devices", id, ErrDeviceNotFound)
}

// DeleteChannel removes a channel and its properties and controls.
func (r *SQLiteRepository) DeleteChannel(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "channels", id, ErrChannelNotFound)
}

// DeleteProperty removes a property and the mapped properties built on it.
func (r *SQLiteRepository) DeleteProperty(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "properties", id, ErrPropertyNotFound)
}

// DeleteControl removes a control.
func (r *SQLiteRepository) DeleteControl(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "controls", id, ErrControlNotFound)
}

// UpdateConnectorState sets a connector's execution state.
func (r *SQLiteRepository) UpdateConnectorState(ctx context.Context, id string, state ExecutionState, at time.Time) error {
	return r.updateByID(ctx, "UPDATE connectors SET state = ?, updated_at = ? WHERE id = ?",
		ErrConnectorNotFound, string(state), formatTime(at), id)
}

// UpdateDeviceConnectionState sets a device's connection state.
func (r *SQLiteRepository) UpdateDeviceConnectionState(ctx context.Context, id string, state ConnectionState, at time.Time) error {
	return r.updateByID(ctx, "UPDATE devices SET connection_state = ?, updated_at = ? WHERE id = ?",
		ErrDeviceNotFound, string(state), formatTime(at), id)
}

// UpdatePropertyValue sets a variable property's stored value.
func (r *SQLiteRepository) UpdatePropertyValue(ctx context.Context, id string, value any, at time.Time) error {
	valueJSON, err := marshalNullable(value)
	if err != nil {
		return fmt.Errorf("marshalling value: %w", err)
	}
	return r.updateByID(ctx, "UPDATE properties SET value = ?, updated_at = ? WHERE id = ? AND kind = 'variable'",
		ErrPropertyNotFound, valueJSON, formatTime(at), id)
}

// deleteByID runs a DELETE; table names are package constants, never user input.
func (r *SQLiteRepository) deleteByID(ctx context.Context, table, id string, notFound error) error {
	return r.updateByID(ctx, "DELETE FROM "+table+" WHERE id = ?", notFound, id)
}

func (r *SQLiteRepository) updateByID(ctx context.Context, query string, notFound error, args ...any) error {
	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing %q: %w", strings.Fields(query)[0], err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

// rowScanner is satisfied by sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProperty(scanner rowScanner) (*Property, error) {
	var p Property
	var kind, dataType, createdAt, updatedAt string
	var connectorID, deviceID, channelID sql.NullString
	var formatJSON, unit, valueJSON, parentID sql.NullString
	var settable, queryable, virtual int

	err := scanner.Scan(
		&p.ID, &p.Identifier, &p.Name, &kind, &connectorID, &deviceID, &channelID,
		&dataType, &formatJSON, &unit, &settable, &queryable, &valueJSON, &parentID, &virtual,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Kind = Kind(kind)
	p.DataType = DataType(dataType)
	p.Owner = ownerFromColumns(connectorID, deviceID, channelID)
	p.Unit = unit.String
	p.ParentID = parentID.String
	p.Settable = settable != 0
	p.Queryable = queryable != 0
	p.Virtual = virtual != 0

	if formatJSON.Valid {
		var f Format
		if err := json.Unmarshal([]byte(formatJSON.String), &f); err != nil {
			return nil, fmt.Errorf("unmarshalling format: %w", err)
		}
		p.Format = &f
	}
	if valueJSON.Valid {
		if err := json.Unmarshal([]byte(valueJSON.String), &p.Value); err != nil {
			return nil, fmt.Errorf("unmarshalling value: %w", err)
		}
	}

	if p.CreatedAt, p.UpdatedAt, err = parseTimestamps(createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func ownerColumns(o Owner) (connectorID, deviceID, channelID sql.NullString) {
	id := sql.NullString{String: o.ID, Valid: o.ID != ""}
	switch o.Scope {
	case ScopeConnector:
		connectorID = id
	case ScopeDevice:
		deviceID = id
	case ScopeChannel:
		channelID = id
	}
	return connectorID, deviceID, channelID
}

func ownerFromColumns(connectorID, deviceID, channelID sql.NullString) Owner {
	switch {
	case channelID.Valid:
		return ChannelOwner(channelID.String)
	case deviceID.Valid:
		return DeviceOwner(deviceID.String)
	default:
		return ConnectorOwner(connectorID.String)
	}
}

func parseTimestamps(createdAt, updatedAt string) (created, updated time.Time, err error) {
	if created, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return created, updated, fmt.Errorf("parsing created_at: %w", err)
	}
	if updated, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return created, updated, fmt.Errorf("parsing updated_at: %w", err)
	}
	return created, updated, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// marshalNullable stores nil as SQL NULL and anything else as JSON text.
func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if f, ok := v.(*Format); ok && f == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// wrapWriteError maps SQLite unique violations to ErrDuplicate.
func wrapWriteError(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	if strings.Contains(msg, "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%s: %w", op, ErrParentNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
