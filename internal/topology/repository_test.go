package topology

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSQLiteRepository_PropertyRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(openTestDB(t).DB)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mustDo(t, repo.SaveConnector(ctx, &Connector{
		ID: "c1", Identifier: "tuya", Name: "Tuya", Type: "mqtt", State: ExecutionUnknown,
		CreatedAt: now, UpdatedAt: now,
	}))
	mustDo(t, repo.SaveDevice(ctx, &Device{
		ID: "d1", Identifier: "plug", ConnectorID: "c1", ConnectionState: StateUnknown,
		CreatedAt: now, UpdatedAt: now,
	}))

	want := &Property{
		ID: "p1", Identifier: "mode", Name: "Mode", Kind: KindDynamic, Owner: DeviceOwner("d1"),
		DataType: DataTypeEnum, Unit: "", Settable: true, Queryable: true,
		Format: CombinedEnum(
			CombinedItem{Device: "heat", Raw: 1.0, Mapped: "heating"},
			CombinedItem{Device: "cool", Raw: 2.0, Mapped: "cooling"},
		),
		CreatedAt: now, UpdatedAt: now,
	}
	mustDo(t, repo.SaveProperty(ctx, want))

	props, err := repo.ListProperties(ctx)
	mustDo(t, err)
	if len(props) != 1 {
		t.Fatalf("ListProperties() returned %d properties, want 1", len(props))
	}
	got := props[0]
	if got.Kind != KindDynamic || got.Owner != DeviceOwner("d1") || !got.Settable {
		t.Errorf("property = %+v, want dynamic settable device property", got)
	}
	if got.Format == nil || got.Format.Type != FormatCombinedEnum || len(got.Format.Items) != 2 {
		t.Fatalf("Format = %+v, want two-item combined enum", got.Format)
	}
	if got.Format.Transform("COOL") != "cooling" {
		t.Errorf("stored format does not transform COOL to cooling")
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestSQLiteRepository_UniqueAndForeignKeys(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(openTestDB(t).DB)
	now := time.Now().UTC()

	mustDo(t, repo.SaveConnector(ctx, &Connector{
		ID: "c1", Identifier: "tuya", Type: "mqtt", State: ExecutionUnknown, CreatedAt: now, UpdatedAt: now,
	}))

	err := repo.SaveConnector(ctx, &Connector{
		ID: "c2", Identifier: "tuya", Type: "mqtt", State: ExecutionUnknown, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate identifier error = %v, want ErrDuplicate", err)
	}

	err = repo.SaveDevice(ctx, &Device{
		ID: "d1", Identifier: "plug", ConnectorID: "missing", ConnectionState: StateUnknown,
		CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, ErrParentNotFound) {
		t.Errorf("missing connector error = %v, want ErrParentNotFound", err)
	}
}

func TestSQLiteRepository_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	f := seedFixture(t, reg)
	repo := reg.repo

	mustDo(t, repo.DeleteChannel(ctx, f.channel.ID))

	props, err := repo.ListProperties(ctx)
	mustDo(t, err)
	if len(props) != 1 || props[0].ID != f.manufacturer.ID {
		t.Errorf("after channel delete, properties = %v, want only manufacturer", props)
	}

	if err := repo.DeleteChannel(ctx, f.channel.ID); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("second delete error = %v, want ErrChannelNotFound", err)
	}
}

func TestSQLiteRepository_UpdatePropertyValueOnlyVariable(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	f := seedFixture(t, reg)
	repo := reg.repo

	mustDo(t, repo.UpdatePropertyValue(ctx, f.manufacturer.ID, "Shelly", time.Now()))

	err := repo.UpdatePropertyValue(ctx, f.temperature.ID, 21.5, time.Now())
	if !errors.Is(err, ErrPropertyNotFound) {
		t.Errorf("UpdatePropertyValue(dynamic) error = %v, want ErrPropertyNotFound", err)
	}
}

func TestSQLiteRepository_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(openTestDB(t).DB)
	now := time.Now().UTC()
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(tx Repository) error {
		if err := tx.SaveConnector(ctx, &Connector{
			ID: "c1", Identifier: "tuya", Type: "mqtt", State: ExecutionUnknown, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	connectors, err := repo.ListConnectors(ctx)
	mustDo(t, err)
	if len(connectors) != 0 {
		t.Errorf("connectors after rollback = %d, want 0", len(connectors))
	}
}
