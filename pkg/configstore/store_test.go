package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fwportal/settingdb/config"
	"github.com/fwportal/settingdb/consts"
	"github.com/fwportal/settingdb/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestStore(t *testing.T, secretKey string) *SettingsStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "store.sqlite"), secretKey)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func sampleConfig(name string) db.DatabaseConfig {
	return db.DatabaseConfig{
		Name:     name,
		Host:     "db-" + name + ".internal",
		Database: "portal",
		Username: "portal",
		Password: "s3cret-" + name,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleConfig("settingdb")))

	got, err := store.Get(ctx, "settingdb")
	require.NoError(t, err)
	assert.Equal(t, "db-settingdb.internal", got.Host)
	assert.Equal(t, "s3cret-settingdb", got.Password)
	assert.Equal(t, db.DefaultPort, got.Port)
	assert.Equal(t, db.DefaultConnectionTimeoutMs, got.ConnectionTimeoutMs)
	assert.Equal(t, db.DefaultSchema, got.Schema)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t, "")

	_, err := store.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrConfigNotFound))
	assert.Equal(t, db.KindNotFound, db.KindOf(err))
}

func TestPutRejectsInvalid(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*db.DatabaseConfig)
		field  string
	}{
		{"empty host", func(c *db.DatabaseConfig) { c.Host = "" }, "host"},
		{"bad port", func(c *db.DatabaseConfig) { c.Port = 70000 }, "port"},
		{"bad name", func(c *db.DatabaseConfig) { c.Name = "has space" }, "name"},
		{"bad ssl mode", func(c *db.DatabaseConfig) { c.SSLMode = "sometimes" }, "sslMode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sampleConfig("bad")
			tt.mutate(&cfg)
			err := store.Put(ctx, cfg)
			var verr *db.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestPutReplaceRequiresPassword(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleConfig("settingdb")))

	update := sampleConfig("settingdb")
	update.Host = "moved.internal"
	update.Password = ""
	err := store.Put(ctx, update)
	var verr *db.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password", verr.Field)

	got, err := store.Get(ctx, "settingdb")
	require.NoError(t, err)
	assert.Equal(t, "db-settingdb.internal", got.Host, "failed put must not change the record")

	update.Password = "new"
	require.NoError(t, store.Put(ctx, update))
	got, err = store.Get(ctx, "settingdb")
	require.NoError(t, err)
	assert.Equal(t, "moved.internal", got.Host)
	assert.Equal(t, "new", got.Password)
}

func TestPutNewRecordWithoutPassword(t *testing.T) {
	store := newTestStore(t, "")
	cfg := sampleConfig("trust")
	cfg.Password = ""
	require.NoError(t, store.Put(context.Background(), cfg))
}

func TestListOmitsPasswordsAndSkipsBrokenRows(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleConfig("b")))
	require.NoError(t, store.Put(ctx, sampleConfig("a")))
	require.NoError(t, store.backend.upsertValue(ctx, consts.SettingsCategoryData, "broken", []byte(`{"host":""}`)))

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "a", summaries[0].Name)
	assert.Equal(t, "b", summaries[1].Name)
	assert.True(t, summaries[0].HasPassword)
	assert.False(t, summaries[0].UpdatedAt.IsZero())

	raw, err := json.Marshal(summaries)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")

	_, err = store.Get(ctx, "broken")
	var verr *db.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleConfig("gone")))
	require.NoError(t, store.Delete(ctx, "gone"))

	_, err := store.Get(ctx, "gone")
	assert.ErrorIs(t, err, db.ErrConfigNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "gone"), db.ErrConfigNotFound)
}

func TestActiveMarker(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	_, err := store.GetActiveMarker(ctx)
	require.ErrorIs(t, err, db.ErrConfigNotFound)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetActiveMarker(ctx, ActiveMarker{Name: "settingdb", ActivatedAt: at, ActivatedBy: "ops"}))
	require.NoError(t, store.SetActiveMarker(ctx, ActiveMarker{Name: "fallback", ActivatedAt: at.Add(time.Minute), ActivationID: "abc"}))

	marker, err := store.GetActiveMarker(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fallback", marker.Name)
	assert.Equal(t, "abc", marker.ActivationID)
	assert.True(t, marker.ActivatedAt.Equal(at.Add(time.Minute)))

	assert.Error(t, store.SetActiveMarker(ctx, ActiveMarker{}))
}

func TestUpdatedAtIncreases(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleConfig("x")))
	first, err := store.backend.getValue(ctx, consts.SettingsCategoryData, "x")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(ctx, sampleConfig("x")))
	}
	last, err := store.backend.getValue(ctx, consts.SettingsCategoryData, "x")
	require.NoError(t, err)
	assert.True(t, last.UpdatedAt.After(first.UpdatedAt))
}

func TestConcurrentPutsSameName(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg := sampleConfig("race")
			cfg.Port = 5400 + i
			assert.NoError(t, store.Put(ctx, cfg))
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "race")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Port, 5400)
	assert.Less(t, got.Port, 5408)
}

func TestSealedPasswords(t *testing.T) {
	store := newTestStore(t, testKey)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleConfig("sealed")))

	row, err := store.backend.getValue(ctx, consts.SettingsCategoryData, "sealed")
	require.NoError(t, err)
	assert.NotContains(t, string(row.Value), "s3cret-sealed")
	assert.Contains(t, string(row.Value), sealedPrefix)

	got, err := store.Get(ctx, "sealed")
	require.NoError(t, err)
	assert.Equal(t, "s3cret-sealed", got.Password)

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].HasPassword)
}

func TestSealedPasswordWithoutKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.sqlite")
	ctx := context.Background()

	sealedStore, err := NewSQLiteStore(ctx, path, testKey)
	require.NoError(t, err)
	require.NoError(t, sealedStore.Put(ctx, sampleConfig("sealed")))
	sealedStore.Close()

	plainStore, err := NewSQLiteStore(ctx, path, "")
	require.NoError(t, err)
	defer plainStore.Close()

	_, err = plainStore.Get(ctx, "sealed")
	var verr *db.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password", verr.Field)
}

func TestSeed(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	written, err := Seed(ctx, store, sampleConfig("seeded"))
	require.NoError(t, err)
	assert.True(t, written)

	changed := sampleConfig("seeded")
	changed.Host = "other"
	written, err = Seed(ctx, store, changed)
	require.NoError(t, err)
	assert.False(t, written)

	got, err := store.Get(ctx, "seeded")
	require.NoError(t, err)
	assert.Equal(t, "db-seeded.internal", got.Host)
}

func TestSealer(t *testing.T) {
	s, err := newSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.seal("hunter2")
	require.NoError(t, err)
	assert.True(t, isSealed(sealed))

	again, err := s.seal("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	plain, err := s.open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	other, err := newSealer(strings.Repeat("ff", 32))
	require.NoError(t, err)
	_, err = other.open(sealed)
	assert.Error(t, err)

	_, err = s.open(sealedPrefix + "AAAA")
	assert.Error(t, err)

	none, err := newSealer("")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = newSealer("abcd")
	assert.Error(t, err)
	_, err = newSealer(strings.Repeat("zz", 32))
	assert.Error(t, err)
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), config.ConfigStoreConfig{Driver: "mysql"})
	assert.Error(t, err)
}
