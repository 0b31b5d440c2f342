package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"deploy-restart-agent/internal/model"
)

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

// newSQLiteStore opens a private in-memory database with the schema migrated.
func newSQLiteStore(t *testing.T) Store {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", regexp.MustCompile(`\W`).ReplaceAllString(t.Name(), "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.Target{}, &model.PushSubscription{}, &model.NotificationRecord{}))
	return NewGormStore(db)
}

func TestGormStore_GetTarget(t *testing.T) {
	testCases := []struct {
		name             string
		mockExpectations func(mock sqlmock.Sqlmock)
		expectedHost     string
		expectNotFound   bool
		expectErr        bool
	}{
		{
			name: "found",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT \* FROM "targets" WHERE name = \$1 ORDER BY "targets"."name" LIMIT \$2`).
					WithArgs("prod", 1).
					WillReturnRows(sqlmock.NewRows([]string{"name", "host", "port", "user", "script_path"}).
						AddRow("prod", "10.0.0.5", 22, "deploy", "/opt/restart.sh"))
			},
			expectedHost: "10.0.0.5",
		},
		{
			name: "missing",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT \* FROM "targets" WHERE name = \$1`).
					WithArgs("prod", 1).
					WillReturnRows(sqlmock.NewRows([]string{"name"}))
			},
			expectNotFound: true,
		},
		{
			name: "query error",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT \* FROM "targets"`).
					WillReturnError(errors.New("connection reset"))
			},
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gormDB, mock := newTestDB(t)
			store := NewGormStore(gormDB)
			tc.mockExpectations(mock)

			target, err := store.GetTarget(context.Background(), "prod")
			switch {
			case tc.expectNotFound:
				assert.ErrorIs(t, err, ErrNotFound)
			case tc.expectErr:
				assert.Error(t, err)
				assert.NotErrorIs(t, err, ErrNotFound)
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.expectedHost, target.Host)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormStore_ListTargets(t *testing.T) {
	gormDB, mock := newTestDB(t)
	store := NewGormStore(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "targets" ORDER BY name`)).
		WillReturnRows(sqlmock.NewRows([]string{"name", "host"}).
			AddRow("prod", "10.0.0.5").
			AddRow("staging", "10.0.1.5"))

	targets, err := store.ListTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "staging", targets[1].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_DeleteSubscription(t *testing.T) {
	gormDB, mock := newTestDB(t)
	store := NewGormStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "push_subscriptions" WHERE "push_subscriptions"."endpoint" = $1`)).
		WithArgs("https://push.example.com/a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.DeleteSubscription(context.Background(), "https://push.example.com/a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_ListSubscriptionsError(t *testing.T) {
	gormDB, mock := newTestDB(t)
	store := NewGormStore(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "push_subscriptions"`)).
		WillReturnError(errors.New("timeout"))

	_, err := store.ListSubscriptions(context.Background())
	assert.ErrorContains(t, err, "timeout")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_TargetsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	require.NoError(t, store.SaveTargets(ctx, nil))
	require.NoError(t, store.SaveTargets(ctx, []model.Target{
		{Name: "prod", Host: "10.0.0.5", Port: 22, User: "deploy", ScriptPath: "/opt/restart.sh"},
		{Name: "staging", Host: "10.0.1.5", Port: 2222, User: "deploy", ScriptPath: "/opt/restart.sh"},
	}))
	require.NoError(t, store.SaveTargets(ctx, []model.Target{
		{Name: "prod", Host: "10.0.0.6", Port: 22, User: "ops", ScriptPath: "/srv/restart.sh"},
	}))

	targets, err := store.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	prod, err := store.GetTarget(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.6", prod.Host)
	assert.Equal(t, "ops", prod.User)
	assert.Equal(t, "/srv/restart.sh", prod.ScriptPath)

	_, err = store.GetTarget(ctx, "qa")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_SubscriptionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	sub := &model.PushSubscription{Endpoint: "https://push.example.com/a", P256DH: "k1", Auth: "a1", Viewer: "alice"}
	require.NoError(t, store.SaveSubscription(ctx, sub))
	require.NoError(t, store.SaveSubscription(ctx, &model.PushSubscription{Endpoint: sub.Endpoint, P256DH: "k2", Auth: "a2", Viewer: "alice"}))

	subs, err := store.ListSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "k2", subs[0].P256DH, "resubscribing refreshes the keys")

	require.NoError(t, store.DeleteSubscription(ctx, sub.Endpoint))
	require.NoError(t, store.DeleteSubscription(ctx, sub.Endpoint))
	subs, err = store.ListSubscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestGormStore_RecentNotifications(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordNotification(ctx, &model.NotificationRecord{
			ID:        fmt.Sprintf("id-%d", i),
			Target:    "prod",
			Kind:      "info",
			Status:    "executing",
			Title:     "Server restarting",
			Message:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	err := store.RecordNotification(ctx, &model.NotificationRecord{ID: "id-0", Kind: "info", Status: "idle", CreatedAt: base})
	assert.Error(t, err, "ids are unique")

	recs, err := store.RecentNotifications(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "id-4", recs[0].ID)
	assert.Equal(t, "id-3", recs[1].ID)

	recs, err = store.RecentNotifications(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}
