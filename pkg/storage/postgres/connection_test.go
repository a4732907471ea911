package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty string", input: "", expected: nil},
		{name: "single URL", input: "postgres://localhost:5432/db", expected: []string{"postgres://localhost:5432/db"}},
		{
			name:     "URLs with whitespace",
			input:    " postgres://host1:5432/db , postgres://host2:5432/db ",
			expected: []string{"postgres://host1:5432/db", "postgres://host2:5432/db"},
		},
		{
			name:     "URLs with empty entries",
			input:    "postgres://host1:5432/db,,postgres://host2:5432/db,",
			expected: []string{"postgres://host1:5432/db", "postgres://host2:5432/db"},
		},
		{name: "only commas and whitespace", input: " , , , ", expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func TestNewConnectionManager_UnreachablePrimary(t *testing.T) {
	cm, err := NewConnectionManager(ConnectionConfig{
		PrimaryURL: "postgres://nonexistent:9999/tether?connect_timeout=1&sslmode=disable",
		MaxConns:   2,
		MinConns:   1,
		Timeout:    1 * time.Second,
	}, nil)
	assert.Error(t, err)
	assert.Nil(t, cm)
	assert.Contains(t, err.Error(), "failed to ping primary")
}

func TestConnectionManager_Replica(t *testing.T) {
	t.Run("no replicas falls back to primary", func(t *testing.T) {
		primaryDB := &sql.DB{}
		cm := NewConnectionManagerFromDB(primaryDB)
		assert.Same(t, primaryDB, cm.Replica())
		assert.Same(t, primaryDB, cm.Primary())
		assert.Equal(t, 0, cm.ReplicaCount())
	})

	t.Run("round-robin selection", func(t *testing.T) {
		replica1, replica2, replica3 := &sql.DB{}, &sql.DB{}, &sql.DB{}
		cm := NewConnectionManagerFromDB(&sql.DB{}, replica1, replica2, replica3)

		selections := make(map[*sql.DB]int)
		for i := 0; i < 30; i++ {
			selections[cm.Replica()]++
		}
		assert.Equal(t, 10, selections[replica1])
		assert.Equal(t, 10, selections[replica2])
		assert.Equal(t, 10, selections[replica3])
	})

	t.Run("concurrent selection", func(t *testing.T) {
		replica1, replica2 := &sql.DB{}, &sql.DB{}
		cm := NewConnectionManagerFromDB(&sql.DB{}, replica1, replica2)

		var wg sync.WaitGroup
		results := make(chan *sql.DB, 100)
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- cm.Replica()
			}()
		}
		wg.Wait()
		close(results)

		selections := make(map[*sql.DB]int)
		for replica := range results {
			selections[replica]++
		}
		assert.Equal(t, 50, selections[replica1])
		assert.Equal(t, 50, selections[replica2])
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	newPinged := func(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db, mock
	}

	t.Run("healthy primary and replicas", func(t *testing.T) {
		primaryDB, primaryMock := newPinged(t)
		replicaDB, replicaMock := newPinged(t)
		primaryMock.ExpectPing()
		replicaMock.ExpectPing()

		cm := NewConnectionManagerFromDB(primaryDB, replicaDB)
		assert.NoError(t, cm.HealthCheck(context.Background()))
		assert.NoError(t, primaryMock.ExpectationsWereMet())
		assert.NoError(t, replicaMock.ExpectationsWereMet())
	})

	t.Run("unhealthy primary", func(t *testing.T) {
		primaryDB, primaryMock := newPinged(t)
		primaryMock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := NewConnectionManagerFromDB(primaryDB)
		err := cm.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})

	t.Run("one replica down is degraded but healthy", func(t *testing.T) {
		primaryDB, primaryMock := newPinged(t)
		upDB, upMock := newPinged(t)
		downDB, downMock := newPinged(t)
		primaryMock.ExpectPing()
		upMock.ExpectPing()
		downMock.ExpectPing().WillReturnError(errors.New("timeout"))

		cm := NewConnectionManagerFromDB(primaryDB, upDB, downDB)
		assert.NoError(t, cm.HealthCheck(context.Background()))
	})

	t.Run("all replicas down", func(t *testing.T) {
		primaryDB, primaryMock := newPinged(t)
		downDB, downMock := newPinged(t)
		primaryMock.ExpectPing()
		downMock.ExpectPing().WillReturnError(errors.New("timeout"))

		cm := NewConnectionManagerFromDB(primaryDB, downDB)
		err := cm.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all replicas unhealthy")
	})
}

func TestConnectionManager_RemoveUnhealthyReplicas(t *testing.T) {
	healthyDB, healthyMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer healthyDB.Close()
	brokenDB, brokenMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	healthyMock.ExpectPing()
	brokenMock.ExpectPing().WillReturnError(errors.New("gone"))
	brokenMock.ExpectClose()

	cm := NewConnectionManagerFromDB(&sql.DB{}, healthyDB, brokenDB)
	assert.Equal(t, 1, cm.RemoveUnhealthyReplicas(context.Background()))
	assert.Equal(t, 1, cm.ReplicaCount())
	assert.Same(t, healthyDB, cm.Replica())
	assert.NoError(t, brokenMock.ExpectationsWereMet())
}

func TestConnectionManager_Stats(t *testing.T) {
	primaryDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer primaryDB.Close()
	replicaDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer replicaDB.Close()

	cm := NewConnectionManagerFromDB(primaryDB, replicaDB)
	stats := cm.Stats()
	assert.Len(t, stats.Replicas, 1)
}

func TestConnectionManager_AddReplicaUnreachable(t *testing.T) {
	cm := NewConnectionManagerFromDB(&sql.DB{})
	cm.config = ConnectionConfig{MaxConns: 10, MinConns: 2, Timeout: 1 * time.Second}

	err := cm.AddReplica("postgres://nonexistent:9999/tether?connect_timeout=1&sslmode=disable")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to ping replica")
	assert.Equal(t, 0, cm.ReplicaCount())
}

func TestConnectionManager_Close(t *testing.T) {
	primaryDB, primaryMock, err := sqlmock.New()
	require.NoError(t, err)
	replicaDB, replicaMock, err := sqlmock.New()
	require.NoError(t, err)

	primaryMock.ExpectClose()
	replicaMock.ExpectClose().WillReturnError(errors.New("close failed"))

	cm := NewConnectionManagerFromDB(primaryDB, replicaDB)
	err = cm.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replica-0 close error")
	assert.Equal(t, 0, cm.ReplicaCount())
}

func TestConnectionManager_StartHealthCheckRoutine(t *testing.T) {
	brokenDB, brokenMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	brokenMock.ExpectPing().WillReturnError(errors.New("gone"))
	brokenMock.ExpectClose()

	cm := NewConnectionManagerFromDB(&sql.DB{}, brokenDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.StartHealthCheckRoutine(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return cm.ReplicaCount() == 0 }, time.Second, 10*time.Millisecond)
}
