package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternfabric/core/internal/ids"
	"github.com/lanternfabric/core/internal/rpc"
)

func setupStoreTest(t *testing.T) (*Postgres, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	p := NewPostgresForTesting(mockDB)
	return p, mock, func() { mockDB.Close() }
}

func TestRoomPermissionsCombinesRoleGrantsAndOverwrites(t *testing.T) {
	p, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	userID, roomID := ids.Id(100), ids.Id(200)

	mock.ExpectQuery(`SELECT`).
		WithArgs(int64(userID), int64(roomID)).
		WillReturnRows(sqlmock.NewRows([]string{"base", "allow", "deny", "is_member"}).
			AddRow(uint64(0b1110), uint64(0b0001), uint64(0b0010), true))

	perms, visible, err := p.RoomPermissions(context.Background(), userID, roomID)
	require.NoError(t, err)
	assert.True(t, visible)
	assert.Equal(t, uint64(0b1101), perms, "deny bit must be cleared, allow bit must be set")
}

func TestRoomPermissionsNoRolesFallsBackToBareMembership(t *testing.T) {
	p, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	userID, roomID := ids.Id(100), ids.Id(200)

	mock.ExpectQuery(`SELECT`).
		WithArgs(int64(userID), int64(roomID)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(userID), int64(roomID)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	perms, visible, err := p.RoomPermissions(context.Background(), userID, roomID)
	require.NoError(t, err)
	assert.True(t, visible)
	assert.Equal(t, uint64(0), perms)
}

func TestPartyMembershipReturnsFalseForNonMember(t *testing.T) {
	p, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	userID, partyID := ids.Id(1), ids.Id(2)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(partyID), int64(userID)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	member, roles, err := p.PartyMembership(context.Background(), userID, partyID)
	require.NoError(t, err)
	assert.False(t, member)
	assert.Nil(t, roles)
}

func TestPartyMembershipListsRoleIDsForMember(t *testing.T) {
	p, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	userID, partyID := ids.Id(1), ids.Id(2)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(partyID), int64(userID)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT role_id`).
		WithArgs(int64(partyID), int64(userID)).
		WillReturnRows(sqlmock.NewRows([]string{"role_id"}).AddRow(int64(10)).AddRow(int64(20)))

	member, roles, err := p.PartyMembership(context.Background(), userID, partyID)
	require.NoError(t, err)
	assert.True(t, member)
	assert.Equal(t, []ids.Id{10, 20}, roles)
}

func TestExecuteProcedureReturnsErrorForUnregisteredMethod(t *testing.T) {
	p, _, cleanup := setupStoreTest(t)
	defer cleanup()

	_, err := p.ExecuteProcedure(context.Background(), rpc.MethodGetRoom, ids.Id(1), nil)
	assert.ErrorIs(t, err, ErrProcedureNotRegistered)
}

func TestExecuteProcedureDispatchesToRegisteredHandler(t *testing.T) {
	p, _, cleanup := setupStoreTest(t)
	defer cleanup()

	var gotCaller ids.Id
	p.RegisterHandler(rpc.MethodGetRoom, func(ctx context.Context, db *sql.DB, callerID ids.Id, body []byte) ([]byte, error) {
		gotCaller = callerID
		return []byte("ok"), nil
	})

	result, err := p.ExecuteProcedure(context.Background(), rpc.MethodGetRoom, ids.Id(42), []byte("req"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result)
	assert.Equal(t, ids.Id(42), gotCaller)
}
