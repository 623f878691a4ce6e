package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lanternfabric/core/internal/ids"
	"github.com/lanternfabric/core/internal/rpc"
)

// ErrProcedureNotRegistered is returned by ExecuteProcedure for a method
// with no registered handler; the nexus dispatcher reports it like any
// other ExecuteProcedure error, as an RPC error with code "storage_error".
var ErrProcedureNotRegistered = errors.New("storage: procedure not registered")

// Store is the façade §6 calls out as external: the lookups the gateway's
// permission cache and room-visibility gate need directly, plus a generic
// procedure-execution entry point the nexus's RPC dispatcher calls into.
// Individual procedure handler bodies (CreateRoom, PostMessage, ...) are out
// of scope; ExecuteProcedure only routes to whatever is registered.
type Store interface {
	// RoomPermissions returns the effective permission bitmask a user
	// holds in a room (role permissions OR'd together, then narrowed by
	// the room's per-role overwrites), and whether the room is visible to
	// them at all. Visibility here is party membership alone; a deny-view
	// overwrite shows up only as a cleared bit in the returned mask.
	RoomPermissions(ctx context.Context, userID, roomID ids.Id) (perms uint64, visible bool, err error)

	// PartyMembership reports whether userID belongs to partyID and, if
	// so, the role IDs they hold there.
	PartyMembership(ctx context.Context, userID, partyID ids.Id) (member bool, roleIDs []ids.Id, err error)

	// ExecuteProcedure routes method to its registered handler with the
	// CBOR-encoded request body, returning the CBOR-encoded result.
	ExecuteProcedure(ctx context.Context, method rpc.Method, callerID ids.Id, body []byte) (result []byte, err error)
}

// ProcedureHandler implements one rpc.Method's business logic against the
// Postgres-backed store.
type ProcedureHandler func(ctx context.Context, db *sql.DB, callerID ids.Id, body []byte) ([]byte, error)

// RegisterHandler attaches a handler to method, overwriting any previous
// registration. Call during process startup, before serving traffic.
func (p *Postgres) RegisterHandler(method rpc.Method, handler ProcedureHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	if p.handlers == nil {
		p.handlers = make(map[rpc.Method]ProcedureHandler)
	}
	p.handlers[method] = handler
}

// ExecuteProcedure implements Store.
func (p *Postgres) ExecuteProcedure(ctx context.Context, method rpc.Method, callerID ids.Id, body []byte) ([]byte, error) {
	p.handlersMu.RLock()
	handler, ok := p.handlers[method]
	p.handlersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcedureNotRegistered, method)
	}
	return handler(ctx, p.db, callerID, body)
}

// RoomPermissions implements Store.
func (p *Postgres) RoomPermissions(ctx context.Context, userID, roomID ids.Id) (uint64, bool, error) {
	const q = `
		SELECT
			COALESCE(BIT_OR(r.permissions), 0) AS base,
			COALESCE(BIT_OR(ro.allow), 0) AS allow,
			COALESCE(BIT_OR(ro.deny), 0) AS deny,
			EXISTS(
				SELECT 1 FROM party_members pm
				JOIN rooms rm ON rm.party_id = pm.party_id
				WHERE rm.id = $2 AND pm.user_id = $1
			) AS is_member
		FROM rooms rm
		JOIN roles r ON r.party_id = rm.party_id
		JOIN role_members rmem ON rmem.role_id = r.id AND rmem.user_id = $1
		LEFT JOIN room_overwrites ro ON ro.room_id = rm.id AND ro.role_id = r.id
		WHERE rm.id = $2
	`

	var base, allow, deny uint64
	var isMember bool
	row := p.db.QueryRowContext(ctx, q, int64(userID), int64(roomID))
	err := row.Scan(&base, &allow, &deny, &isMember)
	if errors.Is(err, sql.ErrNoRows) {
		// No role rows at all: still check bare membership below.
		isMember, err = p.isPartyMemberOfRoom(ctx, userID, roomID)
		if err != nil {
			return 0, false, err
		}
		return 0, isMember, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: room permissions query: %w", err)
	}

	perms := (base &^ deny) | allow
	return perms, isMember, nil
}

func (p *Postgres) isPartyMemberOfRoom(ctx context.Context, userID, roomID ids.Id) (bool, error) {
	const q = `
		SELECT EXISTS(
			SELECT 1 FROM party_members pm
			JOIN rooms rm ON rm.party_id = pm.party_id
			WHERE rm.id = $2 AND pm.user_id = $1
		)
	`
	var member bool
	if err := p.db.QueryRowContext(ctx, q, int64(userID), int64(roomID)).Scan(&member); err != nil {
		return false, fmt.Errorf("storage: membership query: %w", err)
	}
	return member, nil
}

// PartyMembership implements Store.
func (p *Postgres) PartyMembership(ctx context.Context, userID, partyID ids.Id) (bool, []ids.Id, error) {
	var member bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM party_members WHERE party_id = $1 AND user_id = $2)`,
		int64(partyID), int64(userID),
	).Scan(&member); err != nil {
		return false, nil, fmt.Errorf("storage: party membership query: %w", err)
	}
	if !member {
		return false, nil, nil
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT role_id FROM role_members rmem
		 JOIN roles r ON r.id = rmem.role_id
		 WHERE r.party_id = $1 AND rmem.user_id = $2`,
		int64(partyID), int64(userID),
	)
	if err != nil {
		return false, nil, fmt.Errorf("storage: role membership query: %w", err)
	}
	defer rows.Close()

	var roleIDs []ids.Id
	for rows.Next() {
		var raw int64
		if err := rows.Scan(&raw); err != nil {
			return false, nil, fmt.Errorf("storage: role membership scan: %w", err)
		}
		roleIDs = append(roleIDs, ids.Id(raw))
	}
	if err := rows.Err(); err != nil {
		return false, nil, fmt.Errorf("storage: role membership rows: %w", err)
	}

	return true, roleIDs, nil
}
