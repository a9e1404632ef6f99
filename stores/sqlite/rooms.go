package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"collab-relay/core"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type roomStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewRoomStore(dataSourceName string) (core.RoomRegistry, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dataSourceName, err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY under concurrent joins.
	db.SetMaxOpenConns(1)

	roomsTable := `CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		last_active INTEGER NOT NULL
	);`
	if _, err := db.Exec(roomsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rooms table: %w", err)
	}

	return &roomStore{db: db, now: time.Now}, nil
}

func (s *roomStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	lastActive := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, last_active) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET last_active = MAX(last_active, excluded.last_active)",
		roomID, lastActive)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to record room activity")
		return err
	}
	return nil
}

func (s *roomStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, last_active FROM rooms ORDER BY last_active DESC, id ASC")
	if err != nil {
		logrus.WithError(err).Error("Failed to list rooms")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close room rows")
		}
	}()

	rooms := make([]core.Room, 0)
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.LastActive); err != nil {
			logrus.WithError(err).Error("Failed to scan room")
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *roomStore) DeleteRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	log := logrus.WithField("room_id", roomID)

	result, err := s.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", roomID)
	if err != nil {
		log.WithError(err).Error("Failed to delete room")
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("room with id %s not found", roomID)
	}

	log.Info("Room deleted successfully")
	return nil
}

func (s *roomStore) Close() error {
	return s.db.Close()
}
