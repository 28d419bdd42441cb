package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AashishAdhikari27/go-chat-app/internal/models"

	_ "modernc.org/sqlite"
)

var ErrUserExists = errors.New("user already exists")

const currentSchemaVersion = 1

type Database struct {
	*sql.DB
}

func New(dataSourceName string) (*Database, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(4) // SQLite is single-writer; more connections waste FDs and increase lock contention
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		return nil, err
	}

	return &Database{db}, nil
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if version < 1 {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := createTablesInTx(tx); err != nil {
			return err
		}
		if err := seedRoomsInTx(tx); err != nil {
			return err
		}
		if _, err := tx.Exec("PRAGMA user_version = 1"); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

func createTablesInTx(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			text TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_room_time ON messages(room_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_user_id ON messages(user_id);
	`)
	return err
}

// Rooms are a fixed, seeded set; the service does not create rooms at
// runtime.
func seedRoomsInTx(tx *sql.Tx) error {
	rooms := []models.Room{
		{ID: 1, Name: "general", Description: "General discussion"},
		{ID: 2, Name: "random", Description: "Off-topic chatter"},
		{ID: 3, Name: "support", Description: "Help and questions"},
	}
	for _, room := range rooms {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO rooms (id, name, description) VALUES (?, ?, ?)",
			room.ID, room.Name, room.Description,
		); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) CreateUser(username, passwordHash, role string) (*models.User, error) {
	now := time.Now().UTC()
	result, err := db.Exec(
		"INSERT OR IGNORE INTO users (username, password_hash, role, created_at) VALUES (?, ?, ?, ?)",
		username, passwordHash, role, now,
	)
	if err != nil {
		return nil, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, ErrUserExists
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.User{
		ID:        id,
		Username:  username,
		Role:      role,
		CreatedAt: now,
	}, nil
}

func (db *Database) GetUserByUsername(username string) (*models.User, error) {
	user := &models.User{}
	err := db.QueryRow(
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?",
		username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (db *Database) GetRoomByID(id int64) (*models.Room, error) {
	room := &models.Room{}
	err := db.QueryRow(
		"SELECT id, name, description FROM rooms WHERE id = ?",
		id,
	).Scan(&room.ID, &room.Name, &room.Description)
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (db *Database) ListRooms() ([]models.Room, error) {
	rows, err := db.Query("SELECT id, name, description FROM rooms ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Description); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

// InsertMessage persists one message and returns it with the assigned id
// and timestamp. Persistence happens before any fan-out so that a
// concurrent backfill read is always consistent with delivery.
func (db *Database) InsertMessage(text string, userID, roomID int64) (*models.Message, error) {
	now := time.Now().UTC()
	result, err := db.Exec(
		"INSERT INTO messages (text, timestamp, user_id, room_id) VALUES (?, ?, ?, ?)",
		text, now, userID, roomID,
	)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Message{
		ID:        id,
		Text:      text,
		Timestamp: now,
		UserID:    userID,
		RoomID:    roomID,
	}, nil
}

// RecentMessages returns up to limit messages for a room, newest first,
// joined with the author's username. Callers wanting chronological order
// must reverse the result.
func (db *Database) RecentMessages(roomID int64, limit int) ([]models.WireMessage, error) {
	rows, err := db.Query(`
		SELECT m.id, m.text, m.timestamp, u.username
		FROM messages m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = ?
		ORDER BY m.timestamp DESC, m.id DESC
		LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.WireMessage
	for rows.Next() {
		var msg models.WireMessage
		if err := rows.Scan(&msg.ID, &msg.Text, &msg.Timestamp, &msg.Username); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (db *Database) CleanupOldMessages(olderThan time.Duration) (int64, error) {
	result, err := db.Exec("DELETE FROM messages WHERE timestamp < ?", time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (db *Database) CountUsers() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count)
	return count, err
}

func (db *Database) CountRooms() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&count)
	return count, err
}

func (db *Database) CountMessages() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	return count, err
}
