package db

import (
	"database/sql"
	"errors"
	"time"

	"fim/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows         = errors.New("no rows found")
	ErrUserExists     = errors.New("user already exists")
	ErrAlreadyFriends = errors.New("already friends")
	ErrRequestPending = errors.New("friend request already pending")
	ErrProfileExists  = errors.New("profile already exists")
)

// timeLayout keeps a fixed-width fraction so TEXT ordering on created_at is
// chronological; RFC3339Nano trims trailing zeros and is not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS friendships (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			requester_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			receiver_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'pending',
			UNIQUE(requester_id, receiver_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL REFERENCES users(id),
			recipient_id INTEGER NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER UNIQUE NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			bio TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS posts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			author_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			profile_id INTEGER NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_backlog ON messages(recipient_id, delivered, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_friendships_receiver ON friendships(receiver_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// User methods

func (db *DB) CreateUser(username, password string) (int64, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC().Format(timeLayout)
	res, err := db.conn.Exec(
		"INSERT INTO users (username, password, created_at) VALUES (?, ?, ?)",
		username, string(hashed), now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (db *DB) UserExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) GetUserByUsername(username string) (*models.User, error) {
	var u models.User
	var createdStr string
	err := db.conn.QueryRow(
		"SELECT id, username, password, created_at FROM users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &createdStr)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return &u, nil
}

func (db *DB) GetUserByID(id int64) (*models.User, error) {
	var u models.User
	var createdStr string
	err := db.conn.QueryRow(
		"SELECT id, username, password, created_at FROM users WHERE id = ?",
		id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &createdStr)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return &u, nil
}

// AuthenticateUser returns the user on valid credentials, nil when the user
// is missing or the password does not match.
func (db *DB) AuthenticateUser(username, password string) (*models.User, error) {
	user, err := db.GetUserByUsername(username)
	if err == ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil
	}
	return user, nil
}

// Friendship methods

func (db *DB) friendshipStatus(requesterID, receiverID int64) (models.FriendshipStatus, bool, error) {
	var status string
	err := db.conn.QueryRow(
		"SELECT status FROM friendships WHERE requester_id = ? AND receiver_id = ?",
		requesterID, receiverID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return models.FriendshipStatus(status), true, nil
}

// SendFriendRequest creates a pending request from requester to receiver. A
// request the receiver previously rejected is re-pended rather than
// duplicated; rows are directional, so the receiver of a rejection can open
// a request of their own in the other direction.
func (db *DB) SendFriendRequest(requesterID, receiverID int64) error {
	accepted, err := db.IsAccepted(requesterID, receiverID)
	if err != nil {
		return err
	}
	if accepted {
		return ErrAlreadyFriends
	}

	status, found, err := db.friendshipStatus(requesterID, receiverID)
	if err != nil {
		return err
	}
	if found {
		switch status {
		case models.FriendshipPending:
			return ErrRequestPending
		case models.FriendshipRejected:
			_, err := db.conn.Exec(
				"UPDATE friendships SET status = 'pending' WHERE requester_id = ? AND receiver_id = ?",
				requesterID, receiverID,
			)
			return err
		}
	}

	// A pending request in the other direction means the pair is already
	// one accept away from friendship.
	reverse, found, err := db.friendshipStatus(receiverID, requesterID)
	if err != nil {
		return err
	}
	if found && reverse == models.FriendshipPending {
		return ErrRequestPending
	}

	_, err = db.conn.Exec(
		"INSERT INTO friendships (requester_id, receiver_id, status) VALUES (?, ?, 'pending')",
		requesterID, receiverID,
	)
	return err
}

func (db *DB) setRequestStatus(receiverID, requesterID int64, status models.FriendshipStatus) error {
	res, err := db.conn.Exec(
		"UPDATE friendships SET status = ? WHERE requester_id = ? AND receiver_id = ? AND status = 'pending'",
		string(status), requesterID, receiverID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) AcceptFriendRequest(receiverID, requesterID int64) error {
	return db.setRequestStatus(receiverID, requesterID, models.FriendshipAccepted)
}

func (db *DB) RejectFriendRequest(receiverID, requesterID int64) error {
	return db.setRequestStatus(receiverID, requesterID, models.FriendshipRejected)
}

func (db *DB) DeleteFriend(a, b int64) error {
	res, err := db.conn.Exec(
		`DELETE FROM friendships WHERE status = 'accepted'
		 AND ((requester_id = ? AND receiver_id = ?) OR (requester_id = ? AND receiver_id = ?))`,
		a, b, b, a,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

// IsAccepted reports whether the pair has an accepted friendship in either
// direction.
func (db *DB) IsAccepted(a, b int64) (bool, error) {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM friendships WHERE status = 'accepted'
		 AND ((requester_id = ? AND receiver_id = ?) OR (requester_id = ? AND receiver_id = ?))`,
		a, b, b, a,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) AcceptedPeers(subjectID int64) ([]int64, error) {
	rows, err := db.conn.Query(
		`SELECT CASE WHEN requester_id = ? THEN receiver_id ELSE requester_id END
		 FROM friendships
		 WHERE status = 'accepted' AND (requester_id = ? OR receiver_id = ?)`,
		subjectID, subjectID, subjectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		peers = append(peers, id)
	}
	return peers, rows.Err()
}

func (db *DB) ListFriends(subjectID int64) ([]models.User, error) {
	return db.usersByFriendship(
		`SELECT u.id, u.username FROM friendships f
		 JOIN users u ON u.id = CASE WHEN f.requester_id = ? THEN f.receiver_id ELSE f.requester_id END
		 WHERE f.status = 'accepted' AND (f.requester_id = ? OR f.receiver_id = ?)
		 ORDER BY u.username`,
		subjectID, subjectID, subjectID,
	)
}

func (db *DB) PendingRequests(receiverID int64) ([]models.User, error) {
	return db.usersByFriendship(
		`SELECT u.id, u.username FROM friendships f
		 JOIN users u ON u.id = f.requester_id
		 WHERE f.status = 'pending' AND f.receiver_id = ?
		 ORDER BY u.username`,
		receiverID,
	)
}

func (db *DB) usersByFriendship(query string, args ...interface{}) ([]models.User, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Profile methods

func (db *DB) CreateProfile(userID int64, name, bio string) (int64, error) {
	var count int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM profiles WHERE user_id = ?", userID).Scan(&count); err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, ErrProfileExists
	}

	res, err := db.conn.Exec(
		"INSERT INTO profiles (user_id, name, bio) VALUES (?, ?, ?)",
		userID, name, bio,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (db *DB) GetProfile(userID int64) (*models.Profile, error) {
	var p models.Profile
	err := db.conn.QueryRow(
		"SELECT id, user_id, name, bio FROM profiles WHERE user_id = ?",
		userID,
	).Scan(&p.ID, &p.UserID, &p.Name, &p.Bio)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (db *DB) UpdateProfile(userID int64, name, bio string) error {
	res, err := db.conn.Exec(
		"UPDATE profiles SET name = ?, bio = ? WHERE user_id = ?",
		name, bio, userID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) DeleteProfile(userID int64) error {
	res, err := db.conn.Exec("DELETE FROM profiles WHERE user_id = ?", userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

// Post methods

// CreatePost attaches a post to the author's profile. ErrNoRows means the
// author has no profile yet.
func (db *DB) CreatePost(authorID int64, content string, at time.Time) (int64, error) {
	profile, err := db.GetProfile(authorID)
	if err != nil {
		return 0, err
	}

	res, err := db.conn.Exec(
		"INSERT INTO posts (author_id, profile_id, content, created_at) VALUES (?, ?, ?, ?)",
		authorID, profile.ID, content, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (db *DB) GetPost(postID int64) (*models.Post, error) {
	var p models.Post
	var createdStr string
	err := db.conn.QueryRow(
		"SELECT id, author_id, profile_id, content, created_at FROM posts WHERE id = ?",
		postID,
	).Scan(&p.ID, &p.AuthorID, &p.ProfileID, &p.Content, &createdStr)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return &p, nil
}

func (db *DB) ListPosts(authorID int64) ([]models.Post, error) {
	rows, err := db.conn.Query(
		`SELECT id, author_id, profile_id, content, created_at
		 FROM posts WHERE author_id = ?
		 ORDER BY created_at ASC, id ASC`,
		authorID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		var p models.Post
		var createdStr string
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.ProfileID, &p.Content, &createdStr); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = time.Parse(timeLayout, createdStr)
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (db *DB) UpdatePost(postID int64, content string) error {
	res, err := db.conn.Exec("UPDATE posts SET content = ? WHERE id = ?", content, postID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) DeletePost(postID int64) error {
	res, err := db.conn.Exec("DELETE FROM posts WHERE id = ?", postID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

// Message methods

func (db *DB) Append(senderID, recipientID int64, content string, at time.Time) (int64, error) {
	res, err := db.conn.Exec(
		"INSERT INTO messages (sender_id, recipient_id, content, created_at, delivered) VALUES (?, ?, ?, ?, 0)",
		senderID, recipientID, content, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UndeliveredFor returns the recipient's backlog ordered by creation time,
// id as tiebreak for same-instant rows.
func (db *DB) UndeliveredFor(recipientID int64) ([]models.Message, error) {
	rows, err := db.conn.Query(
		`SELECT id, sender_id, recipient_id, content, created_at, delivered
		 FROM messages
		 WHERE recipient_id = ? AND delivered = 0
		 ORDER BY created_at ASC, id ASC`,
		recipientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var createdStr string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &createdStr, &m.Delivered); err != nil {
			return nil, err
		}

		created, err := time.Parse(timeLayout, createdStr)
		if err != nil {
			return nil, err
		}
		m.CreatedAt = created

		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *DB) MarkDelivered(messageID int64) error {
	_, err := db.conn.Exec("UPDATE messages SET delivered = 1 WHERE id = ?", messageID)
	return err
}
