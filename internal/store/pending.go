package store

import "time"

// EnqueuePendingWrite adds a write to the durable retry queue. The seq column
// assigns FIFO drain order.
func (db *DB) EnqueuePendingWrite(w *PendingWrite) error {
	now := time.Now().UnixMilli()
	if w.CreatedAt == 0 {
		w.CreatedAt = now
	}
	res, err := db.Exec(`
		INSERT INTO pending_writes (client_id, kind, conversation_id, payload, retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET retries = excluded.retries`,
		w.ClientID, w.Kind, w.ConversationID, string(w.Payload), w.Retries, w.CreatedAt)
	if err != nil {
		return err
	}
	w.Seq, _ = res.LastInsertId()
	return nil
}

// PendingWrites returns queued writes in enqueue order.
func (db *DB) PendingWrites() ([]PendingWrite, error) {
	rows, err := db.Query(`
		SELECT seq, client_id, kind, conversation_id, payload, retries, created_at
		FROM pending_writes ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var writes []PendingWrite
	for rows.Next() {
		var w PendingWrite
		var payload string
		if err := rows.Scan(&w.Seq, &w.ClientID, &w.Kind, &w.ConversationID, &payload, &w.Retries, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Payload = []byte(payload)
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

// BumpPendingRetries increments the retry counter for a queued write.
func (db *DB) BumpPendingRetries(clientID string) (int, error) {
	_, err := db.Exec(`UPDATE pending_writes SET retries = retries + 1 WHERE client_id = ?`, clientID)
	if err != nil {
		return 0, err
	}
	var retries int
	err = db.QueryRow(`SELECT retries FROM pending_writes WHERE client_id = ?`, clientID).Scan(&retries)
	return retries, err
}

// RemovePendingWrite deletes a queued write after confirmation or drop.
func (db *DB) RemovePendingWrite(clientID string) error {
	_, err := db.Exec(`DELETE FROM pending_writes WHERE client_id = ?`, clientID)
	return err
}

// TakePendingWrite deletes a queued write and reports whether it existed.
// Concurrent settlement paths race on the same entry; only one caller wins.
func (db *DB) TakePendingWrite(clientID string) (bool, error) {
	res, err := db.Exec(`DELETE FROM pending_writes WHERE client_id = ?`, clientID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountPendingWrites returns the queue depth.
func (db *DB) CountPendingWrites() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pending_writes`).Scan(&n)
	return n, err
}
