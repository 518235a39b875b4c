package storage

import (
	"time"

	"github.com/jackc/pgx/v4"
)

type memberRow struct {
	roomID, userID int64
	joinedAt       time.Time
}

type memberBulk struct {
	rows []memberRow
	idx  int
}

func (mr memberRow) toInterface() []interface{} {
	return []interface{}{mr.userID, mr.roomID, mr.joinedAt, mr.joinedAt}
}

// copyFromMembers adapts seed membership rows to pgx bulk copy.
// The join timestamp doubles as the initial read cursor.
func copyFromMembers(rows []memberRow) pgx.CopyFromSource {
	return &memberBulk{
		rows: rows,
		idx:  -1,
	}
}

func (mb *memberBulk) Next() bool {
	mb.idx++
	return mb.idx < len(mb.rows)
}

func (mb *memberBulk) Values() ([]interface{}, error) {
	return mb.rows[mb.idx].toInterface(), nil
}

func (mb *memberBulk) Err() error {
	return nil
}
