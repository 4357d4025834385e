package repo

import (
	"context"
	"database/sql"
)

// maxWalk caps recursive walks so a corrupted parent chain cannot loop forever.
const maxWalk = 64

// Depth returns the 1-based depth of id: a root task has depth 1.
func (r Repo) Depth(ctx context.Context, ownerID, id string) (int, error) {
	var depth sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `WITH RECURSIVE chain(id, parent_task_id, depth) AS (
  SELECT id, parent_task_id, 1 FROM tasks WHERE id=? AND user_id=?
  UNION ALL
  SELECT t.id, t.parent_task_id, c.depth+1 FROM tasks t JOIN chain c ON t.id=c.parent_task_id
  WHERE t.user_id=? AND c.depth < ?
)
SELECT MAX(depth) FROM chain`, id, ownerID, ownerID, maxWalk).Scan(&depth)
	if err != nil {
		return 0, err
	}
	if !depth.Valid || depth.Int64 == 0 {
		return 0, ErrNotFound
	}
	return int(depth.Int64), nil
}

// SubtreeHeight returns the number of levels rooted at id, 1 for a leaf.
func (r Repo) SubtreeHeight(ctx context.Context, ownerID, id string) (int, error) {
	var height sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `WITH RECURSIVE sub(id, level) AS (
  SELECT id, 1 FROM tasks WHERE id=? AND user_id=?
  UNION ALL
  SELECT t.id, s.level+1 FROM tasks t JOIN sub s ON t.parent_task_id=s.id
  WHERE t.user_id=? AND s.level < ?
)
SELECT MAX(level) FROM sub`, id, ownerID, ownerID, maxWalk).Scan(&height)
	if err != nil {
		return 0, err
	}
	if !height.Valid || height.Int64 == 0 {
		return 0, ErrNotFound
	}
	return int(height.Int64), nil
}

// IsAncestor reports whether ancestorID appears on the parent chain of id, id itself included.
func (r Repo) IsAncestor(ctx context.Context, ownerID, ancestorID, id string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `WITH RECURSIVE chain(id, parent_task_id, depth) AS (
  SELECT id, parent_task_id, 1 FROM tasks WHERE id=? AND user_id=?
  UNION ALL
  SELECT t.id, t.parent_task_id, c.depth+1 FROM tasks t JOIN chain c ON t.id=c.parent_task_id
  WHERE t.user_id=? AND c.depth < ?
)
SELECT COUNT(1) FROM chain WHERE id=?`, id, ownerID, ownerID, maxWalk, ancestorID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
