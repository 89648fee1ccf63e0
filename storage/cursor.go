package storage

// Cursor marks how far a named stream has consumed a repo: every chunk up to
// and including Ordinal is fully consumed up to Offset bytes.
type Cursor struct {
	Ordinal uint64 `json:"ordinal"`
	Offset  int64  `json:"offset"`
}

func (c Cursor) after(o Cursor) bool {
	if c.Ordinal != o.Ordinal {
		return c.Ordinal > o.Ordinal
	}
	return c.Offset > o.Offset
}

type Cursors struct {
	kv KV[Cursor]
}

func NewCursors(dir string) (*Cursors, error) {
	kv, err := New[Cursor](dir)
	if err != nil {
		return nil, err
	}
	return &Cursors{kv: kv}, nil
}

// Commit stores the cursor for a stream. Commits are monotonic, a cursor that
// does not advance past the stored one is ignored.
func (c *Cursors) Commit(stream string, cur Cursor) error {
	stored, err := c.kv.Get(stream)
	if err == nil && !cur.after(stored) {
		return nil
	}
	return c.kv.Set(stream, cur)
}

func (c *Cursors) Get(stream string) (Cursor, bool) {
	cur, err := c.kv.Get(stream)
	if err != nil {
		return Cursor{}, false
	}
	return cur, true
}

func (c *Cursors) Close() error {
	return c.kv.Close()
}
