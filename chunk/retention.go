package chunk

import (
	"time"

	log "github.com/iidesho/bragi/sbragi"
	"github.com/pkg/errors"
)

var ErrInvalidPolicy = errors.New("invalid retention policy")

// Policy bounds how much recorded data a repo keeps. Zero values mean
// unbounded. Only finalized chunks are ever removed, and always oldest first.
type Policy struct {
	MaxAge  time.Duration
	MaxSize int64
}

func (p Policy) Validate() error {
	if p.MaxAge < 0 {
		return errors.Wrap(ErrInvalidPolicy, "max age is negative")
	}
	if p.MaxSize < 0 {
		return errors.Wrap(ErrInvalidPolicy, "max size is negative")
	}
	return nil
}

// ApplyRetention removes finalized chunks that fall outside the policy.
// A reader holding a removed chunk open keeps its file handle valid, new
// opens of the chunk fail with ErrNotFound.
func (r *Repo) ApplyRetention(p Policy) (removed int, err error) {
	err = p.Validate()
	if err != nil {
		return
	}
	if p.MaxAge == 0 && p.MaxSize == 0 {
		return
	}
	cs, err := r.Chunks()
	if err != nil {
		return
	}
	var total int64
	for _, c := range cs {
		total += c.Size
	}
	cutoff := time.Now().Add(-p.MaxAge)
	for _, c := range cs {
		if !c.Finalized {
			break
		}
		drop := false
		if p.MaxAge > 0 && c.End.Before(cutoff) {
			drop = true
		}
		if p.MaxSize > 0 && total > p.MaxSize {
			drop = true
		}
		if !drop {
			break
		}
		err = r.Remove(c.Ordinal)
		if err != nil {
			return
		}
		log.Debug("retention removed chunk", "ordinal", c.Ordinal, "size", c.Size)
		total -= c.Size
		removed++
	}
	return
}
