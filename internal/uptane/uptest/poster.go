package uptest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/R3E-Network/uptane-agent/internal/uptane/reportqueue"
)

// Poster is a scriptable reportqueue.Poster recording every posted batch.
type Poster struct {
	mu sync.Mutex

	Status     int
	MaxAckedID int64
	Err        error

	Batches [][]json.RawMessage
}

var _ reportqueue.Poster = (*Poster)(nil)

func NewPoster() *Poster {
	return &Poster{Status: 200}
}

func (p *Poster) PostEvents(ctx context.Context, batch []json.RawMessage) (int, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]json.RawMessage, len(batch))
	copy(cp, batch)
	p.Batches = append(p.Batches, cp)
	return p.Status, p.MaxAckedID, p.Err
}

// BatchCount returns the number of batches posted so far.
func (p *Poster) BatchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Batches)
}
