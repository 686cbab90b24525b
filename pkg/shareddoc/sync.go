package shareddoc

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// maxMessagesPerRound bounds how many sync messages one Generate call produces.
const maxMessagesPerRound = 100

// SyncPeer tracks the sync state between this document and a single remote peer.
type SyncPeer struct {
	d     *Document
	state *automerge.SyncState
}

func (d *Document) NewSyncPeer() *SyncPeer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &SyncPeer{d: d, state: automerge.NewSyncState(d.doc)}
}

// Receive applies a sync message from the peer and reports whether the document heads moved.
func (p *SyncPeer) Receive(msg []byte) (bool, error) {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	before := p.d.doc.Heads()
	if _, err := p.state.ReceiveMessage(msg); err != nil {
		return false, fmt.Errorf("failed to receive message: %w", err)
	}
	return !sameHeads(before, p.d.doc.Heads()), nil
}

// Generate returns the messages the peer needs next, possibly none.
func (p *SyncPeer) Generate() [][]byte {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	var out [][]byte
	for i := 0; i < maxMessagesPerRound; i++ {
		msg, valid := p.state.GenerateMessage()
		if !valid || msg == nil {
			break
		}
		out = append(out, msg.Bytes())
	}
	return out
}
