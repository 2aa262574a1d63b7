package slotty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NewClientPool returns an empty client pool
func NewClientPool(options ClientPoolOptions) *ClientPool {
	if options.MaxConnectionsPerNode < 1 {
		options.MaxConnectionsPerNode = defaultMaxConnectionsPerNode
	}
	if options.WaitTimeout == 0 {
		options.WaitTimeout = defaultClientWaitTimeout
	}
	if options.ConnectionTimeout == 0 {
		options.ConnectionTimeout = defaultConnectionTimeout
	}
	logger := options.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	p := &ClientPool{
		options:     options,
		logger:      logger,
		idle:        make(map[string][]Client),
		outstanding: make(map[string]int),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// GetClient returns an idle client of node or creates one when the node
// is below its cap. At cap, the caller waits up to the wait timeout for a
// client to be returned and then creates an over cap client
func (p *ClientPool) GetClient(ctx context.Context, node Node) (Client, error) {
	key := node.Key()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClientPoolClosed
	}
	if client := p.popIdle(key); client != nil {
		p.mu.Unlock()
		return client, nil
	}
	if p.outstanding[key] < p.options.MaxConnectionsPerNode {
		p.outstanding[key]++
		p.mu.Unlock()
		return p.create(node)
	}

	if p.metrics != nil {
		p.metrics.clientPoolWaited()
	}
	deadline := time.Now().Add(p.options.WaitTimeout)
	wake := func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}
	timer := time.AfterFunc(p.options.WaitTimeout, wake)
	stop := context.AfterFunc(ctx, wake)
	defer func() {
		timer.Stop()
		stop()
	}()

	for len(p.idle[key]) == 0 && p.outstanding[key] >= p.options.MaxConnectionsPerNode &&
		!p.closed && ctx.Err() == nil && time.Now().Before(deadline) {
		p.cond.Wait()
	}
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClientPoolClosed
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if client := p.popIdle(key); client != nil {
		p.mu.Unlock()
		return client, nil
	}
	if p.outstanding[key] < p.options.MaxConnectionsPerNode {
		p.outstanding[key]++
		p.mu.Unlock()
		return p.create(node)
	}

	p.outstanding[key]++
	p.mu.Unlock()
	p.logger.Warn().
		Str("peerAddress", node.MetaAddress()).
		Str("waitTimeout", p.options.WaitTimeout.String()).
		Msgf("No client returned in time, creating one above the per node cap")
	if p.metrics != nil {
		p.metrics.clientPoolOverCapCreated()
	}
	return p.create(node)
}

// PutClient returns the client of node to the pool and wakes waiters
func (p *ClientPool) PutClient(node Node, client Client) {
	if client == nil {
		return
	}
	if inFlight := client.InFlight(); inFlight > 0 {
		p.logger.Error().
			Str("peerAddress", node.MetaAddress()).
			Str("inFlight", fmt.Sprintf("%d", inFlight)).
			Msgf("Client returned to the pool with calls still in flight")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = client.Close()
		return
	}
	key := node.Key()
	p.idle[key] = append(p.idle[key], client)
	p.cond.Broadcast()
}

// RecreateClient closes the broken client of node and dials a replacement.
// When the replacement cannot be built, the node counter is decremented
// so that the slot of the broken client is released
func (p *ClientPool) RecreateClient(node Node, broken Client) (Client, error) {
	if broken != nil {
		if err := broken.Close(); err != nil {
			p.logger.Debug().Err(err).
				Str("peerAddress", node.MetaAddress()).
				Msgf("Fail to close broken client")
		}
	}

	client, err := p.options.Factory.NewClient(node, p.options.ConnectionTimeout)
	if err != nil {
		p.release(node)
		p.logger.Error().Err(err).
			Str("peerAddress", node.MetaAddress()).
			Msgf("Fail to recreate client")
		return nil, err
	}
	return client, nil
}

// DiscardClient closes the client and releases its slot
func (p *ClientPool) DiscardClient(node Node, client Client) {
	if client != nil {
		_ = client.Close()
	}
	p.release(node)
}

// Outstanding returns the number of clients created for node and not discarded
func (p *ClientPool) Outstanding(node Node) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding[node.Key()]
}

// Idle returns the number of idle clients of node
func (p *ClientPool) Idle(node Node) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[node.Key()])
}

// Close closes every idle client and wakes every waiter
func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for key, clients := range p.idle {
		for _, client := range clients {
			_ = client.Close()
		}
		delete(p.idle, key)
	}
	p.cond.Broadcast()
}

// popIdle must be called with the lock held
func (p *ClientPool) popIdle(key string) Client {
	clients := p.idle[key]
	if len(clients) == 0 {
		return nil
	}
	client := clients[len(clients)-1]
	p.idle[key] = clients[:len(clients)-1]
	return client
}

func (p *ClientPool) create(node Node) (Client, error) {
	client, err := p.options.Factory.NewClient(node, p.options.ConnectionTimeout)
	if err != nil {
		p.release(node)
		return nil, fmt.Errorf("fail to create client for %s: %w", node.MetaAddress(), err)
	}
	return client, nil
}

func (p *ClientPool) release(node Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := node.Key()
	if p.outstanding[key] > 0 {
		p.outstanding[key]--
	}
	p.cond.Broadcast()
}
