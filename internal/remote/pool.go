package remote

import (
	"sync"
	"time"
)

// Pool shares one Client per base URL and API type.
type Pool struct {
	ModelListTTL time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

func NewPool(modelListTTL time.Duration) *Pool {
	return &Pool{ModelListTTL: modelListTTL, clients: make(map[string]*Client)}
}

func (p *Pool) Get(baseURL string, apiType APIType) *Client {
	key := baseURL + ":" + string(apiType)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients == nil {
		p.clients = make(map[string]*Client)
	}
	if c, ok := p.clients[key]; ok {
		return c
	}
	var opts []Option
	if p.ModelListTTL > 0 {
		opts = append(opts, WithModelListTTL(p.ModelListTTL))
	}
	c := NewClient(baseURL, apiType, opts...)
	p.clients[key] = c
	return c
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
