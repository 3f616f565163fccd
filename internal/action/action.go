// Package action holds the action descriptor, its etcd-backed metadata
// store, and a blob-bucket code puller with a local directory cache,
// grounded on the reference project's function.go / HandlerPuller.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Descriptor is the Action descriptor (spec §3): stable identity,
// code reference, runtime kind, and its resource limits.
type Descriptor struct {
	Namespace          string `json:"namespace"`
	Name               string `json:"name"`
	Rev                string `json:"rev"`
	Kind               string `json:"kind"`
	MemoryMB           int    `json:"memory_mb"`
	TimeLimitSeconds   int    `json:"time_limit_seconds"`
	ConcurrencyLimit   int    `json:"concurrency_limit"`
	CodeRef            string `json:"code_ref"` // blob bucket key
	Binary             bool   `json:"binary"`
	Main               string `json:"main"`
}

func (d *Descriptor) etcdKey(prefix string) string {
	return fmt.Sprintf("%s/%s/%s/%s", prefix, d.Namespace, d.Name, d.Rev)
}

var ErrActionNotFound = fmt.Errorf("action not found")

// Store is the metadata lookup the pool/runner consult before
// admission, keyed by the full (namespace, name, revision) identity so
// an older queued activation always resolves against the revision it
// was issued against rather than whatever is newest; an etcd-backed
// implementation with a local cache is provided below.
type Store interface {
	Get(ctx context.Context, namespace, name, rev string) (*Descriptor, error)
	Put(ctx context.Context, d *Descriptor) error
	Delete(ctx context.Context, namespace, name, rev string) error
}

// EtcdStore is grounded on the reference project's utils.GetEtcdClient
// plus function.go's get/save/delete-with-cache pattern.
type EtcdStore struct {
	client *clientv3.Client
	prefix string

	mu    sync.RWMutex
	cache map[string]*Descriptor
}

func NewEtcdStore(endpoints []string, prefix string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect to etcd: %w", err)
	}
	return &EtcdStore{client: cli, prefix: prefix, cache: make(map[string]*Descriptor)}, nil
}

func cacheKey(namespace, name, rev string) string {
	return namespace + "/" + name + "/" + rev
}

func (s *EtcdStore) Get(ctx context.Context, namespace, name, rev string) (*Descriptor, error) {
	ck := cacheKey(namespace, name, rev)

	s.mu.RLock()
	if d, ok := s.cache[ck]; ok {
		s.mu.RUnlock()
		cp := *d
		return &cp, nil
	}
	s.mu.RUnlock()

	key := fmt.Sprintf("%s/%s", s.prefix, ck)
	getCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := s.client.Get(getCtx, key)
	if err != nil {
		return nil, fmt.Errorf("etcd get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrActionNotFound
	}

	var d Descriptor
	if err := json.Unmarshal(resp.Kvs[0].Value, &d); err != nil {
		return nil, fmt.Errorf("decode action metadata: %w", err)
	}

	s.mu.Lock()
	s.cache[ck] = &d
	s.mu.Unlock()

	cp := d
	return &cp, nil
}

func (s *EtcdStore) Put(ctx context.Context, d *Descriptor) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode action metadata: %w", err)
	}

	putCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.client.Put(putCtx, d.etcdKey(s.prefix), string(payload)); err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}

	s.mu.Lock()
	s.cache[cacheKey(d.Namespace, d.Name, d.Rev)] = d
	s.mu.Unlock()
	return nil
}

func (s *EtcdStore) Delete(ctx context.Context, namespace, name, rev string) error {
	key := fmt.Sprintf("%s/%s", s.prefix, cacheKey(namespace, name, rev))

	delCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.client.Delete(delCtx, key); err != nil {
		return fmt.Errorf("etcd delete: %w", err)
	}

	s.mu.Lock()
	delete(s.cache, cacheKey(namespace, name, rev))
	s.mu.Unlock()
	return nil
}
