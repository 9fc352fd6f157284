package storage

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// Memory is an in-process PhotoStore for local runs without a bucket.
type Memory struct {
	mu      sync.Mutex
	objects map[string]Object
	BaseURL string
}

type Object struct {
	ContentType string
	Data        []byte
}

func NewMemory(baseURL string) *Memory {
	return &Memory{objects: make(map[string]Object), BaseURL: baseURL}
}

func (m *Memory) Put(_ context.Context, key, contentType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{ContentType: contentType, Data: append([]byte(nil), data...)}
	return nil
}

func (m *Memory) PresignGet(key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	_, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no object %s", key)
	}
	exp := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s/%s?expires=%d", m.BaseURL, url.PathEscape(key), exp), nil
}

func (m *Memory) Delete(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

func (m *Memory) Get(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
