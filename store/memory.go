package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by unit tests and dev mode. It keeps
// Redis semantics for every primitive the engine uses, including lazy TTL
// expiry against an injectable clock. Eval supports the unlock
// compare-and-del only, which is the sole script the engine runs.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time

	strings map[string]memVal
	hashes  map[string]memHash
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	lists   map[string][]string
}

type memVal struct {
	val string
	exp time.Time // zero = no expiry
}

type memHash struct {
	fields map[string]string
	exp    time.Time
}

// NewMemory returns an empty in-memory store on the real clock.
func NewMemory() *Memory {
	return NewMemoryAt(time.Now)
}

// NewMemoryAt returns an in-memory store reading time from now; tests use
// this to step TTLs deterministically.
func NewMemoryAt(now func() time.Time) *Memory {
	return &Memory{
		now:     now,
		strings: make(map[string]memVal),
		hashes:  make(map[string]memHash),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		lists:   make(map[string][]string),
	}
}

func (m *Memory) expired(exp time.Time) bool {
	return !exp.IsZero() && !m.now().Before(exp)
}

// reap drops an expired entry for key across all kinds. Callers hold mu.
func (m *Memory) reap(key string) {
	if v, ok := m.strings[key]; ok && m.expired(v.exp) {
		delete(m.strings, key)
	}
	if h, ok := m.hashes[key]; ok && m.expired(h.exp) {
		delete(m.hashes, key)
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	v, ok := m.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v.val, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memVal{val: value, exp: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	if _, ok := m.strings[key]; ok {
		return false, nil
	}
	m.strings[key] = memVal{val: value, exp: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.del(key)
	}
	return nil
}

func (m *Memory) del(key string) {
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	delete(m.lists, key)
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	if _, ok := m.strings[key]; ok {
		return true, nil
	}
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	if _, ok := m.sets[key]; ok {
		return true, nil
	}
	if _, ok := m.zsets[key]; ok {
		return true, nil
	}
	if _, ok := m.lists[key]; ok {
		return true, nil
	}
	return false, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp := m.deadline(ttl)
	if v, ok := m.strings[key]; ok {
		v.exp = exp
		m.strings[key] = v
	}
	if h, ok := m.hashes[key]; ok {
		h.exp = exp
		m.hashes[key] = h
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hgetall(key), nil
}

func (m *Memory) hgetall(key string) map[string]string {
	m.reap(key)
	out := make(map[string]string)
	if h, ok := m.hashes[key]; ok {
		for k, v := range h.fields {
			out[k] = v
		}
	}
	return out
}

func (m *Memory) HGetAllMulti(_ context.Context, keys []string) ([]map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]string, len(keys))
	for i, key := range keys {
		out[i] = m.hgetall(key)
	}
	return out, nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hset(key, fields)
	return nil
}

func (m *Memory) hset(key string, fields map[string]string) {
	m.reap(key)
	h, ok := m.hashes[key]
	if !ok {
		h = memHash{fields: make(map[string]string)}
	}
	for k, v := range fields {
		h.fields[k] = v
	}
	m.hashes[key] = h
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	if h, ok := m.hashes[key]; ok {
		if v, ok := h.fields[field]; ok {
			return v, nil
		}
	}
	return "", ErrNotFound
}

func (m *Memory) HSetNX(_ context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	h, ok := m.hashes[key]
	if !ok {
		h = memHash{fields: make(map[string]string)}
		m.hashes[key] = h
	}
	if _, exists := h.fields[field]; exists {
		return false, nil
	}
	h.fields[field] = value
	return true, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hashes[key]; ok {
		for _, f := range fields {
			delete(h.fields, f)
		}
	}
	return nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sadd(key, members...)
	return nil
}

func (m *Memory) sadd(key string, members ...string) {
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.srem(key, members...)
	return nil
}

func (m *Memory) srem(key string, members ...string) {
	if s, ok := m.sets[key]; ok {
		for _, mem := range members {
			delete(s, mem)
		}
		if len(s) == 0 {
			delete(m.sets, key)
		}
	}
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for mem := range s {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zadd(key, score, member)
	return nil
}

func (m *Memory) zadd(key string, score float64, member string) {
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zrem(key, members...)
	return nil
}

func (m *Memory) zrem(key string, members ...string) {
	if z, ok := m.zsets[key]; ok {
		for _, mem := range members {
			delete(z, mem)
		}
		if len(z) == 0 {
			delete(m.zsets, key)
		}
	}
}

type zentry struct {
	member string
	score  float64
}

func (m *Memory) zsorted(key string) []zentry {
	z := m.zsets[key]
	out := make([]zentry, 0, len(z))
	for mem, sc := range z {
		out = append(out, zentry{member: mem, score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].member < out[j].member
	})
	return out
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.zsorted(key) {
		if e.score >= min && e.score <= max {
			out = append(out, e.member)
		}
	}
	return out, nil
}

func (m *Memory) ZRemRangeByRank(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.zsorted(key)
	n := int64(len(sorted))
	start, stop = clampRange(start, stop, n)
	if start > stop {
		return nil
	}
	for _, e := range sorted[start : stop+1] {
		m.zrem(key, e.member)
	}
	return nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lpush(key, values...)
	return nil
}

func (m *Memory) lpush(key string, values ...string) {
	l := m.lists[key]
	for _, v := range values {
		l = append([]string{v}, l...)
	}
	m.lists[key] = l
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ltrim(key, start, stop)
	return nil
}

func (m *Memory) ltrim(key string, start, stop int64) {
	l := m.lists[key]
	n := int64(len(l))
	start, stop = clampRange(start, stop, n)
	if start > stop {
		delete(m.lists, key)
		return
	}
	m.lists[key] = l[start : stop+1]
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	start, stop = clampRange(start, stop, n)
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

// Eval implements the unlock compare-and-del: if the key holds args[0],
// delete it and return 1, else return 0. No other script is supported.
func (m *Memory) Eval(_ context.Context, _ string, keys, args []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(keys) != 1 || len(args) != 1 {
		return 0, nil
	}
	key := keys[0]
	m.reap(key)
	if v, ok := m.strings[key]; ok && v.val == args[0] {
		delete(m.strings, key)
		return 1, nil
	}
	return 0, nil
}

func (m *Memory) Pipeline() Pipe {
	return &memPipe{m: m}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// memPipe buffers closures and applies them under one lock acquisition.
type memPipe struct {
	m   *Memory
	ops []func()
}

func (p *memPipe) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func() {
		p.m.strings[key] = memVal{val: value, exp: p.m.deadline(ttl)}
	})
}

func (p *memPipe) Del(keys ...string) {
	p.ops = append(p.ops, func() {
		for _, k := range keys {
			p.m.del(k)
		}
	})
}

func (p *memPipe) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func() {
		exp := p.m.deadline(ttl)
		if v, ok := p.m.strings[key]; ok {
			v.exp = exp
			p.m.strings[key] = v
		}
		if h, ok := p.m.hashes[key]; ok {
			h.exp = exp
			p.m.hashes[key] = h
		}
	})
}

func (p *memPipe) HSet(key string, fields map[string]string) {
	p.ops = append(p.ops, func() { p.m.hset(key, fields) })
}

func (p *memPipe) HDel(key string, fields ...string) {
	p.ops = append(p.ops, func() {
		if h, ok := p.m.hashes[key]; ok {
			for _, f := range fields {
				delete(h.fields, f)
			}
		}
	})
}

func (p *memPipe) SAdd(key string, members ...string) {
	p.ops = append(p.ops, func() { p.m.sadd(key, members...) })
}

func (p *memPipe) SRem(key string, members ...string) {
	p.ops = append(p.ops, func() { p.m.srem(key, members...) })
}

func (p *memPipe) ZAdd(key string, score float64, member string) {
	p.ops = append(p.ops, func() { p.m.zadd(key, score, member) })
}

func (p *memPipe) ZRem(key string, members ...string) {
	p.ops = append(p.ops, func() { p.m.zrem(key, members...) })
}

func (p *memPipe) ZRemRangeByRank(key string, start, stop int64) {
	p.ops = append(p.ops, func() {
		sorted := p.m.zsorted(key)
		n := int64(len(sorted))
		s, e := clampRange(start, stop, n)
		if s > e {
			return
		}
		for _, ent := range sorted[s : e+1] {
			p.m.zrem(key, ent.member)
		}
	})
}

func (p *memPipe) LPush(key string, values ...string) {
	p.ops = append(p.ops, func() { p.m.lpush(key, values...) })
}

func (p *memPipe) LTrim(key string, start, stop int64) {
	p.ops = append(p.ops, func() { p.m.ltrim(key, start, stop) })
}

func (p *memPipe) Exec(_ context.Context) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	for _, op := range p.ops {
		op()
	}
	p.ops = nil
	return nil
}

// clampRange converts Redis-style negative indexes to concrete bounds.
func clampRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}
