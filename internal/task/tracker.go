package task

import (
	"hash/fnv"
	"sync"
)

const (
	trackerShardCount = 16
	// 每 N 次轮询记录一条日志，避免高频轮询刷屏。
	defaultLogEvery = 30
)

// Observation 描述一次轮询观察的簿记结果。
type Observation struct {
	PollCount     int
	StatusChanged bool
	// ShouldLog 为真表示这次观察值得记录：状态发生变化、
	// 到达终态，或达到采样周期。
	ShouldLog bool
}

type pollEntry struct {
	count      int
	lastStatus Status
}

type trackerShard struct {
	mu      sync.Mutex
	entries map[string]*pollEntry
}

// Tracker 按 task_id 维护轮询次数与最近一次观察到的状态。
// 它只是叠加在结果存储之上的缓存：丢弃或重建不影响正确性，
// 只影响日志的详略。分片加锁保证并发轮询同一句柄时互不破坏。
type Tracker struct {
	shards   [trackerShardCount]trackerShard
	logEvery int
}

// NewTracker 创建轮询簿记器。
func NewTracker() *Tracker {
	t := &Tracker{logEvery: defaultLogEvery}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*pollEntry)
	}
	return t
}

// Observe 记录一次对指定任务的轮询。首次观察到终态时，
// 对应的簿记条目被立刻释放，之后的重复轮询从零开始计数，
// 保证进程生命周期内不会无界增长。
func (t *Tracker) Observe(taskID string, status Status) Observation {
	shard := t.shard(taskID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[taskID]
	if !ok {
		entry = &pollEntry{}
		shard.entries[taskID] = entry
	}
	entry.count++

	changed := !ok || entry.lastStatus != status
	terminal := status.Terminal()
	obs := Observation{
		PollCount:     entry.count,
		StatusChanged: changed,
		ShouldLog:     changed || terminal || entry.count%t.logEvery == 0,
	}

	if terminal {
		delete(shard.entries, taskID)
	} else {
		entry.lastStatus = status
	}
	return obs
}

// Len 返回当前簿记条目的数量，用于验证内存不泄漏。
func (t *Tracker) Len() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.Lock()
		total += len(t.shards[i].entries)
		t.shards[i].mu.Unlock()
	}
	return total
}

func (t *Tracker) shard(taskID string) *trackerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return &t.shards[h.Sum32()%trackerShardCount]
}
