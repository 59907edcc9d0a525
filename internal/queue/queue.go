package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/visual-search-scraper/internal/models"
)

var (
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
)

// Task is one image to search for.
type Task struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku,omitempty"`
	ImagePath     string    `json:"image_path"`
	Keywords      []string  `json:"keywords,omitempty"`
	ForceFullCrop bool      `json:"force_full_crop,omitempty"`
	Priority      int       `json:"priority,omitempty"`
	Retries       int       `json:"retries,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (t *Task) Request() models.SearchRequest {
	return models.SearchRequest{
		ImagePath:          t.ImagePath,
		ForceFullImageCrop: t.ForceFullCrop,
		Keywords:           t.Keywords,
	}
}

// Label names the task in logs.
func (t *Task) Label() string {
	if t.SKU != "" {
		return t.SKU
	}
	return t.ID
}

type Queue interface {
	Push(task *Task) error
	Pop(ctx context.Context) (*Task, error)
	Size() int
	Close() error
}

// InMemoryQueue orders tasks by priority, highest first, and keeps insertion
// order within a priority.
type InMemoryQueue struct {
	tasks  []*Task
	mu     sync.Mutex
	wake   chan struct{}
	closed bool
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks: make([]*Task, 0),
		wake:  make(chan struct{}),
	}
}

func (q *InMemoryQueue) Push(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.tasks = append(q.tasks, task)
	q.sortByPriority()
	q.broadcast()

	return nil
}

// Pop blocks until a task is available, the queue is closed and drained, or
// ctx ends.
func (q *InMemoryQueue) Pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return task, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// TryPop returns ErrQueueEmpty instead of blocking.
func (q *InMemoryQueue) TryPop() (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		if q.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, nil
}

func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops new pushes. Tasks already queued can still be popped.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.broadcast()

	return nil
}

// broadcast wakes every waiting Pop. Caller holds mu.
func (q *InMemoryQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *InMemoryQueue) sortByPriority() {
	sort.SliceStable(q.tasks, func(i, j int) bool {
		return q.tasks[i].Priority > q.tasks[j].Priority
	})
}

type BatchQueue struct {
	queue Queue
}

func NewBatchQueue(q Queue) *BatchQueue {
	return &BatchQueue{queue: q}
}

func (b *BatchQueue) PushBatch(tasks []*Task) error {
	for _, task := range tasks {
		if err := b.queue.Push(task); err != nil {
			return err
		}
	}
	return nil
}

type rawTask struct {
	ID            string   `json:"id"`
	SKU           string   `json:"sku"`
	ImagePath     string   `json:"image_path"`
	LocalPath     string   `json:"local_image_path"`
	Keyword       string   `json:"keyword"`
	Keywords      []string `json:"keywords"`
	ForceFullCrop bool     `json:"force_full_crop"`
	Priority      int      `json:"priority"`
}

// LoadTasks reads a JSON task file, either a bare array or {"tasks": [...]}.
// Relative image paths resolve against the file's directory. Tasks keep file
// order.
func LoadTasks(path string) ([]*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	return ParseTasks(data, filepath.Dir(path))
}

func ParseTasks(data []byte, baseDir string) ([]*Task, error) {
	var raws []rawTask

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Tasks []rawTask `json:"tasks"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse task file: %w", err)
		}
		raws = wrapped.Tasks
	} else if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}

	now := time.Now()
	tasks := make([]*Task, 0, len(raws))
	for i, r := range raws {
		image := r.ImagePath
		if image == "" {
			image = r.LocalPath
		}
		if strings.TrimSpace(image) == "" {
			return nil, fmt.Errorf("task %d: image_path is required", i+1)
		}
		if !filepath.IsAbs(image) && baseDir != "" {
			image = filepath.Join(baseDir, image)
		}

		keywords := append([]string(nil), r.Keywords...)
		if k := strings.TrimSpace(r.Keyword); k != "" {
			keywords = append(keywords, k)
		}

		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}

		tasks = append(tasks, &Task{
			ID:            id,
			SKU:           r.SKU,
			ImagePath:     image,
			Keywords:      keywords,
			ForceFullCrop: r.ForceFullCrop,
			Priority:      r.Priority,
			CreatedAt:     now,
		})
	}
	return tasks, nil
}
